package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func (rt *Router) streamBatchEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, err := rt.reader.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snapshot := domain.StatusUpdate{
		Type:           domain.UpdateBatch,
		BatchID:        batch.ID,
		BatchStatus:    string(batch.Status),
		ProcessedCount: batch.ProcessedCount,
		FailedCount:    batch.FailedCount,
		DocumentCount:  batch.DocumentCount,
		Message:        batch.FailureReason,
		At:             batch.UpdatedAt,
	}
	rt.stream(w, r, id, &snapshot)
}

func (rt *Router) streamAllEvents(w http.ResponseWriter, r *http.Request) {
	rt.stream(w, r, "*", nil)
}

// stream writes live updates as server-sent events until the client goes
// away. Slow clients miss updates rather than stall the pipeline.
func (rt *Router) stream(w http.ResponseWriter, r *http.Request, topic string, snapshot *domain.StatusUpdate) {
	if rt.feed == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "live updates", fmt.Errorf("not configured")))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	updates, cancel := rt.feed.Watch(topic)
	defer cancel()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", rt.cfg.SSERetry.Milliseconds()); err != nil {
		return
	}
	if snapshot != nil {
		if err := writeUpdate(w, *snapshot); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	keepAlive := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeUpdate(w, update); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeUpdate(w io.Writer, update domain.StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	event := update.Type
	if event == "" {
		event = "message"
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
