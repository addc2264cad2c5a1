package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// Multipart parts above this size are spooled to disk by net/http.
const multipartMemory = 32 << 20

type batchCreatedResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	DocumentCount int    `json:"document_count"`
}

func (rt *Router) uploadBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form with field 'files' is required"})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'files' is required"})
		return
	}

	files := make([]ports.UploadFile, 0, len(headers))
	var total int64
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "read upload", err))
			return
		}
		total += int64(len(data))
		files = append(files, ports.UploadFile{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	batch, err := rt.ingest.UploadBatch(r.Context(), r.FormValue("name"), files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.observer.RecordUpload(len(files), total)
	annotateBatch(r, batch.ID)
	if u := userFromContext(r.Context()); u != nil {
		slog.Info("batch_uploaded", "batch_id", batch.ID, "user_id", u.ID, "files", len(files))
	}

	w.Header().Set("Location", "/v1/batches/"+batch.ID)
	writeJSON(w, http.StatusAccepted, batchCreatedResponse{
		ID:            batch.ID,
		Name:          batch.Name,
		Status:        string(batch.Status),
		DocumentCount: batch.DocumentCount,
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}

func (rt *Router) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := rt.reader.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.reader.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) getAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := rt.reader.GetAnalysisByBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (rt *Router) listInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := rt.reader.ListInvoicesByBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (rt *Router) cancelBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	batch, err := rt.canceller.CancelBatch(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	annotateBatch(r, batch.ID)
	writeJSON(w, http.StatusOK, batch)
}

func (rt *Router) exportBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var buf bytes.Buffer
	if err := rt.exporter.ExportBatch(r.Context(), id, &buf); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, sanitizeHeaderToken(id)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func sanitizeHeaderToken(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
