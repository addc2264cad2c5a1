package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

var allowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/tiff":      true,
}

type UploadLimits struct {
	MaxFileBytes  int64
	MaxBatchFiles int
}

type IngestBatchUseCase struct {
	store   ports.Store
	storage ports.ObjectStorage
	queue   ports.DocumentQueue
	machine *BatchStateMachine
	limits  UploadLimits
	now     func() time.Time
}

func NewIngestBatchUseCase(
	store ports.Store,
	storage ports.ObjectStorage,
	queue ports.DocumentQueue,
	machine *BatchStateMachine,
	limits UploadLimits,
) *IngestBatchUseCase {
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = 20 << 20
	}
	if limits.MaxBatchFiles <= 0 {
		limits.MaxBatchFiles = 50
	}
	return &IngestBatchUseCase{
		store:   store,
		storage: storage,
		queue:   queue,
		machine: machine,
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UploadBatch validates the files, stores them, creates the batch with one
// CREATED document per file and enqueues every document. Everything after
// the returned batch happens asynchronously.
func (uc *IngestBatchUseCase) UploadBatch(ctx context.Context, name string, files []ports.UploadFile) (*domain.Batch, error) {
	contentTypes, err := uc.validate(files)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	batch := &domain.Batch{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(name),
		Status:        domain.BatchCreated,
		DocumentCount: len(files),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if batch.Name == "" {
		batch.Name = "batch-" + now.Format("20060102-150405")
	}

	docs := make([]domain.Document, 0, len(files))
	for i, f := range files {
		id := uuid.NewString()
		path, err := uc.storage.Store(ctx, f.Data, fmt.Sprintf("%s/%s_%s", batch.ID, id, sanitizeFilename(f.FileName)))
		if err != nil {
			uc.discard(ctx, docs)
			return nil, fmt.Errorf("save to object storage: %w", err)
		}
		docs = append(docs, domain.Document{
			ID:          id,
			BatchID:     batch.ID,
			FileName:    f.FileName,
			ContentType: contentTypes[i],
			SizeBytes:   int64(len(f.Data)),
			StoragePath: path,
			Status:      domain.DocumentCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := uc.store.CreateBatch(ctx, batch, docs); err != nil {
		uc.discard(ctx, docs)
		return nil, fmt.Errorf("create batch: %w", err)
	}
	slog.Info("batch_created", "batch_id", batch.ID, "document_count", batch.DocumentCount)

	for _, doc := range docs {
		if err := uc.queue.EnqueueDocument(ctx, doc.ID); err != nil {
			reason := fmt.Sprintf("enqueue document %s: %v", doc.ID, err)
			if _, tErr := uc.machine.Transition(ctx, batch.ID, "", domain.BatchFailed, reason); tErr != nil {
				slog.Error("batch_fail_transition", "batch_id", batch.ID, "error", tErr)
			}
			return nil, domain.WrapError(domain.ErrTemporary, "enqueue documents", err)
		}
	}

	batch.Documents = docs
	return batch, nil
}

func (uc *IngestBatchUseCase) validate(files []ports.UploadFile) ([]string, error) {
	if len(files) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload batch", errors.New("no files"))
	}
	if len(files) > uc.limits.MaxBatchFiles {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"upload batch",
			fmt.Errorf("%d files exceed the limit of %d", len(files), uc.limits.MaxBatchFiles),
		)
	}

	var errs []error
	types := make([]string, len(files))
	for i, f := range files {
		switch {
		case len(f.Data) == 0:
			errs = append(errs, fmt.Errorf("%s: empty file", f.FileName))
			continue
		case int64(len(f.Data)) > uc.limits.MaxFileBytes:
			errs = append(errs, fmt.Errorf("%s: %d bytes exceed the limit of %d", f.FileName, len(f.Data), uc.limits.MaxFileBytes))
			continue
		}
		ct := detectContentType(f.ContentType, f.Data)
		if !allowedContentTypes[ct] {
			errs = append(errs, fmt.Errorf("%s: unsupported content type %q", f.FileName, ct))
			continue
		}
		types[i] = ct
	}
	if len(errs) > 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload batch", errors.Join(errs...))
	}
	return types, nil
}

func (uc *IngestBatchUseCase) discard(ctx context.Context, docs []domain.Document) {
	for _, doc := range docs {
		if err := uc.storage.Delete(ctx, doc.StoragePath); err != nil {
			slog.Warn("storage_cleanup_failed", "path", doc.StoragePath, "error", err)
		}
	}
}

// detectContentType trusts a declared allowed type and sniffs otherwise.
func detectContentType(declared string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		mediaType = strings.ToLower(mediaType)
		if mediaType == "image/jpg" {
			mediaType = "image/jpeg"
		}
		if allowedContentTypes[mediaType] {
			return mediaType
		}
	}
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return "image/tiff"
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return sniffed
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
