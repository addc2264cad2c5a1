package domain

import (
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchCreated             BatchStatus = "CREATED"
	BatchProcessing          BatchStatus = "PROCESSING"
	BatchOCRCompleted        BatchStatus = "OCR_COMPLETED"
	BatchExtractionCompleted BatchStatus = "EXTRACTION_COMPLETED"
	BatchAnalysisInProgress  BatchStatus = "ANALYSIS_IN_PROGRESS"
	BatchAnalysisCompleted   BatchStatus = "ANALYSIS_COMPLETED"
	BatchAnalysisFailed      BatchStatus = "ANALYSIS_FAILED"
	BatchCompleted           BatchStatus = "COMPLETED"
	BatchFailed              BatchStatus = "FAILED"
	BatchCancelled           BatchStatus = "CANCELLED"
)

var batchTerminal = map[BatchStatus]bool{
	BatchCompleted:         true,
	BatchAnalysisCompleted: true,
	BatchFailed:            true,
	BatchAnalysisFailed:    true,
	BatchCancelled:         true,
}

// batchForward lists the main-line successors of each state. Side exits to
// COMPLETED, FAILED and CANCELLED are allowed from every non-terminal state.
var batchForward = map[BatchStatus][]BatchStatus{
	BatchCreated:             {BatchProcessing},
	BatchProcessing:          {BatchOCRCompleted},
	BatchOCRCompleted:        {BatchExtractionCompleted},
	BatchExtractionCompleted: {BatchAnalysisInProgress},
	BatchAnalysisInProgress:  {BatchAnalysisCompleted, BatchAnalysisFailed},
}

var batchSideExits = []BatchStatus{BatchCompleted, BatchFailed, BatchCancelled}

func (s BatchStatus) IsTerminal() bool {
	return batchTerminal[s]
}

func (s BatchStatus) Valid() bool {
	if batchTerminal[s] {
		return true
	}
	_, ok := batchForward[s]
	return ok
}

// CanTransition reports whether the table allows from -> to.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	if s.IsTerminal() || s == to {
		return false
	}
	for _, next := range batchForward[s] {
		if next == to {
			return true
		}
	}
	for _, exit := range batchSideExits {
		if exit == to {
			return true
		}
	}
	return false
}

type Batch struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         BatchStatus `json:"status"`
	DocumentCount  int         `json:"document_count"`
	ProcessedCount int         `json:"processed_count"`
	FailedCount    int         `json:"failed_count"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Documents      []Document  `json:"documents,omitempty"`
}

// BatchTransition records one applied status change.
type BatchTransition struct {
	BatchID string      `json:"batch_id"`
	From    BatchStatus `json:"from"`
	To      BatchStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// TransitionTo applies a single guarded status change.
func (b *Batch) TransitionTo(to BatchStatus, reason string, now time.Time) (BatchTransition, error) {
	if !b.Status.CanTransition(to) {
		return BatchTransition{}, WrapError(
			ErrInvalidTransition,
			"batch transition",
			fmt.Errorf("batch %s: %s -> %s", b.ID, b.Status, to),
		)
	}
	tr := BatchTransition{BatchID: b.ID, From: b.Status, To: to, Reason: reason, At: now}
	b.Status = to
	b.UpdatedAt = now
	if reason != "" && (to == BatchFailed || to == BatchAnalysisFailed || to == BatchCancelled) {
		b.FailureReason = reason
	}
	return tr, nil
}
