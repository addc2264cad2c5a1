package domain

import "time"

// DocumentTally summarises the per-document state of a batch.
type DocumentTally struct {
	Total      int
	Started    int
	Terminal   int
	Processed  int
	Failed     int
	Cancelled  int
	Uninvoiced int
}

func TallyDocuments(docs []Document) DocumentTally {
	t := DocumentTally{Total: len(docs)}
	for _, doc := range docs {
		if doc.Status != DocumentCreated {
			t.Started++
		}
		if doc.Status.IsTerminal() {
			t.Terminal++
		}
		switch doc.Status {
		case DocumentProcessed:
			t.Processed++
			if doc.InvoiceID == "" {
				t.Uninvoiced++
			}
		case DocumentFailed:
			t.Failed++
		case DocumentCancelled:
			t.Cancelled++
		}
	}
	return t
}

func (t DocumentTally) AllTerminal() bool {
	return t.Total > 0 && t.Terminal == t.Total
}

// Reconcile advances b as far as the aggregate document state allows and
// returns every transition it applied, in order. Terminal batches are left
// untouched. Analysis states are entered explicitly, never here.
func Reconcile(b *Batch, docs []Document, now time.Time) []BatchTransition {
	if b.Status.IsTerminal() {
		return nil
	}

	tally := TallyDocuments(docs)
	b.ProcessedCount = tally.Processed
	b.FailedCount = tally.Failed + tally.Cancelled

	var applied []BatchTransition
	step := func(to BatchStatus, reason string) bool {
		tr, err := b.TransitionTo(to, reason, now)
		if err != nil {
			return false
		}
		applied = append(applied, tr)
		return true
	}

	if b.Status == BatchCreated && tally.Started > 0 {
		step(BatchProcessing, "")
	}

	if b.Status == BatchProcessing && tally.AllTerminal() {
		if tally.Processed == 0 {
			step(BatchFailed, "all documents failed")
			return applied
		}
		step(BatchOCRCompleted, "")
	}

	if b.Status == BatchOCRCompleted && tally.Uninvoiced == 0 {
		step(BatchExtractionCompleted, "")
	}

	return applied
}
