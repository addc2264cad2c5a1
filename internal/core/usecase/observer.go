package usecase

import "time"

// PipelineObserver receives pipeline measurements. metrics.WorkerMetrics
// implements it; a nil observer is replaced by a no-op.
type PipelineObserver interface {
	StartDocument()
	FinishDocument(outcome string, duration time.Duration)
	ObserveQueueLag(lag time.Duration)
	RecordRetry()
	RecordBatchTransition(to string)
	RecordAnalysis(outcome string, duration time.Duration)
	RecordEvent(topic, outcome string)
}

type nopObserver struct{}

func (nopObserver) StartDocument()                       {}
func (nopObserver) FinishDocument(string, time.Duration) {}
func (nopObserver) ObserveQueueLag(time.Duration)        {}
func (nopObserver) RecordRetry()                         {}
func (nopObserver) RecordBatchTransition(string)         {}
func (nopObserver) RecordAnalysis(string, time.Duration) {}
func (nopObserver) RecordEvent(string, string)           {}

func observerOrNop(o PipelineObserver) PipelineObserver {
	if o == nil {
		return nopObserver{}
	}
	return o
}
