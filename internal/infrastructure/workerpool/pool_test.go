package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1})

	if err := pool.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	err := pool.Submit(func(context.Context) {})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if status := pool.Status(); status.QueueDepth != 1 || status.Capacity != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(Config{Workers: 4, QueueSize: 50})
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	var ran atomic.Int32
	for i := 0; i < 40; i++ {
		if err := pool.Submit(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := pool.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if ran.Load() != 40 {
		t.Fatalf("expected 40 tasks, ran %d", ran.Load())
	}

	cancel()
	<-done
}

func TestWorkerSurvivesPanickingTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(Config{Workers: 1, QueueSize: 4})
	go pool.Start(ctx)

	var ran atomic.Bool
	_ = pool.Submit(func(context.Context) { panic("boom") })
	_ = pool.Submit(func(context.Context) { ran.Store(true) })

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := pool.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected task after panic to run")
	}
}

func TestSubmitAfterDelaysExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(Config{Workers: 1, QueueSize: 4})
	go pool.Start(ctx)

	var mu sync.Mutex
	var ranAt time.Time
	start := time.Now()
	pool.SubmitAfter(30*time.Millisecond, func(context.Context) {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
	})
	if pool.Status().Delayed != 1 {
		t.Fatalf("expected one delayed task")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := pool.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ranAt.IsZero() || ranAt.Sub(start) < 30*time.Millisecond {
		t.Fatalf("expected delayed execution, ran after %s", ranAt.Sub(start))
	}
}

func TestStopCancelsDelayedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := New(Config{Workers: 1, QueueSize: 4})
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	var ran atomic.Bool
	pool.SubmitAfter(time.Hour, func(context.Context) { ran.Store(true) })
	cancel()
	<-done

	if pool.Status().Delayed != 0 {
		t.Fatalf("expected delayed tasks cleared on stop")
	}
	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected stopped pool to reject, got %v", err)
	}
	if ran.Load() {
		t.Fatalf("delayed task must not run after stop")
	}
}
