package resilience

import "context"

// Guard binds an executor to the classifier of one provider.
type Guard struct {
	executor   *Executor
	classifier ErrorClassifier
}

func NewGuard(executor *Executor, classifier ErrorClassifier) *Guard {
	return &Guard{executor: executor, classifier: classifier}
}

func (g *Guard) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	return g.executor.Execute(ctx, operation, fn, g.classifier)
}
