package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/kirillkom/invoice-pipeline/internal/adapters/http"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

// APIHandler assembles the HTTP surface with request metrics and a
// /metrics endpoint.
func (a *App) APIHandler(httpMetrics *metrics.HTTPServerMetrics) http.Handler {
	cfg := a.Config
	httpMetrics.RegisterLiveSubscribers("api", a.Hub.SubscriberCount)

	router := httpadapter.NewRouter(httpadapter.RouterConfig{
		MaxUploadBytes:    cfg.UploadMaxFileBytes*int64(cfg.UploadMaxBatchFiles) + 1<<20,
		RateLimitRPS:      cfg.APIRateLimitRPS,
		RateLimitBurst:    cfg.APIRateLimitBurst,
		MaxInFlight:       cfg.APIMaxInFlight,
		BackpressureWait:  cfg.APIBackpressureWait,
		HeartbeatInterval: cfg.NotifyHeartbeatInterval,
	}, httpadapter.Dependencies{
		Ingest:    a.IngestUC,
		Reader:    a.QueryUC,
		Canceller: a.QueryUC,
		Invoices:  a.ReviewUC,
		Exporter:  a.Exporter,
		Feed:      a.Hub,
		Users:     a.Users,
		Observer:  httpMetrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", httpMetrics.Handler())
	if a.WorkerMetrics != nil {
		mux.Handle("/metrics/worker", a.WorkerMetrics.Handler())
	}
	mux.Handle("/", httpMetrics.Middleware("api", router.Handler()))
	return mux
}

// StartNotifications runs the live-update plumbing this process owns.
func (a *App) StartNotifications(ctx context.Context, g *errgroup.Group) {
	if a.Role.hostsAPI() {
		g.Go(func() error { return a.Hub.Run(ctx) })
	}
	if a.RedisSink != nil {
		g.Go(func() error { return a.RedisSink.Run(ctx) })
	}
	if a.RedisPub != nil {
		g.Go(func() error { return a.RedisPub.Run(ctx) })
	}
}

// StartWorker starts the pool, restores unfinished work and then consumes
// the document queue until ctx is done.
func (a *App) StartWorker(ctx context.Context, g *errgroup.Group) {
	if a.Dispatcher == nil {
		return
	}
	poolStarted := make(chan struct{})
	g.Go(func() error {
		close(poolStarted)
		a.Pool.Start(ctx)
		slog.Info("worker_pool_stopped")
		return nil
	})
	g.Go(func() error {
		<-poolStarted
		if _, err := a.Dispatcher.Recover(ctx); err != nil {
			slog.Error("recovery_failed", "error", err)
		}
		slog.Info("worker_consuming", "subject", a.Config.NATSWorkSubject)
		return a.Queue.ConsumeDocuments(ctx, a.Dispatcher.HandleDocument)
	})
}
