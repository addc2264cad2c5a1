package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/core/usecase"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/auth"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/export"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/notify"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/ocr"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/workerpool"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

// Role selects which half of the pipeline a process hosts.
type Role int

const (
	RoleAPI Role = iota
	RoleWorker
	// RoleStandalone runs the API and the worker in one process. It is the
	// only role usable with the in-memory store.
	RoleStandalone
)

func (r Role) hostsWorker() bool { return r == RoleWorker || r == RoleStandalone }
func (r Role) hostsAPI() bool    { return r == RoleAPI || r == RoleStandalone }

type App struct {
	Config config.Config
	Role   Role

	Store   ports.Store
	Queue   *nats.Queue
	Events  *usecase.PartitionedEventPublisher
	Hub     *notify.Hub
	Machine *usecase.BatchStateMachine

	IngestUC  *usecase.IngestBatchUseCase
	QueryUC   *usecase.BatchQueryUseCase
	ReviewUC  *usecase.InvoiceReviewUseCase
	Exporter  *export.Exporter
	Users     *auth.Directory
	RedisPub  *notify.RedisPublisher
	RedisSink *notify.RedisRelay

	// Worker side, nil for RoleAPI.
	Pool          *workerpool.Pool
	ProcessUC     *usecase.ProcessDocumentUseCase
	Aggregator    *usecase.AnalysisAggregator
	Dispatcher    *usecase.Dispatcher
	WorkerMetrics *metrics.WorkerMetrics

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, role Role) (*App, error) {
	app := &App{Config: cfg, Role: role}
	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	natsPolicy := resilience.DefaultPolicy()
	applyBreaker(&natsPolicy, cfg)
	conn, err := nats.Connect(cfg.NATSURL, nats.Options{
		Name:               "invoice-pipeline-" + a.Role.String(),
		ResilienceExecutor: resilience.NewExecutor(natsPolicy),
	})
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	a.onClose(func() {
		if err := conn.Drain(); err != nil {
			slog.Warn("nats_drain_failed", "error", err)
			conn.Close()
		}
	})

	a.Queue, err = nats.NewQueue(ctx, conn, nats.QueueConfig{
		Stream:       cfg.NATSWorkStream,
		Subject:      cfg.NATSWorkSubject,
		BackoffDelay: cfg.DocumentRetryBaseDelay,
	})
	if err != nil {
		return fmt.Errorf("init work queue: %w", err)
	}
	eventLog, err := nats.NewEventLog(ctx, conn, nats.EventLogConfig{
		Stream:        cfg.NATSEventStream,
		SubjectPrefix: cfg.NATSEventSubjectPrefix,
	})
	if err != nil {
		return fmt.Errorf("init event log: %w", err)
	}

	var observer usecase.PipelineObserver
	if a.Role.hostsWorker() {
		a.WorkerMetrics = metrics.NewWorkerMetrics("worker")
		observer = a.WorkerMetrics
	}

	a.Events = usecase.NewPartitionedEventPublisher(eventLog, usecase.EventPublisherConfig{
		Partitions: cfg.EventPartitions,
		Buffer:     cfg.EventBuffer,
		Observer:   observer,
	})
	a.onClose(a.Events.Close)

	a.Hub = notify.NewHub(notify.HubConfig{HeartbeatInterval: cfg.NotifyHeartbeatInterval})
	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}

	a.Machine = usecase.NewBatchStateMachine(store, a.Events, notifier, observer)

	if a.Role.hostsWorker() {
		a.buildWorker(store, storage)
	}

	a.IngestUC = usecase.NewIngestBatchUseCase(store, storage, a.Queue, a.Machine, usecase.UploadLimits{
		MaxFileBytes:  cfg.UploadMaxFileBytes,
		MaxBatchFiles: cfg.UploadMaxBatchFiles,
	})
	a.QueryUC = usecase.NewBatchQueryUseCase(store, a.Machine)
	a.ReviewUC = usecase.NewInvoiceReviewUseCase(store, a.Events)
	a.Exporter = export.NewExporter(a.QueryUC)

	if a.Role.hostsAPI() {
		a.Users, err = auth.LoadFile(cfg.APIKeysFile)
		if err != nil {
			return fmt.Errorf("load api keys: %w", err)
		}
		if !a.Users.Enabled() {
			slog.Warn("api_auth_disabled", "reason", "no api keys configured")
		}
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (ports.Store, error) {
	switch strings.ToLower(a.Config.StoreDriver) {
	case "memory":
		if a.Role != RoleStandalone {
			return nil, fmt.Errorf("store driver memory requires the standalone role")
		}
		return memory.New(), nil
	case "postgres", "":
		db, err := postgres.OpenDB(a.Config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func() { _ = db.Close() })
		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.Config.StoreDriver)
	}
}

// buildNotifier picks where status updates go. A worker with Redis
// publishes to the channel; an API process with Redis relays that channel
// into its hub. Without Redis, updates stay in the local hub.
func (a *App) buildNotifier(ctx context.Context) (ports.StatusNotifier, error) {
	cfg := a.Config
	if cfg.RedisAddr == "" || a.Role == RoleStandalone {
		return a.Hub, nil
	}

	client, err := notify.NewRedisClient(ctx, notify.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Channel:  cfg.NotifyRedisChannel,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.onClose(func() { _ = client.Close() })

	if a.Role == RoleWorker {
		a.RedisPub = notify.NewRedisPublisher(client, cfg.NotifyRedisChannel, cfg.EventBuffer)
		return a.RedisPub, nil
	}
	// Updates raised by the API itself (cancellation) reach local subscribers only.
	a.RedisSink = notify.NewRedisRelay(client, cfg.NotifyRedisChannel, a.Hub)
	return a.Hub, nil
}

func (a *App) buildWorker(store ports.Store, storage ports.ObjectStorage) {
	cfg := a.Config

	a.Pool = workerpool.New(workerpool.Config{
		Name:      "documents",
		Workers:   cfg.WorkerPoolSize,
		QueueSize: cfg.WorkerQueueCapacity,
		Observer:  a.WorkerMetrics,
	})

	var imageOCR ports.OCRProvider
	if cfg.AzureVisionEndpoint != "" && cfg.AzureVisionKey != "" {
		imageOCR = ocr.NewAzureVision(cfg.AzureVisionEndpoint, cfg.AzureVisionKey, cfg.OCREnhanceImages)
	} else {
		slog.Warn("image_ocr_disabled", "reason", "azure vision endpoint or key not configured")
	}
	ocrPolicy := resilience.Policy{
		RetryMaxAttempts: 1,
		AttemptTimeout:   cfg.OCRTimeout,
	}
	applyBreaker(&ocrPolicy, cfg)
	ocrGuard := resilience.NewGuard(
		resilience.NewExecutor(ocrPolicy).OnRetry(a.WorkerMetrics.RecordProviderRetry),
		ocr.ClassifyError,
	)

	a.ProcessUC = usecase.NewProcessDocumentUseCase(
		store,
		storage,
		ocr.NewRouter(ocr.NewPDFText(0), imageOCR),
		ocrGuard,
		usecase.NewVendorResolver(store),
		a.Machine,
		a.Pool,
		usecase.ProcessConfig{
			RetryCeiling: cfg.DocumentRetryCeiling,
			Retry: resilience.Policy{
				RetryInitialBackoff: cfg.DocumentRetryBaseDelay,
				RetryMaxBackoff:     cfg.DocumentRetryMaxDelay,
				RetryMultiplier:     2,
			},
			Observer: a.WorkerMetrics,
		},
	)

	summarizePolicy := resilience.Policy{
		RetryMaxAttempts:    cfg.AnalysisMaxAttempts,
		RetryInitialBackoff: cfg.AnalysisRetryBaseDelay,
		RetryMaxBackoff:     8 * cfg.AnalysisRetryBaseDelay,
		RetryMultiplier:     2,
		AttemptTimeout:      cfg.SummarizeTimeout,
	}
	applyBreaker(&summarizePolicy, cfg)
	summarizer := ollama.NewSummarizer(ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.SummarizeTimeout))

	a.Aggregator = usecase.NewAnalysisAggregator(
		store,
		summarizer,
		resilience.NewGuard(
			resilience.NewExecutor(summarizePolicy).OnRetry(a.WorkerMetrics.RecordProviderRetry),
			ollama.ClassifyError,
		),
		a.Machine,
		a.Events,
		usecase.AnalysisConfig{
			MaxContentLength: cfg.AnalysisMaxContentLength,
			FinalizeBatch:    cfg.AnalysisFinalizeBatch,
			Observer:         a.WorkerMetrics,
		},
	)
	a.Machine.SetAnalysisTrigger(a.Aggregator)

	a.Dispatcher = usecase.NewDispatcher(store, a.Pool, a.ProcessUC, a.Aggregator, a.Machine, usecase.DispatcherConfig{
		RecoveryBatchSize: cfg.RecoveryBatchSize,
		RetryCeiling:      cfg.DocumentRetryCeiling,
		RequeueDelay:      cfg.DocumentRetryBaseDelay,
	})
}

func applyBreaker(p *resilience.Policy, cfg config.Config) {
	p.BreakerEnabled = cfg.BreakerEnabled
	if cfg.BreakerMinRequests > 0 {
		p.BreakerMinRequests = uint32(cfg.BreakerMinRequests)
	}
	if cfg.BreakerFailureRatio > 0 {
		p.BreakerFailureRatio = cfg.BreakerFailureRatio
	}
	if cfg.BreakerOpenTimeoutSeconds > 0 {
		p.BreakerOpenTimeout = time.Duration(cfg.BreakerOpenTimeoutSeconds) * time.Second
	}
}

func (a *App) onClose(fn func()) {
	a.closeFns = append(a.closeFns, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a.Aggregator != nil {
		a.Aggregator.Wait()
	}
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func (r Role) String() string {
	switch r {
	case RoleAPI:
		return "api"
	case RoleWorker:
		return "worker"
	default:
		return "standalone"
	}
}
