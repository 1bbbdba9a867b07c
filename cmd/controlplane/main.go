// The controlplane binary runs one control-plane node: REST API, run
// orchestration driver, subtask executor, sandbox pool, stalled-run sweeper,
// and queue reconciler, all against the shared broker and durable store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/controlplane/internal/auth"
	"github.com/strandlabs/controlplane/internal/billing"
	"github.com/strandlabs/controlplane/internal/blob"
	"github.com/strandlabs/controlplane/internal/config"
	"github.com/strandlabs/controlplane/internal/events"
	"github.com/strandlabs/controlplane/internal/httpapi"
	"github.com/strandlabs/controlplane/internal/modelclient"
	"github.com/strandlabs/controlplane/internal/orchestrator"
	"github.com/strandlabs/controlplane/internal/queue"
	"github.com/strandlabs/controlplane/internal/ratelimit"
	"github.com/strandlabs/controlplane/internal/sandbox"
	"github.com/strandlabs/controlplane/internal/scheduler"
	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/tokencount"
	"github.com/strandlabs/controlplane/internal/webhooks"
)

// denyAllVerifier rejects every bearer credential. It stands in when no
// table store is configured, leaving only the trusted-header path.
type denyAllVerifier struct{}

func (denyAllVerifier) Verify(context.Context, string) (*auth.Identity, error) {
	return nil, auth.ErrInvalidKey
}

func main() {
	godotenv.Load()
	cfgPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	logger := log.New(log.Writer(), "[ControlPlane] ", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// Broker.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.URL,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatalf("broker unreachable at %s: %v", cfg.Broker.URL, err)
	}
	cancelPing()

	// Durable store.
	pg, err := store.NewPostgresStore(cfg.Store.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect durable store: %v", err)
	}
	defer pg.Close()

	// Platform tables. Optional: without them key auth, pricing rows, and
	// run attachments are unavailable.
	var tables *store.TableStore
	if cfg.Store.SupabaseURL != "" {
		tables, err = store.NewTableStore(cfg.Store.SupabaseURL, cfg.Store.ServiceKey)
		if err != nil {
			logger.Fatalf("connect table store: %v", err)
		}
	} else {
		logger.Printf("no table store configured, platform tables disabled")
	}

	// Queues.
	if len(cfg.Queue.TransientKeywords) > 0 {
		queue.SetTransientKeywords(cfg.Queue.TransientKeywords)
	}
	queueMetrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	queues := orchestrator.NewQueues(rdb, cfg.Queue.MaxRetries, queueMetrics)

	sched := scheduler.New(scheduler.Config{
		BasePriority:  cfg.Orchestrator.BasePriority,
		MaxPriority:   cfg.Orchestrator.MaxPriority,
		RetryBase:     cfg.Queue.RetryBaseDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	})

	// Billing.
	var pricing *billing.PricingCache
	if tables != nil {
		pricing = billing.NewPricingCache(rdb, tables, cfg.Billing.PricingCacheTTL)
	} else {
		pricing = billing.NewPricingCache(rdb, nil, cfg.Billing.PricingCacheTTL)
	}
	bill := billing.NewService(
		pg,
		pricing,
		tokencount.NewCounter(),
		ratelimit.NewOrgLimiter(rdb, cfg.Billing.RateLimitPerMin),
		cfg.Billing.FailureThreshold,
		billing.NewMetrics(prometheus.DefaultRegisterer),
	)

	// Sandbox pool.
	var backend sandbox.ExecutorBackend
	switch cfg.Sandbox.Backend {
	case "docker":
		backend = sandbox.NewDockerBackend(cfg.Sandbox.DockerRuntime)
	default:
		backend = sandbox.NewLocalBackend()
	}
	pool := sandbox.NewPool(backend, sandbox.Config{
		MaxSandboxAge:  cfg.Sandbox.MaxSandboxAge,
		MaxIdleTime:    cfg.Sandbox.MaxIdleTime,
		WarmupInterval: cfg.Sandbox.WarmupInterval,
		HealthFailures: cfg.Sandbox.HealthFailures,
	}, []sandbox.Template{{
		Name:        "default",
		Image:       cfg.Sandbox.DefaultImage,
		MinPoolSize: cfg.Sandbox.MinPoolSize,
		MaxPoolSize: cfg.Sandbox.MaxPoolSize,
	}}, sandbox.NewMetrics(prometheus.DefaultRegisterer))
	pool.Start()
	defer pool.Stop()

	// Model client.
	var model modelclient.Client
	if cfg.Model.ProxyURL != "" {
		model = modelclient.NewHTTPClient(cfg.Model.ProxyURL, cfg.Model.APIKey)
	} else {
		logger.Printf("no model proxy configured, runs will fail at planning")
		model = modelclient.NewScriptedClient()
	}

	// Events.
	bus := events.NewBus()
	if cfg.Events.PubSubProject != "" {
		pubsubBus, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			logger.Fatalf("connect pub/sub: %v", err)
		}
		defer pubsubBus.Close()
		mirror := bus.Subscribe()
		go func() {
			for ev := range mirror {
				pubsubBus.PublishRaw(ev)
			}
		}()
		defer bus.Unsubscribe(mirror)
	}
	sink := events.NewRunEventSink(bus, "/controlplane/orchestrator")

	// Webhooks.
	hooks := webhooks.NewRegistry()
	if tables != nil {
		rows, err := tables.ListActiveWebhookSubscriptions()
		if err != nil {
			logger.Printf("load webhook subscriptions: %v", err)
		}
		for i := range rows {
			row := rows[i]
			eventTypes := make([]webhooks.EventType, 0, len(row.Events))
			for _, e := range row.Events {
				eventTypes = append(eventTypes, webhooks.EventType(e))
			}
			sub := &webhooks.Subscription{
				ID:     row.ID,
				URL:    row.URL,
				Events: eventTypes,
				Secret: row.Secret,
				OrgID:  row.OrgID,
			}
			if err := hooks.Register(sub); err != nil {
				logger.Printf("restore webhook %s: %v", row.ID, err)
			}
		}
	}
	var hookEmitter webhooks.Emitter
	if cfg.Webhooks.CloudTasksProject != "" {
		cloud, err := webhooks.NewCloudDispatcher(hooks,
			cfg.Webhooks.CloudTasksProject, cfg.Webhooks.CloudTasksLocation,
			cfg.Webhooks.CloudTasksQueue, cfg.Webhooks.Workers)
		if err != nil {
			logger.Fatalf("connect cloud tasks: %v", err)
		}
		hookEmitter = cloud
	} else {
		hookEmitter = webhooks.NewDispatcher(hooks, cfg.Webhooks.Workers)
	}
	bridge := webhooks.NewBridge(bus, hookEmitter)

	// Auth.
	var verifier auth.Verifier = denyAllVerifier{}
	var keys *auth.Manager
	if tables != nil {
		keys = auth.NewManager(tables)
		verifier = keys
	}

	// Blob store.
	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		logger.Fatalf("open blob store: %v", err)
	}

	// Orchestration loops.
	driver := orchestrator.NewDriver(orchestrator.Config{
		WorkerID:         cfg.Orchestrator.WorkerID,
		Concurrency:      cfg.Orchestrator.Concurrency,
		FenceTTL:         cfg.Orchestrator.FenceTTL,
		DequeueTimeout:   cfg.Orchestrator.DequeueTimeout,
		SubtaskPoll:      cfg.Orchestrator.SubtaskPoll,
		DefaultProvider:  cfg.Orchestrator.DefaultProvider,
		DefaultModel:     cfg.Orchestrator.DefaultModel,
		MaxOutputTokens:  cfg.Orchestrator.MaxOutputTokens,
		MaxAttempts:      cfg.Queue.MaxRetries,
		SubtaskWaitLimit: cfg.Orchestrator.SubtaskWaitLimit,
	}, pg, queues, sched, bill, model, messageSink(tables), sink)

	executor := orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		WorkerID:        cfg.Orchestrator.WorkerID,
		Concurrency:     cfg.Orchestrator.Concurrency,
		DequeueTimeout:  cfg.Orchestrator.DequeueTimeout,
		MaxAttempts:     cfg.Queue.MaxRetries,
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
		DefaultModel:    cfg.Orchestrator.DefaultModel,
		MaxOutputTokens: cfg.Orchestrator.MaxOutputTokens,
	}, pg, queues, pool, bill, model)

	sweeper := orchestrator.NewSweeper(pg, queues,
		cfg.Orchestrator.SweepInterval, cfg.Orchestrator.StalledAfter)
	reconciler := queue.NewReconciler(pg, queues.Run,
		queues.FamilyForTaskType, cfg.Queue.ReconcileInterval)

	driver.Start()
	executor.Start()
	sweeper.Start()
	reconciler.Start()

	// REST API.
	api := httpapi.NewServer(httpapi.Config{
		Store:          pg,
		Tables:         tablesOrNil(tables),
		Blobs:          blobs,
		Bus:            bus,
		Hooks:          hooks,
		Keys:           keys,
		Queue:          queues.Run,
		Verifier:       verifier,
		TrustOrgHeader: cfg.Auth.TrustOrgHeader,
		Source:         "/controlplane/api",
	})

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		logger.Fatalf("invalid port %q: %v", cfg.Server.Port, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(port) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		logger.Printf("api server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Printf("api shutdown: %v", err)
	}

	driver.Stop()
	executor.Stop()
	sweeper.Stop()
	reconciler.Stop()
	bridge.Stop()
	hookEmitter.Shutdown()
	logger.Printf("shutdown complete")
}

// messageSink adapts the optional table store to the driver's sink. A typed
// nil *TableStore must become a nil interface, not a non-nil wrapper.
func messageSink(tables *store.TableStore) orchestrator.MessageSink {
	if tables == nil {
		return nil
	}
	return tables
}

func tablesOrNil(tables *store.TableStore) httpapi.PlatformStore {
	if tables == nil {
		return nil
	}
	return tables
}
