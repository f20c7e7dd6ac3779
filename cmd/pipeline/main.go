// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/admin"
	"github.com/codegraph/analysis-pipeline/internal/analyzer"
	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/cleanup"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/graphingest"
	"github.com/codegraph/analysis-pipeline/internal/notify"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/outbox"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/reconcile"
	"github.com/codegraph/analysis-pipeline/internal/redisclient"
	"github.com/codegraph/analysis-pipeline/internal/resolution"
	"github.com/codegraph/analysis-pipeline/internal/staging"
	"github.com/codegraph/analysis-pipeline/internal/triangulation"
	"github.com/codegraph/analysis-pipeline/internal/validation"
	"github.com/codegraph/analysis-pipeline/internal/worker"
	"github.com/codegraph/analysis-pipeline/internal/workerpool"
)

var version = "dev"

// exit codes per the process's documented contract: 0 success, 1
// validation failure, 2 fatal dependency failure, 3 graceful shutdown
// timeout.
const (
	exitOK               = 0
	exitValidationFailed = 1
	exitFatalDependency  = 2
	exitShutdownTimeout  = 3
)

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminJobID string
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: all|file-analysis|directory-aggregation|directory-resolution|relationship-resolution|validation|triangulated-analysis|global-resolution|reconciliation|graph-ingestion|outbox|cleanup|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|requeue-dlq|drain")
	fs.StringVar(&adminQueue, "queue", "", "Queue name for admin peek|purge-dlq|requeue-dlq|drain")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.StringVar(&adminJobID, "job-id", "", "Job id for admin requeue-dlq")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitFatalDependency)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(exitFatalDependency)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	broker := queue.NewRedisBroker(rdb, "codegraph", time.Hour)

	store, err := staging.Open(cfg.Staging)
	if err != nil {
		logger.Error("staging store open failed", obs.Err(err))
		os.Exit(exitFatalDependency)
	}
	defer store.Close()

	audit := obs.NewAuditLogger(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
	defer audit.Close()

	if role == "admin" {
		os.Exit(runAdmin(context.Background(), broker, cfg, logger, adminCmd, adminQueue, adminN, adminJobID, adminYes))
	}

	tracker := obs.NewHealthTracker(cfg.CircuitBreaker.FailureThreshold,
		obs.DepCheck{Name: "redis", Check: func(c context.Context) error { return rdb.Ping(c).Err() }},
		obs.DepCheck{Name: "staging", Check: store.HealthCheck},
	)
	readiness := func(c context.Context) error {
		overall, _ := tracker.Report(c)
		if !overall {
			return fmt.Errorf("dependency unhealthy")
		}
		return nil
	}
	httpSrv := obs.StartHTTPServer(cfg, readiness, tracker)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	pool := workerpool.NewManager(cfg.Concurrency.Total, cfg.AdaptiveScaling)
	defer pool.Close()
	for _, q := range config.Queues() {
		pool.RegisterWorker(q, workerTypeConfig(cfg, q))
	}

	cl := classifier.New(cfg.Classifier, logger)
	notifier := notify.New(cfg.Notify, logger)

	analysisWorker := analyzer.NewWorker(store, broker, cl, cfg.Analysis, audit, logger)
	defer analysisWorker.Stop()
	publisher := outbox.NewPublisher(store, broker, cfg.Batching, audit, logger)
	resolver := resolution.NewResolver(store, broker, logger)
	validator := reconcile.NewValidator(store, broker, logger)
	coordinator := triangulation.NewCoordinator(store, cl, notifier, cfg.Thresholds, cfg.Triangulation, logger)
	validationHandler := validation.NewHandler(store, broker, validator, coordinator, cfg.Thresholds, logger)
	reconciler := reconcile.NewReconciler(store, broker, cfg.Thresholds.ConsensusAccept, audit, logger)
	graphStore := graphingest.NewRedisGraphStore(rdb)
	ingester := graphingest.NewIngester(store, graphStore, logger)
	cleanupMgr := cleanup.NewManager(broker, cfg.Cleanup, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumers := buildConsumers(cfg, broker, pool, logger, analysisWorker, resolver, validationHandler, reconciler, ingester)

	var consumersWG sync.WaitGroup
	runConsumers := role == "all"
	for _, c := range consumers {
		if runConsumers || c.name == role {
			consumersWG.Add(1)
			go func(c namedConsumer) {
				defer consumersWG.Done()
				c.consumer.Run(ctx)
			}(c)
		}
	}
	if runConsumers || role == "outbox" {
		publisher.Start(ctx)
		defer publisher.Stop()
	}
	if runConsumers || role == "cleanup" {
		if err := cleanupMgr.Start(ctx); err != nil {
			logger.Error("cleanup manager start failed", obs.Err(err))
		}
		defer cleanupMgr.Stop()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	grace := cfg.Shutdown.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		// Consumer.Run goroutines return once ctx is canceled and their
		// in-flight jobs finish; returning from main afterwards runs the
		// role's dependencies' deferred Close/Stop calls.
		consumersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(exitShutdownTimeout)
	case <-time.After(grace):
		logger.Warn("graceful shutdown grace period exceeded")
		os.Exit(exitShutdownTimeout)
	}
}

func workerTypeConfig(cfg *config.Config, queueName string) workerpool.WorkerTypeConfig {
	max := cfg.Concurrency.Stages[queueName]
	if max <= 0 {
		max = cfg.Concurrency.MinPerStage
	}
	if max <= 0 {
		max = 1
	}
	return workerpool.WorkerTypeConfig{
		MaxConcurrency:   max,
		MinConcurrency:   cfg.Concurrency.MinPerStage,
		RateLimitReqs:    cfg.RateLimit.Requests,
		RateLimitWindow:  cfg.RateLimit.Window,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
	}
}

// namedConsumer pairs a role name (used for -role selection) with the
// internal/worker.Consumer it backs.
type namedConsumer struct {
	name     string
	consumer *worker.Consumer
}

func buildConsumers(cfg *config.Config, broker queue.Broker, pool *workerpool.Manager, logger *zap.Logger,
	analysisWorker *analyzer.Worker, resolver *resolution.Resolver, validationHandler *validation.Handler,
	reconciler *reconcile.Reconciler, ingester *graphingest.Ingester) []namedConsumer {
	concurrency := func(q string) int {
		n := cfg.Concurrency.Stages[q]
		if n <= 0 {
			n = cfg.Concurrency.MinPerStage
		}
		if n <= 0 {
			n = 1
		}
		return n
	}
	return []namedConsumer{
		{config.QueueFileAnalysis, worker.NewConsumer(config.QueueFileAnalysis, config.QueueFileAnalysis, concurrency(config.QueueFileAnalysis), broker, pool, logger, handleFileAnalysis(analysisWorker))},
		{config.QueueDirectoryAggregation, worker.NewConsumer(config.QueueDirectoryAggregation, config.QueueDirectoryAggregation, concurrency(config.QueueDirectoryAggregation), broker, pool, logger, resolver.HandleAggregation)},
		{config.QueueDirectoryResolution, worker.NewConsumer(config.QueueDirectoryResolution, config.QueueDirectoryResolution, concurrency(config.QueueDirectoryResolution), broker, pool, logger, resolver.HandleDirectoryResolution)},
		{config.QueueRelationshipResolution, worker.NewConsumer(config.QueueRelationshipResolution, config.QueueRelationshipResolution, concurrency(config.QueueRelationshipResolution), broker, pool, logger, resolver.HandleRelationshipResolution)},
		{config.QueueValidation, worker.NewConsumer(config.QueueValidation, config.QueueValidation, concurrency(config.QueueValidation), broker, pool, logger, validationHandler.Handle)},
		{config.QueueTriangulatedAnalysis, worker.NewConsumer(config.QueueTriangulatedAnalysis, config.QueueTriangulatedAnalysis, concurrency(config.QueueTriangulatedAnalysis), broker, pool, logger, validationHandler.HandleTriangulated)},
		{config.QueueGlobalResolution, worker.NewConsumer(config.QueueGlobalResolution, config.QueueGlobalResolution, concurrency(config.QueueGlobalResolution), broker, pool, logger, resolver.HandleGlobalResolution)},
		{config.QueueReconciliation, worker.NewConsumer(config.QueueReconciliation, config.QueueReconciliation, concurrency(config.QueueReconciliation), broker, pool, logger, reconciler.HandleReconciliation)},
		{config.QueueGraphIngestion, worker.NewConsumer(config.QueueGraphIngestion, config.QueueGraphIngestion, concurrency(config.QueueGraphIngestion), broker, pool, logger, ingester.HandleIngestion)},
	}
}

// handleFileAnalysis adapts analyzer.Worker.HandleFile, which takes a
// decoded analyzer.FileJob rather than a raw queue.Job, to
// internal/worker.Handler's signature.
func handleFileAnalysis(w *analyzer.Worker) worker.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var fj analyzer.FileJob
		if err := json.Unmarshal(job.Payload, &fj); err != nil {
			return err
		}
		fj.JobID = job.ID
		return w.HandleFile(ctx, fj)
	}
}

func runAdmin(ctx context.Context, broker queue.Broker, cfg *config.Config, logger *zap.Logger, cmd, queueName string, n int, jobID string, yes bool) int {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, broker)
		if err != nil {
			logger.Error("admin stats error", obs.Err(err))
			return exitFatalDependency
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		if queueName == "" {
			fmt.Fprintln(os.Stderr, "admin peek requires --queue")
			return exitValidationFailed
		}
		res, err := admin.Peek(ctx, broker, queueName, n)
		if err != nil {
			logger.Error("admin peek error", obs.Err(err))
			return exitFatalDependency
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-dlq":
		if queueName == "" {
			fmt.Fprintln(os.Stderr, "admin purge-dlq requires --queue")
			return exitValidationFailed
		}
		if !yes {
			fmt.Fprintln(os.Stderr, "refusing to purge without --yes")
			return exitValidationFailed
		}
		removed, err := admin.PurgeDLQ(ctx, broker, queueName, cfg.Cleanup)
		if err != nil {
			logger.Error("admin purge-dlq error", obs.Err(err))
			return exitFatalDependency
		}
		fmt.Printf("purged %d dead-lettered jobs from %s\n", removed, queueName)
	case "requeue-dlq":
		if queueName == "" || jobID == "" {
			fmt.Fprintln(os.Stderr, "admin requeue-dlq requires --queue and --job-id")
			return exitValidationFailed
		}
		if err := admin.RequeueDeadLetter(ctx, broker, queueName, jobID); err != nil {
			logger.Error("admin requeue-dlq error", obs.Err(err))
			return exitFatalDependency
		}
		fmt.Println("requeued")
	case "drain":
		if queueName == "" {
			fmt.Fprintln(os.Stderr, "admin drain requires --queue")
			return exitValidationFailed
		}
		mgr := cleanup.NewManager(broker, cfg.Cleanup, logger)
		if err := admin.Drain(ctx, mgr, queueName, yes); err != nil {
			logger.Error("admin drain error", obs.Err(err))
			return exitFatalDependency
		}
		fmt.Println("drained")
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command %q\n", cmd)
		return exitValidationFailed
	}
	return exitOK
}
