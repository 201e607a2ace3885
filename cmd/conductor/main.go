package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfnats "github.com/Strob0t/Conductor/internal/adapter/nats"
	cfotel "github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain/contract"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/domain/workflow"
	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	queue, err := cfnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Error("nats drain", "error", err)
		}
	}()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	tasks, closeCache, err := withCache(ctx, cfg, queue, st.tasks)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	breaker := resilience.NewBreaker("dispatch", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, cfg.Breaker.Interval)
	sink := cfnats.NewDispatcher(queue, breaker, cfg.NATS.DispatchPrefix, cfg.NATS.CancelPrefix)

	// --- Services ---
	es := service.NewEventStore(cfg.EventStore.SubscriberBuffer)
	es.SetMetrics(metrics)
	if st.journal != nil {
		es.SetJournal(st.journal)
		n, err := es.Load(ctx)
		if err != nil {
			return fmt.Errorf("load journal: %w", err)
		}
		slog.Info("message log restored", "messages", n)
	}

	registry := service.NewAgentRegistry(es)
	registry.SetMetrics(metrics)

	engine := service.NewWorkflowEngine(es, registry, tasks, sink)
	engine.SetMetrics(metrics)
	engine.SetDefaultPolicy(workflow.Policy{
		MaxReworkCycles: cfg.Workflow.MaxReworkCycles,
		EscalateAfter:   cfg.Workflow.EscalateAfter,
	})
	engine.SetReviewPolicies(reviewPolicies(cfg.Workflow.ReviewPolicies))

	if err := loadWorkflows(engine, cfg.Workflow.DefinitionsDir); err != nil {
		return err
	}
	restored, err := engine.RestoreExecutions(ctx)
	if err != nil {
		return fmt.Errorf("restore executions: %w", err)
	}
	slog.Info("workflow executions restored", "count", restored)

	contracts, err := contract.NewRegistry()
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	msgSvc := service.NewMessageService(es, registry, engine, tasks, sink, contracts)
	msgSvc.SetMetrics(metrics)

	sweeper, err := service.NewHeartbeatSweeper(registry, cfg.Registry.SweepSchedule, cfg.Registry.HeartbeatTimeout)
	if err != nil {
		return fmt.Errorf("heartbeat sweeper: %w", err)
	}

	relayTypes := make([]message.Type, 0, len(cfg.NATS.RelayTypes))
	for _, t := range cfg.NATS.RelayTypes {
		relayTypes = append(relayTypes, message.Type(t))
	}
	relay := service.NewRelay(es, queue, cfg.NATS.RelayPrefix, relayTypes)

	cancelInbound, err := queue.Subscribe(ctx, cfg.NATS.InboundSubject, msgSvc.HandleInbound)
	if err != nil {
		return fmt.Errorf("inbound subscriber: %w", err)
	}
	defer cancelInbound()

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	if len(relayTypes) > 0 {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if cfg.Workflow.Watch && cfg.Workflow.DefinitionsDir != "" {
		g.Go(func() error {
			if err := engine.WatchDefinitions(gctx, cfg.Workflow.DefinitionsDir); err != nil {
				// Hot-add is optional; the loaded definitions keep serving.
				slog.Warn("workflow watcher stopped", "error", err)
			}
			return nil
		})
	}

	srv := newHealthServer(cfg, healthDeps{
		queue:    queue,
		breaker:  breaker,
		registry: registry,
		engine:   engine,
		store:    es,
		driver:   cfg.Storage.Driver,
	})
	g.Go(func() error { return serve(gctx, srv, cfg.Server.ShutdownTimeout) })

	slog.Info("conductor started",
		"workflows", len(engine.Definitions()),
		"inbound", cfg.NATS.InboundSubject,
	)
	err = g.Wait()
	slog.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadWorkflows registers the definitions found in dir. A missing
// directory is not fatal; invalid files are.
func loadWorkflows(engine *service.WorkflowEngine, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		slog.Warn("workflow definitions directory not found", "dir", dir)
		return nil
	}
	n, err := engine.LoadDefinitions(dir)
	if err != nil {
		return fmt.Errorf("workflow definitions: %w", err)
	}
	slog.Info("workflow definitions loaded", "dir", dir, "count", n)
	return nil
}

func reviewPolicies(in map[string]config.ReviewPolicy) map[string]workflow.ReviewPolicy {
	out := make(map[string]workflow.ReviewPolicy, len(in))
	for name, p := range in {
		out[name] = workflow.ReviewPolicy{
			AutoApprove: p.AutoApprove,
			Conditions: workflow.ReviewConditions{
				CostUnder:    p.Conditions.CostUnder,
				RuntimeUnder: p.Conditions.RuntimeUnder,
			},
		}
	}
	return out
}
