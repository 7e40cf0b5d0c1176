package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ent0n29/taskmate/internal/actions"
	"github.com/ent0n29/taskmate/internal/agent"
	"github.com/ent0n29/taskmate/internal/approvals"
	"github.com/ent0n29/taskmate/internal/config"
	"github.com/ent0n29/taskmate/internal/coordinator"
	"github.com/ent0n29/taskmate/internal/httpapi"
	"github.com/ent0n29/taskmate/internal/memory"
	"github.com/ent0n29/taskmate/internal/observability"
	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/tasks"
	"github.com/ent0n29/taskmate/internal/threads"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *coordinator.Coordinator
	Threads     *threads.Registry
	Approvals   *approvals.Service
	Tasks       *tasks.Manager
	Patterns    *patterns.Tracker
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry

	// Cleanup should be called on shutdown to release external resources (DB, tracer, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	var tracer *observability.TracerProvider
	if cfg.TracingEnabled {
		tp, err := observability.NewTracerProvider("taskmate", os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
		tracer = tp
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("store init failed (%s): %w", cfg.StoreDriver, err)
	}

	agentService := newAgentService(cfg)
	logger.Info().Str("agent_mode", cfg.AgentMode).Str("store_driver", cfg.StoreDriver).Msg("building service")

	taskManager := tasks.NewManager(st.tasks)
	tracker := patterns.NewTracker(st.patterns, logger)
	executor := actions.NewExecutor(taskManager, tracker, logger)
	approvalService := approvals.NewService(st.approvals, executor, metrics, logger)
	registryThreads := threads.NewRegistry(st.threads, agentService, logger)
	contextBuilder := memory.NewContextBuilder(st.turns, tracker, cfg.MemoryContextTurns)

	coord := coordinator.New(coordinator.Deps{
		Agent:     agentService,
		Threads:   registryThreads,
		Memory:    contextBuilder,
		Actions:   executor,
		Approvals: approvalService,
		Metrics:   metrics,
		Logger:    logger,
	}, coordinator.Options{
		AgentID:         cfg.AgentID,
		PollBaseDelay:   cfg.RunPollBaseDelay,
		PollMaxAttempts: cfg.RunPollMaxAttempts,
		BusyRetries:     cfg.RunBusyRetries,
		MaxToolRounds:   cfg.RunMaxToolRounds,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Messenger: coord,
		Approvals: approvalService,
		Tasks:     taskManager,
		Patterns:  tracker,
		Metrics:   metrics,
		Gatherer:  registry,
		Ready:     st.ping,
		Logger:    logger,
	})

	cleanup := func() error {
		var errs []string
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := st.close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coord,
		Threads:     registryThreads,
		Approvals:   approvalService,
		Tasks:       taskManager,
		Patterns:    tracker,
		Metrics:     metrics,
		Registry:    registry,
		Cleanup:     cleanup,
	}, nil
}

func newAgentService(cfg config.Config) agent.Service {
	if cfg.AgentMode == config.AgentModeHTTP {
		return agent.NewHTTPClient(cfg.AgentBaseURL, cfg.AgentAPIKey, cfg.AgentRequestTimeout)
	}
	return agent.NewMockService()
}
