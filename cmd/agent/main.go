// Package main — cmd/agent/main.go
//
// Agent runtime core entrypoint.
//
// Startup sequence:
//  1. Load .env (if present) via godotenv.
//  2. Load and validate config from ./config.yaml (or -config).
//  3. Initialise structured logger (zap, JSON format).
//  4. Open BoltDB storage (plugin storage + recipient registry).
//  5. Build core-loop subsystems: queue, filter pipeline, neuron registry,
//     aggregation layer, ack registry, stress monitor, scheduler service,
//     plugin loader, cognition dispatcher.
//  6. Start Prometheus metrics server (127.0.0.1:9091).
//  7. Start the operator HTTP API (127.0.0.1:9092).
//  8. Watch the config file (fsnotify) and log each validated reload; new
//     values are not applied until restart.
//  9. Run the core loop on its own goroutine.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to loop, metrics, operator API).
//  2. Wait up to a drain timer for the loop to finish its in-flight tick.
//  3. Close BoltDB handles (flushing any pending recipient snapshot).
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure at startup: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bolt "go.etcd.io/bbolt"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/aggregation"
	"github.com/shady2k/lifemodel-sub006/internal/changedetect"
	"github.com/shady2k/lifemodel-sub006/internal/cognition"
	"github.com/shady2k/lifemodel-sub006/internal/config"
	"github.com/shady2k/lifemodel-sub006/internal/core"
	"github.com/shady2k/lifemodel-sub006/internal/filter"
	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/neuron"
	"github.com/shady2k/lifemodel-sub006/internal/observability"
	"github.com/shady2k/lifemodel-sub006/internal/operatorapi"
	"github.com/shady2k/lifemodel-sub006/internal/pluginloader"
	"github.com/shady2k/lifemodel-sub006/internal/pluginregistry"
	"github.com/shady2k/lifemodel-sub006/internal/queue"
	"github.com/shady2k/lifemodel-sub006/internal/recipient"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
	"github.com/shady2k/lifemodel-sub006/internal/signalbus"
	"github.com/shady2k/lifemodel-sub006/internal/stress"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "./config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load .env ─────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "WARN: .env load failed: %v\n", err)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("agent_id", cfg.AgentID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open BoltDB ───────────────────────────────────────────────────
	db, err := bolt.Open(cfg.Storage.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	recipients, err := recipient.OpenPersistent(cfg.Storage.DBPath+".recipients", recipient.DefaultDebounce, log)
	if err != nil {
		log.Fatal("recipient registry open failed", zap.Error(err))
	}
	defer recipients.Close() //nolint:errcheck
	if cfg.Recipient.PrimaryRecipientID != "" {
		log.Info("recipient registry ready", zap.String("primary", cfg.Recipient.PrimaryRecipientID))
	}

	// ── Step 5: Build core-loop subsystems ────────────────────────────────────
	tp, err := observability.NewTracerProvider(cfg.AgentID)
	if err != nil {
		log.Fatal("tracer provider init failed", zap.Error(err))
	}
	defer func() {
		if err := observability.ShutdownTracerProvider(tp); err != nil {
			log.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	bus := signalbus.New(log)

	q := queue.New()
	pipeline := filter.New()
	neurons := neuron.NewRegistry(log)

	// The alertness neuron is required (spec §4.5): it supplies the
	// alertness value every other neuron's change-detection threshold
	// scales against. Its absence is a fatal startup error, validated the
	// same way as config below.
	neurons.Register(neuron.NewSimple(neuron.Config{
		ID:         neuron.RequiredNeuronID,
		SignalType: "alertness",
		Source:     "internal",
		StateKey:   "alertness",
		Change: changedetect.Params{
			BaseThreshold:      0.1,
			AlertnessInfluence: 0.5,
			MaxThreshold:       1,
		},
	}))
	neurons.ApplyPendingChanges()
	if err := neurons.ValidateRequiredNeurons(); err != nil {
		log.Fatal("required neuron validation failed", zap.Error(err))
	}

	acks := ack.New()
	agg := aggregation.New(aggregation.Thresholds{
		ContactPressure:         cfg.Wake.ContactPressure,
		SocialDebt:              cfg.Wake.SocialDebt,
		PatternBreakSensitivity: cfg.Wake.PatternBreakSensitivity,
		LowEnergyMultiplier:     cfg.Wake.LowEnergyMultiplier,
		LowEnergyThreshold:      cfg.Wake.LowEnergyThreshold,
	}, acks)

	stressMon := stress.New(stress.Config{
		Lag: stress.LagThresholds{
			Elevated: cfg.Stress.LagElevatedMs,
			High:     cfg.Stress.LagHighMs,
			Critical: cfg.Stress.LagCriticalMs,
		},
		CPU: stress.CPUThresholds{
			Elevated: cfg.Stress.CPUElevatedPct,
			High:     cfg.Stress.CPUHighPct,
			Critical: cfg.Stress.CPUCriticalPct,
		},
		RecoveryDelay:  cfg.Stress.RecoveryDelay,
		LagSampleEvery: cfg.Timing.LagSampleEvery,
		CPUSampleEvery: cfg.Timing.CPUSampleEvery,
	})

	sched := schedulersvc.New(log, cfg.Scheduler.MaxFiresPerTick)

	pluginRegistry := pluginregistry.New()
	loader := pluginloader.New(db, sched, pluginRegistry, log, func(s model.Signal) { bus.Publish(s) })

	// cognition.New's Collaborator is left as a no-op stub: the actual
	// LLM-backed tool loop is an external collaborator (contract-only
	// boundary), wired in by replacing noopCollaborator with a real
	// implementation once one exists.
	cog := cognition.New(cognition.Config{
		Collaborator:      noopCollaborator{},
		DefaultModelTier:  cfg.Cognition.DefaultModelTier,
		SmartModelTier:    cfg.Cognition.SmartModelTier,
		MaxToolIterations: cfg.Cognition.MaxToolIterations,
		Log:               log,
	})

	state := model.AgentState{}
	loop := core.New(q, pipeline, neurons, agg, acks, stressMon, sched, cog, state, log)
	loop.EnableSmartRetry = cfg.Cognition.EnableSmartRetry

	// ── Step 6: Prometheus metrics ────────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Operator HTTP API ──────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opAPI := operatorapi.New(loopStatusAdapter{loop: loop, plugins: loader}, loader, recipients.Registry, acks, log)
		go func() {
			if err := opAPI.ListenAndServe(ctx, cfg.Operator.Addr); err != nil {
				log.Error("operator API error", zap.Error(err))
			}
		}()
		log.Info("operator API started", zap.String("addr", cfg.Operator.Addr))
	}

	// ── Step 8: config file watch ──────────────────────────────────────────────
	watcher, err := config.WatchFile(*configPath,
		func(newCfg *config.Config) {
			log.Info("config hot-reload successful",
				zap.Int("new_max_fires_per_tick", newCfg.Scheduler.MaxFiresPerTick))
			sched.ApplyPendingChanges()
		},
		func(err error) {
			log.Error("config hot-reload failed — retaining old config", zap.Error(err))
		},
	)
	if err != nil {
		log.Warn("config file watch unavailable", zap.Error(err))
	} else {
		defer watcher.Close() //nolint:errcheck
	}

	// ── Step 9: Run the core loop ──────────────────────────────────────────────
	sampleLag, sampleCPU := newSamplers(cfg.Timing.TickInterval)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx, cfg.Timing.TickInterval, sampleLag, sampleCPU, func(s model.Signal) {
			metrics.SignalsEmittedTotal.WithLabelValues(s.Type).Inc()
			bus.Publish(s)
		})
	}()
	log.Info("core loop started", zap.Duration("tick_interval", cfg.Timing.TickInterval))

	// ── Step 10: Wait for shutdown signal ───────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-loopDone:
		log.Info("core loop drained")
	}

	log.Info("agent shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// noopCollaborator always defers, never calling out to an LLM. It keeps
// the binary runnable (and its metrics/operator surfaces exercisable)
// before a real collaborator is wired in.
type noopCollaborator struct{}

func (noopCollaborator) NextStep(ctx context.Context, cogCtx cognition.Context, modelTier string, history []cognition.ToolResult) (cognition.Step, error) {
	return cognition.Step{Final: &cognition.FinalPayload{Type: cognition.FinalDefer}}, nil
}

// loopStatusAdapter exposes core.Loop's tick counter, last result, queue
// depth, and the loader's plugin count as an operatorapi.StatusProvider
// without core importing operatorapi (which would create an import cycle
// through pluginloader/recipient).
type loopStatusAdapter struct {
	loop    *core.Loop
	plugins *pluginloader.Loader
}

func (a loopStatusAdapter) Status() operatorapi.StatusSnapshot {
	last := a.loop.LastResult()
	return operatorapi.StatusSnapshot{
		TickCount:      a.loop.TickCount(),
		StressLevel:    last.StressLevel,
		TierMask:       model.TierMaskFor(last.StressLevel),
		QueueSizes:     a.loop.Queue.SizeByPriority(),
		PluginCount:    len(a.plugins.HealthCheck()),
		LastWake:       last.Wake,
		LastWakeReason: string(last.WakeReason),
	}
}
