package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/cue"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/observability"
	"github.com/qingchang/escape-engine/internal/opsapi"
	"github.com/qingchang/escape-engine/internal/phase"
	"github.com/qingchang/escape-engine/internal/queue"
	"github.com/qingchang/escape-engine/internal/scheduler"
	"github.com/qingchang/escape-engine/internal/sequence"
	"github.com/qingchang/escape-engine/internal/zone"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found")
	}

	iniPath := flag.String("config", "", "path to an INI game configuration (requires the external loader)")
	ednPath := flag.String("edn", "", "path to an EDN game configuration (requires the external loader)")
	jsonMode := flag.Bool("json", false, "treat --config as pre-flattened JSON")
	flag.Parse()

	cfg := config.Load()
	logger, err := observability.SetupLogger()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	gameCfgPath := cfg.ConfigPath
	switch {
	case *ednPath != "":
		logger.Fatal("EDN configurations must be pre-flattened by the loader; pass the flattened JSON via --config --json", zap.String("path", *ednPath))
	case *iniPath != "" && !*jsonMode:
		logger.Fatal("INI configurations must be pre-flattened by the loader; pass the flattened JSON via --config --json", zap.String("path", *iniPath))
	case *iniPath != "":
		gameCfgPath = *iniPath
	}

	gameCfg, err := loadGameConfig(gameCfgPath)
	if err != nil {
		logger.Fatal("cannot load game configuration", zap.String("path", gameCfgPath), zap.Error(err))
	}
	if gameCfg.GameTopic == "" {
		gameCfg.GameTopic = cfg.GameTopic
	}
	if len(gameCfg.Modes) == 0 {
		logger.Fatal("game configuration defines no modes", zap.String("path", gameCfgPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.SetupTracerProvider(ctx, "escape-engine", cfg.TraceStdout, logger)
	if err != nil {
		logger.Fatal("cannot init tracer", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))

	busClient := bus.New(bus.Config{
		BrokerURL: cfg.MQTTBroker,
		ClientID:  cfg.MQTTClientID,
		Logger:    logger,
	})
	if err := busClient.Connect(); err != nil {
		// Auto-reconnect keeps dialing; the engine starts regardless.
		logger.Warn("initial bus connect failed, retrying in background", zap.Error(err))
	}

	var taskQueue *queue.Queue
	if cfg.AMQPURL != "" {
		slogLogger := observability.ZapToSlog(logger)
		taskQueue, err = queue.New(queue.Config{
			URL:        cfg.AMQPURL,
			QueueName:  cfg.QueueName,
			Prefetch:   10,
			MaxRetries: cfg.QueueMaxRetry,
			Logger:     slogLogger,
		})
		if err != nil {
			logger.Warn("cannot connect to task queue, cues will run on in-process goroutines", zap.Error(err))
			taskQueue = nil
		} else {
			logger.Info("task queue connected", zap.String("queue", cfg.QueueName))
			defer taskQueue.Close()
		}
	}

	// The engine is constructed after its collaborators but is the sink
	// and resolver for all of them; ref breaks the construction cycle.
	ref := &engineRef{}

	registry, err := zone.NewRegistry(gameCfg.Zones, zone.Options{
		GameTopic:   gameCfg.GameTopic,
		Logger:      logger,
		Bus:         busClient,
		Provider:    ref.provideTime,
		DefaultFade: cfg.DefaultFadeMs,
		MirrorUI:    cfg.ClockMirrorUI,
	})
	if err != nil {
		logger.Fatal("cannot construct zone registry", zap.Error(err))
	}
	defer registry.Cleanup()

	cues := cue.New(registry, busClient, taskQueue, metrics, ref, logger)
	seqs := sequence.New(registry, busClient, cues, ref, ref, metrics, logger)
	hints := hint.New(registry, seqs, ref, metrics, logger)
	defer hints.Close()
	seqs.SetHints(hints)

	engine := phase.New(gameCfg, busClient, registry, cues, seqs, hints, metrics, logger)
	ref.set(engine)

	heartbeatInterval := cfg.HeartbeatInterval()
	if gameCfg.HeartbeatMs > 0 {
		ms := gameCfg.HeartbeatMs
		if ms < 50 {
			ms = 50
		}
		heartbeatInterval = time.Duration(ms) * time.Millisecond
	}

	tick, heartbeat := engine.SchedulerCallbacks(ctx)
	sched := scheduler.New(tick, heartbeat, heartbeatInterval, metrics, logger)
	engine.AttachScheduler(sched)

	go engine.Run(ctx)
	sched.StartHeartbeat()
	defer sched.StopHeartbeat()

	if taskQueue != nil {
		cues.RegisterWorker(taskQueue)
		if err := taskQueue.Start(ctx); err != nil {
			logger.Error("cannot start task queue consumer", zap.Error(err))
		}
		go drainTaskResults(ctx, taskQueue, engine, logger)
	}

	if err := engine.ListenCommands(ctx); err != nil {
		logger.Fatal("cannot subscribe to command topics", zap.Error(err))
	}
	engine.AnnounceStartup()

	checks := map[string]opsapi.HealthCheck{}
	if taskQueue != nil {
		checks["queue"] = taskQueue.HealthCheck
	}
	ops := opsapi.New(logger, checks)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: ops.Router}
	go func() {
		logger.Info("starting ops server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	sched.StopTicking()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	busClient.Disconnect()
}

// loadGameConfig reads the pre-flattened JSON the external loader
// produces into the typed configuration surface.
func loadGameConfig(path string) (config.GameConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.GameConfig{}, err
	}
	var gameCfg config.GameConfig
	if err := json.Unmarshal(raw, &gameCfg); err != nil {
		return config.GameConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return gameCfg, nil
}

// drainTaskResults logs failed cue tasks and bridges them to the
// warnings topic; successful results are discarded.
func drainTaskResults(ctx context.Context, q *queue.Queue, engine *phase.Engine, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-q.Results():
			if !ok {
				return
			}
			if !result.Success {
				logger.Warn("cue task failed",
					zap.String("task_id", result.TaskID),
					zap.String("command", result.Command),
					zap.Strings("zones", result.Zones),
					zap.String("error", result.Error))
				engine.EmitWarning("cue_task_failed", result.Error, map[string]any{
					"task_id": result.TaskID,
					"command": result.Command,
					"zones":   result.Zones,
				})
			}
		}
	}
}

// engineRef defers the engine reference for collaborators constructed
// before it: event/warning emission, config/mode resolution, and the
// clock adapter's time provider all delegate to the live engine once
// set returns.
type engineRef struct {
	engine *phase.Engine
}

func (r *engineRef) set(e *phase.Engine) { r.engine = e }

func (r *engineRef) EmitEvent(event string, data map[string]any) {
	if r.engine != nil {
		r.engine.EmitEvent(event, data)
	}
}

func (r *engineRef) EmitWarning(warning, message string, extra map[string]any) {
	if r.engine != nil {
		r.engine.EmitWarning(warning, message, extra)
	}
}

func (r *engineRef) GameConfig() config.GameConfig {
	if r.engine != nil {
		return r.engine.GameConfig()
	}
	return config.GameConfig{}
}

func (r *engineRef) Mode() config.Mode {
	if r.engine != nil {
		return r.engine.Mode()
	}
	return config.Mode{}
}

func (r *engineRef) provideTime() (string, int) {
	if r.engine == nil {
		return "", 0
	}
	s := r.engine.Snapshot()
	remaining := s.Remaining
	if s.Phase == phase.PhaseSolved || s.Phase == phase.PhaseFailed {
		remaining = s.ResetRemaining
	}
	return string(s.Phase), remaining
}
