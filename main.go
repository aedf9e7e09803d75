// Command driftwatch runs the autonomous narrative-analysis daemon: it
// monitors market, social, and news sources, folds observations into a
// time-aware knowledge graph, detects narrative patterns, matches them
// against historical causal chains, and queues commentary for publication.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/narrativelabs/driftwatch/causal"
	"github.com/narrativelabs/driftwatch/checkpoint"
	"github.com/narrativelabs/driftwatch/collect"
	"github.com/narrativelabs/driftwatch/config"
	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/emit"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/llm"
	"github.com/narrativelabs/driftwatch/llm/anthropic"
	"github.com/narrativelabs/driftwatch/llm/google"
	"github.com/narrativelabs/driftwatch/llm/openai"
	"github.com/narrativelabs/driftwatch/memory"
	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
	"github.com/narrativelabs/driftwatch/store"
	"github.com/narrativelabs/driftwatch/workflow"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable initialization failure,
// 2 repeated critical errors or a corrupted persistence tier.
const (
	exitOK       = 0
	exitInitFail = 1
	exitCritical = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return exitInitFail
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return exitInitFail
	}
	log.Info("starting driftwatch", zap.Any("config", cfg.Redact()))

	backing, err := openStore(cfg)
	if err != nil {
		log.Error("store init failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
		return exitInitFail
	}
	defer func() { _ = backing.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := workflow.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	client, embedder := buildLLM(ctx, cfg, log)

	gate := rategate.NewGate(cfg.RateLimitMinInterval)
	retry := rategate.NewRetryHandler(rategate.ExponentialBackoff{
		Base: 2 * time.Second,
		Max:  time.Minute,
	}, 3, nil)

	detectCfg := detect.Config{
		Timeframe:          cfg.PatternTimeframe,
		MinConfidence:      cfg.PatternMinConfidence,
		EmotionalMinChange: cfg.EmotionalMinChange,
	}

	// Wire clients for the quote, social, search, and transcript APIs
	// live out of tree; the scripted sources keep the daemon runnable end
	// to end until they are injected.
	platform := &sources.MockSocialPlatform{}
	collectors := []collect.Collector{
		collect.NewMarketCollector(&sources.MockQuoteSource{}, gate, cfg.Watchlist, cfg.MarketChangeThreshold, log),
		collect.NewSocialCollector(platform, gate, cfg.SocialQueries, cfg.WatchedAccounts, cfg.EngagementThreshold, log),
		collect.NewNewsCollector(&sources.MockWebSearch{}, gate, cfg.SocialQueries, log),
	}
	if len(cfg.VideoWatchlist) > 0 {
		var tasks collect.TaskManager
		if client != nil {
			tasks = collect.NewLLMTaskManager(client)
		}
		transcripts := collect.NewTranscriptCollector(&sources.MockTranscriptSource{}, tasks, detectCfg, log)
		collectors = append(collectors, collect.NewVideoFeed(transcripts, cfg.VideoWatchlist))
	}

	ckpt := checkpoint.New[*state.UnifiedState](backing, cfg.ThreadID)
	st, step, err := restoreOrNew(ctx, ckpt, cfg, log)
	if err != nil {
		log.Error("checkpoint restore failed", zap.Error(err))
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return exitCritical
		}
		return exitInitFail
	}

	deps := workflow.Deps{
		Collectors:   collectors,
		Memory:       memory.NewVectorMemoryStore(backing, embedder),
		Detectors:    detect.NewSuite(detectCfg),
		Analyzer:     causal.NewAnalyzer(causal.NewSeededLibrary(), client, log, causal.WithCacheTTL(cfg.CausalCacheTTL)),
		LLM:          client,
		Social:       platform,
		Gate:         gate,
		Retry:        retry,
		Checkpointer: ckpt,
		Metrics:      metrics,
		Log:          log,
		Config: workflow.StageConfig{
			ThreadThreshold: cfg.ThreadThreshold,
			BridgeThreshold: cfg.BridgeThreshold,
			CheckpointTTL:   cfg.CheckpointTTL,
			SelfUserID:      cfg.SelfUserID,
		},
	}

	opts := []workflow.EngineOption{
		workflow.WithCheckpointer(ckpt),
		workflow.WithMetrics(metrics),
		workflow.WithStartStep(step),
	}
	if cfg.LogLevel == "debug" {
		opts = append(opts, workflow.WithEmitter(emit.NewLogEmitter(os.Stderr, cfg.LogFormat == "json")))
	}
	engine := workflow.NewEngine(workflow.DefaultStages(deps), log, opts...)

	for {
		if err := engine.Run(ctx, st); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("shutdown complete", zap.Int("step", engine.Step()))
				return exitOK
			}
			log.Error("engine failed", zap.Error(err))
			return exitCritical
		}

		st = engine.State()
		if tol := cfg.CriticalErrorTolerance; tol > 0 && st.CriticalErrors() >= tol {
			log.Error("critical error tolerance exceeded",
				zap.Int("critical", st.CriticalErrors()),
				zap.Int("tolerance", tol))
			return exitCritical
		}

		// The session ended on a quiet assessment. Idle out the monitor
		// interval and start the next cycle on the same state.
		st.ResetCycle()
		st.CurrentStage = state.StageMonitor
		log.Debug("cycle idle", zap.Duration("interval", cfg.MonitorInterval))
		select {
		case <-ctx.Done():
			log.Info("shutdown complete", zap.Int("step", engine.Step()))
			return exitOK
		case <-time.After(cfg.MonitorInterval):
		}
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemStore(), nil
	case config.BackendFile:
		return store.OpenFileStore(cfg.StorePath)
	case config.BackendSQLite:
		return store.NewSQLiteStore(cfg.StorePath)
	case config.BackendMySQL:
		return store.NewMySQLStore(cfg.MySQLDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// buildLLM returns the narration client and the embedder. Both degrade to
// nil / static when no provider is configured: stages fall back to
// templates and recall scores go flat, but the daemon still runs.
func buildLLM(ctx context.Context, cfg *config.Config, log *zap.Logger) (llm.Client, memory.Embedder) {
	var embedder memory.Embedder = &memory.StaticEmbedder{}
	if cfg.OpenAIAPIKey != "" {
		embedder = openai.NewEmbedder(cfg.OpenAIAPIKey, "")
	}

	switch cfg.LLMProvider {
	case "anthropic":
		return anthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel), embedder
	case "openai":
		return openai.New(cfg.OpenAIAPIKey, cfg.LLMModel), embedder
	case "google":
		client, err := google.New(ctx, cfg.GeminiAPIKey, cfg.LLMModel)
		if err != nil {
			log.Warn("gemini client init failed, narration will use templates", zap.Error(err))
			return nil, embedder
		}
		return client, embedder
	default:
		return nil, embedder
	}
}

// restoreOrNew resumes the thread's latest checkpoint, or starts a fresh
// session when none exists. A restored state carries no graph, so it gets
// a new one; the graph rebuilds from the event stream as cycles run.
func restoreOrNew(ctx context.Context, ckpt *checkpoint.Checkpointer[*state.UnifiedState], cfg *config.Config, log *zap.Logger) (*state.UnifiedState, int, error) {
	st, step, err := ckpt.RestoreLatest(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			log.Info("no checkpoint found, starting fresh session", zap.String("threadId", cfg.ThreadID))
			return state.New(kgraph.New(), cfg.PostQueueCap), 0, nil
		}
		return nil, 0, err
	}
	st.Graph = kgraph.New()
	log.Info("resumed from checkpoint",
		zap.String("threadId", cfg.ThreadID),
		zap.Int("step", step),
		zap.String("stage", string(st.CurrentStage)),
		zap.Int("cycles", st.Evolution.CyclesCompleted))
	return st, step, nil
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("metrics endpoint up", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
