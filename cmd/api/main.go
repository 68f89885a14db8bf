package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/callflow"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/config"
	"outbound-voice/internal/conversation"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/metrics"
	"outbound-voice/internal/reconcile"
	"outbound-voice/internal/reporting"
	"outbound-voice/internal/stt"
	"outbound-voice/internal/telephony"
	"outbound-voice/internal/tts"
	"outbound-voice/pkg/logger"
	"outbound-voice/pkg/utils"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer app.close()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, cfg, app)

	if err := app.reconciler.Start(rootCtx); err != nil {
		log.Error("reconciler start failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "webhook_url", cfg.WebhookURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	app.reconciler.Stop(shutdownCtx)
	app.orchestrator.Close()
}

// app holds the wired components the routes and shutdown need.
type app struct {
	auth         *auth.Manager
	store        calls.Store
	orchestrator *callflow.Orchestrator
	recognition  *stt.Manager
	reporting    *reporting.Service
	audit        *audit.Service
	reconciler   *reconcile.Reconciler
	verifier     *telephony.SignatureVerifier
	metrics      *metrics.Metrics

	// ready reports the first dependency that fails its ping.
	ready func(ctx context.Context) error

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	var err error
	if a.auth, err = auth.NewManager(cfg.Auth); err != nil {
		return nil, err
	}

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := calls.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)

	a.ready = func(ctx context.Context) error {
		if err := utils.PingPostgres(ctx, db, 2*time.Second); err != nil {
			return err
		}
		return utils.PingRedis(ctx, rdb, 2*time.Second)
	}

	tel, err := telephony.NewTelnyxClient(telephony.TelnyxOptions{
		APIKey:       cfg.Telnyx.APIKey,
		ConnectionID: cfg.Telnyx.ConnectionID,
		FromNumber:   cfg.Telnyx.FromNumber,
		BaseURL:      cfg.Telnyx.BaseURL,
		Timeout:      cfg.Timing.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}
	if a.verifier, err = telephony.NewSignatureVerifier(cfg.Telnyx.PublicKey); err != nil {
		return nil, err
	}
	if a.verifier == nil {
		log.Warn("webhook signature verification disabled")
	}

	a.store = calls.NewPostgresRepo(db)
	a.audit = audit.NewService(audit.NewPostgresRepo(db))
	machine := calls.NewMachine(a.store, log).WithObserver(func(from, to calls.CallStatus, ev calls.Event) {
		a.metrics.Transition(string(from), string(to))
	})

	// Optional providers stay nil interfaces when unconfigured so the managers go
	// straight to their fallbacks.
	var primarySTT stt.Provider
	if cfg.Deepgram.APIKey != "" {
		primarySTT = stt.NewDeepgram(stt.DeepgramOptions{APIKey: cfg.Deepgram.APIKey, Model: cfg.Deepgram.Model, Log: log})
	}
	a.recognition = stt.NewManager(stt.ManagerOptions{
		Primary:   primarySTT,
		Fallback:  stt.NewNative(tel, cfg.Timing.ProviderTimeout),
		Forwarder: tel,
		StreamURL: cfg.StreamURL(),
		Timeout:   cfg.Timing.ProviderTimeout,
		Log:       log,
		Metrics:   a.metrics,
	})

	var primaryTTS tts.Synthesizer
	if cfg.ElevenLabs.APIKey != "" {
		primaryTTS = tts.NewElevenLabs(tts.ElevenLabsOptions{
			APIKey:  cfg.ElevenLabs.APIKey,
			VoiceID: cfg.ElevenLabs.VoiceID,
			ModelID: cfg.ElevenLabs.ModelID,
		})
	}
	speech := tts.NewPipeline(tts.PipelineOptions{Primary: primaryTTS, Player: tel, Log: log, Metrics: a.metrics})

	var model llm.Client
	if cfg.OpenAI.APIKey != "" {
		model = llm.NewOpenAI(llm.OpenAIOptions{APIKey: cfg.OpenAI.APIKey, Model: cfg.OpenAI.Model, Log: log, Metrics: a.metrics})
	}
	convo := conversation.NewCoordinator(conversation.Options{
		LLM:       model,
		AgentName: cfg.Agent.Name,
		Company:   cfg.Agent.Company,
		MaxTurns:  cfg.Timing.MaxTurns,
		Log:       log,
		Metrics:   a.metrics,
	})

	a.orchestrator = callflow.New(callflow.Options{
		Machine:      machine,
		Telephony:    tel,
		Recognition:  a.recognition,
		Speech:       speech,
		Conversation: convo,
		Audit:        a.audit,
		Dedupe:       callflow.NewRedisDeduper(rdb, 0),
		Limiter:      callflow.NewRedisLimiter(rdb, cfg.Timing.MaxCallsPerUser, cfg.Timing.MaxCallDuration+5*time.Minute),
		FromNumber:   cfg.Telnyx.FromNumber,
		WebhookURL:   cfg.WebhookURL(),
		Timing:       cfg.Timing,
		Metrics:      a.metrics,
		Log:          log,
	})

	a.reporting = reporting.NewService(a.store)
	a.reconciler = reconcile.New(reconcile.Options{
		Machine:    machine,
		Terminator: a.orchestrator,
		Liveness:   tel,
		Summarizer: convo,
		Timing:     cfg.Timing,
		Metrics:    a.metrics,
		Log:        log,
	})
	return a, nil
}
