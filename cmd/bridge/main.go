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

	"dialbridge/internal/audit"
	"dialbridge/internal/auth"
	"dialbridge/internal/bridge"
	"dialbridge/internal/calls"
	"dialbridge/internal/config"
	"dialbridge/internal/httpapi"
	"dialbridge/internal/media"
	"dialbridge/internal/signaling"
	"dialbridge/internal/telephony"
	"dialbridge/pkg/logger"
	"dialbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
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

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	auditor := audit.NewService(audit.NewMemoryRepo())
	callStore := calls.NewStore(db)

	mediaMgr := media.NewManager(media.NewSilenceCapture(), media.NewDrainSink(log), log)

	orch := bridge.NewOrchestrator(bridge.Config{
		CallerNumber:       cfg.Telephony.CallerNumber,
		NotifyURL:          cfg.Telephony.NotifyBaseURL + "/webhooks/telephony/legs",
		AnswerTimeout:      cfg.Telephony.AnswerTimeout,
		BridgeRetryBackoff: cfg.Telephony.BridgeRetryBackoff,
	},
		&mediaAdapter{mgr: mediaMgr},
		func() bridge.SignalSession { return signaling.NewSession(cfg.Signaling, log) },
		telephony.NewClient(cfg.Telephony, log),
		log,
		bridge.WithGuard(&redisGuard{rdb: rdb}),
		bridge.WithAuditor(&bridgeAuditor{svc: auditor, log: log}),
		bridge.WithRecorder(&callRecorder{store: callStore, caller: cfg.Telephony.CallerNumber, log: log}),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Auth:    authManager,
		Bridge:  orch,
		Media:   mediaMgr,
		Auditor: auditor,
	}, orch, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("bridge listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up any in-flight call so the remote leg is not left running.
	if err := orch.Hangup(shutdownCtx); err != nil && !errors.Is(err, bridge.ErrNoActiveCall) {
		log.Warn("hangup on shutdown failed", "err", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
