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

	"callrelay/internal/auth"
	"callrelay/internal/config"
	"callrelay/internal/history"
	"callrelay/internal/httpapi"
	"callrelay/internal/presence"
	"callrelay/internal/signaling"
	"callrelay/internal/transport"
	"callrelay/pkg/logger"
	"callrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
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

	checks := map[string]httpapi.HealthCheck{}

	var (
		repo    history.Repository
		threads history.ThreadDirectory
	)
	if cfg.HasDatabase() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.DB)
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := history.NewPostgresRepo(db)
		repo, threads = pg, pg
		checks["postgres"] = func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) }
	} else {
		mem := history.NewMemoryRepo()
		repo, threads = mem, mem
		log.Warn("no database configured, call history is kept in memory")
	}
	historySvc := history.NewService(repo, threads, log.With("component", "history"))

	var claims signaling.Claims
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, cfg.Redis)
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		claims = signaling.NewRedisClaims(rdb, cfg.Signaling.DedupTTL)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		claims = signaling.NewMemoryClaims(cfg.Signaling.DedupTTL, nil)
	}

	identity := auth.TrustPresentedIdentity()
	var tokens httpapi.TokenIssuer
	if cfg.HasAuth() {
		authManager, err := auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
		identity = auth.RequireConnectToken(authManager)
		tokens = authManager
	} else {
		log.Warn("JWT_SECRET not set, trusting presented identity")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := presence.NewRegistry(log.With("component", "presence"))
	opts := signaling.OptionsFromConfig(cfg.Signaling)
	opts.Registry = registry
	opts.History = historySvc
	opts.Claims = claims
	opts.Metrics = signaling.NewMetrics(promReg)
	opts.Log = log.With("component", "signaling")
	coord, err := signaling.New(opts)
	if err != nil {
		log.Error("coordinator init failed", "err", err)
		os.Exit(1)
	}

	sweeper, err := signaling.NewSweeper(coord, cfg.Signaling.SweepInterval, cfg.Signaling.PresenceHeartbeat, log.With("component", "sweeper"))
	if err != nil {
		log.Error("sweeper init failed", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(rootCtx)

	iceServers := transport.ICEServers(cfg.ICE)
	wsServer := transport.NewServer(gctx, coord, transport.Options{
		ICEServers: iceServers,
		RateLimit:  cfg.Signaling.InboundRateLimit,
		Log:        log.With("component", "transport"),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))

	registerRoutes(r, routeDeps{
		identity:     identity,
		adminEnabled: cfg.HasAuth(),
		ws:           wsServer,
		metrics:      promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		handlers: httpapi.Handlers{
			History:    historySvc,
			Calls:      coord,
			Presence:   registry,
			ICEServers: iceServers,
			Checks:     checks,
			Tokens:     tokens,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		log.Info("relay listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		coord.Close()
		if werr := coord.Wait(shutdownCtx); werr != nil {
			log.Warn("history writes still pending at shutdown", "err", werr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("relay stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}
