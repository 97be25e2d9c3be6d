package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eduspace/api/internal/app"
	"eduspace/api/internal/blob"
	"eduspace/api/internal/collab"
	"eduspace/api/internal/config"
	"eduspace/api/internal/email"
	"eduspace/api/internal/filerepo"
	"eduspace/api/internal/search"
	"eduspace/api/internal/session"
	"eduspace/api/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func serve(parent context.Context, cfg config.Config) error {
	log := newLogger(cfg)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.WithField("applied", applied).Info("migrations applied")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	files := filerepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := collab.NewMetrics(reg)

	hub := collab.NewHub(collab.NewRegistry(), log, metrics)
	wsHandler := collab.NewHandler(hub, collab.Config{
		WriteTimeout:      cfg.Collab.WriteTimeout,
		IdleTimeout:       cfg.Collab.IdleTimeout,
		PingInterval:      cfg.Collab.PingInterval,
		MaxDecodeFailures: cfg.Collab.MaxDecodeFailures,
		FrameRate:         cfg.Collab.FrameRate,
		FrameBurst:        cfg.Collab.FrameBurst,
		MaxMessageBytes:   cfg.Collab.MaxMessageBytes,
		CheckOrigin:       originChecker(cfg.CORSOrigin),
	}, log, metrics)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using redis for refresh tokens and presence")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		// No session of this process survives a restart.
		if err := redisStore.ResetPresence(ctx); err != nil {
			log.WithError(err).Warn("reset presence failed")
		}
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, files, hub, log)
		service.SetPresence(redisStore)
		wsHandler.SetPresence(redisStore)
	} else {
		log.Info("using postgres for refresh tokens")
		service = app.New(cfg, dataStore, files, hub, log)
	}
	service.SetSearch(searchService)

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		blobs, err := blob.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			log.WithError(err).Warn("note uploads disabled")
		} else {
			service.SetBlobs(blobs)
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: "Eduspace",
	})
	if mailer.IsConfigured() {
		service.SetNotifier(mailer)
	} else {
		log.Info("smtp not configured, membership emails disabled")
	}

	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin, log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("eduspace api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		searchService.ReindexAllFromPG(gctx, pgfts)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Collab.ShutdownGrace)
		defer cancel()
		if err := wsHandler.Shutdown(graceCtx); err != nil {
			log.WithError(err).Warn("collaboration sessions did not drain in time")
		}

		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// originChecker allows websocket upgrades from the configured CORS origin.
// "*" allows any origin.
func originChecker(corsOrigin string) func(*http.Request) bool {
	corsOrigin = strings.TrimSpace(corsOrigin)
	if corsOrigin == "" || corsOrigin == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.EqualFold(origin, corsOrigin)
	}
}
