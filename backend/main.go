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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/agouch/outdora/backend/chatlog"
	"github.com/agouch/outdora/backend/config"
	"github.com/agouch/outdora/backend/events"
	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/metrics"
)

// app holds what the handlers share.
type app struct {
	log      *logger.Logger
	store    profileStore
	rec      *matching.Reconciler
	chat     chatlog.Log
	hub      *events.Hub
	metrics  *metrics.Matching
	registry *prometheus.Registry
	auth     *authenticator
	feed     matching.FeedOptions
	origins  []string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{
		ServiceName: "outdora-backend",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Error(context.Background(), "shutdown cleanup failed", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(log.WithField(ctx, "port", cfg.App.Port), "starting outdora backend")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildApp connects every collaborator named by cfg.
func buildApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, func() error, error) {
	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{closeStore}
	cleanup := func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		return errs
	}

	var chat chatlog.Log = chatlog.NewMemory()
	if cfg.Redis.Enabled() {
		redisLog, raw, err := chatlog.NewRedis(ctx, chatlog.RedisOptions{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			MaxLen:   cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		closers = append(closers, raw.Close)
		chat = redisLog
	}

	hub := events.NewHub()
	sinks := events.Multi{hub}
	if cfg.Kafka.Enabled() {
		k := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		closers = append(closers, k.Close)
		sinks = append(sinks, k)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMatching(registry)

	a := &app{
		log:   log,
		store: st,
		rec: matching.NewReconciler(st, matching.Options{
			Logger:  log,
			Metrics: m,
			Events:  sinks,
		}),
		chat:     chat,
		hub:      hub,
		metrics:  m,
		registry: registry,
		auth:     newAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		feed: matching.FeedOptions{
			DefaultRangeMiles: cfg.Feed.DefaultRangeMiles,
			Limit:             cfg.Feed.Limit,
			IgnoreAttributes:  cfg.Feed.IgnoreAttributes,
		},
		origins: cfg.App.CORSOrigins,
	}
	return a, cleanup, nil
}

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(
		withRecover(a.log),
		withRequestID(a.log),
		withLogging(a.log),
		withCORS(a.origins),
	)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.auth.middleware, withDataLoaders(a.store))

		r.Get("/me", meHandler(a))
		r.Get("/users/{userID}", userHandler(a))

		r.Get("/feed", feedHandler(a))
		r.Post("/swipes", swipeHandler(a))
		r.Post("/reconcile", reconcileHandler(a))

		r.Get("/matches", matchesHandler(a))
		r.Delete("/matches/{matchID}", unmatchHandler(a))
		r.Get("/matches/{matchID}/messages", getChatHistoryHandler(a))
		r.Post("/matches/{matchID}/messages", postMessageHandler(a))
		r.Get("/chats/summary", chatSummaryHandler(a))

		r.Get("/ws", wsChatHandler(a))
	})
	return r
}
