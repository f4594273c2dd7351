package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"presence-chat/internal/chat"
	"presence-chat/internal/config"
	"presence-chat/internal/db"
	"presence-chat/internal/direct"
	myMiddleware "presence-chat/internal/middleware"
	"presence-chat/internal/notify"
	"presence-chat/internal/presence"
	"presence-chat/internal/room"
	"presence-chat/internal/search"
	"presence-chat/internal/store"
	"presence-chat/internal/telemetry"
	"presence-chat/internal/user"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		glog.Exitf("telemetry: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		glog.Exitf("store: %v", err)
	}
	defer st.Close()
	glog.Infof("store backend %s ready", cfg.StoreBackend)

	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		glog.Exitf("failed to connect to DB: %v", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		glog.Exitf("migration failed: %v", err)
	}
	glog.Info("connected to PostgreSQL, schema initialized")

	var sink notify.Sink
	if cfg.KafkaBrokers != "" {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sink = ks
		glog.Infof("publishing notifications to kafka topic %s", cfg.KafkaTopic)
	}

	tracker := presence.NewTracker(st)
	fanout := notify.NewFanout(st, sink)
	svc := chat.Services{
		Store:    st,
		Presence: tracker,
		Rooms:    room.NewService(st, fanout, room.WithFreshness(cfg.Freshness)),
		Direct:   direct.NewService(st),
		Fanout:   fanout,
		Search:   search.New(st),
	}

	userService := user.NewService(user.NewRepository(database.Conn), tracker, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	hub := chat.NewHub()
	chatHandler := chat.NewHandler(hub, svc, cfg.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", chatHandler.ServeWs)
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           otelhttp.NewHandler(r, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		glog.Infof("server starting on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		glog.Errorf("server stopped: %v", err)
	}
	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Wait(wctx); err != nil {
		glog.Warningf("sessions still open at exit: %v", err)
	}
	glog.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		glog.Warning("memory store in use; state is lost on restart and not shared between instances")
		return store.NewMemoryStore(store.WithLease(cfg.SessionLease)), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return store.NewRedisStore(ctx, rdb, cfg.StorePrefix, store.WithLease(cfg.SessionLease))
}
