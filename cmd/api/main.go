package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"scopegate.org/internal/auth"
	"scopegate.org/internal/config"
	"scopegate.org/internal/engine"
	"scopegate.org/internal/httpapi"
	"scopegate.org/internal/obs"
	"scopegate.org/internal/store/memory"
	"scopegate.org/internal/store/pg"
	"scopegate.org/internal/store/sqlite"
	"scopegate.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	obs.SetLogger(logger)
	defer obs.Sync()

	registry, err := cfg.BuildRegistry()
	if err != nil {
		logger.Fatal("build role registry", zap.Error(err))
	}
	descriptors, err := cfg.BuildDescriptors()
	if err != nil {
		logger.Fatal("build resource descriptors", zap.Error(err))
	}

	store, probe, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	resolverOpts := []auth.ResolverOption{
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithKnownRoles(registry.RoleNames()...),
		auth.WithCacheEntries(cfg.Auth.CacheEntries),
	}
	if cfg.Auth.Secret != "" {
		resolverOpts = append(resolverOpts, auth.WithSecret([]byte(cfg.Auth.Secret)))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		resolverOpts = append(resolverOpts, auth.WithRevocationList(auth.NewRedisRevocations(client)))
	}
	resolver, err := auth.NewResolver(resolverOpts...)
	if err != nil {
		logger.Fatal("init resolver", zap.Error(err))
	}

	events := stream.New()
	eng, err := engine.New(registry, store, engine.WithEvents(events), engine.WithLogger(logger))
	if err != nil {
		logger.Fatal("init engine", zap.Error(err))
	}
	if err := eng.Register(descriptors...); err != nil {
		logger.Fatal("register resources", zap.Error(err))
	}

	api := httpapi.New(eng, resolver, cfg,
		httpapi.WithEvents(events),
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
	}

	logger.Info("starting scopegate-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("store", cfg.Store.Driver),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}

func openStore(cfg *config.Config) (engine.Store, httpapi.ReadyProbe, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := pg.Open(cfg.Store.DSN)
		if err != nil {
			return nil, httpapi.ReadyProbe{}, nil, err
		}
		return st, httpapi.ReadyProbe{Ping: st.Ping}, func() { _ = st.Close() }, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, httpapi.ReadyProbe{}, nil, err
		}
		return st, httpapi.ReadyProbe{Ping: st.Ping}, func() { _ = st.Close() }, nil
	default:
		return memory.New(), httpapi.ReadyProbe{}, func() {}, nil
	}
}
