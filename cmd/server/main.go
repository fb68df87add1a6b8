package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/cache"
	"dr_memo/internal/config"
	"dr_memo/internal/consent"
	"dr_memo/internal/controllers"
	"dr_memo/internal/logger"
	"dr_memo/internal/middleware"
	"dr_memo/internal/realtime"
	"dr_memo/internal/routes"
	"dr_memo/internal/store"
	"dr_memo/internal/tracker"
	"dr_memo/internal/viewer"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Server exited with error.")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.LogFile, cfg.LogLevel); err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub()
	st, err := openStore(ctx, cfg, hub)
	if err != nil {
		return err
	}

	var positions store.PositionReader = st
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).WithField("addr", cfg.RedisAddr).Warn("Redis unreachable, cache will fall back to the store.")
		}
		pc := cache.NewPositionCache(rdb, st, cfg.CacheTTL)
		pc.Follow(hub)
		positions = pc
	}

	mapCfg := viewer.DefaultConfig()
	mapCfg.AccessToken = cfg.MapAccessToken
	mapCfg.HistoryWindow = cfg.HistoryWindow
	if cfg.MapAccessToken == "" {
		logrus.Warn("MAP_ACCESS_TOKEN is not set, live maps will show a configuration fallback.")
	}

	ctl := controllers.New(controllers.Deps{
		Positions:  positions,
		Writer:     st,
		Subscriber: st,
		Observers:  st,
		Consent:    consent.NewService(st),
		Tracker:    tracker.DefaultConfig(),
		Map:        mapCfg,
		MapStyle:   cfg.MapStyleURL,
	})
	auth := middleware.NewAuth(cfg.JWTSecret)
	r := routes.SetupRouter(ctl, auth, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("Server listening.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server exited.")
	return nil
}

// openStore returns the configured store. With postgres, change events reach
// the hub through LISTEN/NOTIFY so every server instance sees every write.
func openStore(ctx context.Context, cfg config.Config, hub *realtime.Hub) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		logrus.Warn("Using in-memory store, data is lost on restart.")
		return store.NewMemory(hub), nil
	}

	db, err := config.OpenDB(cfg.DB, logger.GormLogger())
	if err != nil {
		return nil, err
	}
	g := store.NewGorm(db, hub)
	if err := g.Migrate(); err != nil {
		return nil, err
	}

	l, err := store.NewListener(cfg.DB.DSN(), hub)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("Position listener stopped.")
		}
	}()
	return g, nil
}
