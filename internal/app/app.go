package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peercounsel/internal/app/history"
	"peercounsel/internal/app/httpapi"
	"peercounsel/internal/app/profiles"
	"peercounsel/internal/app/rooms"
	"peercounsel/internal/config"
	"peercounsel/internal/instant"
	"peercounsel/internal/metrics"
	"peercounsel/pkg/ice"
	"peercounsel/pkg/lobby"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/sessionstore"
)

// Stores bundles the backends selected by the configuration.
type Stores struct {
	Redis    *redis.Client
	Sessions sessionstore.Store
	Presence presence.Store
	Profiles *profiles.CachedStore
	History  *history.GormRecorder
	closers  []func() error
}

// OpenStores connects the session, presence, profile and history backends.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, error) {
	st := &Stores{}
	var backingProfiles profiles.Store

	switch cfg.StoreBackend {
	case config.BackendMemory:
		st.Sessions = sessionstore.NewMemoryStore()
		st.Presence = presence.NewMemoryStore()
		backingProfiles = profiles.NewMemoryStore()
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		st.Redis = rdb
		st.closers = append(st.closers, rdb.Close)
		st.Sessions = sessionstore.NewRedisStore(rdb, cfg.StorePrefix, logger)
		st.Presence = presence.NewRedisStore(rdb, cfg.StorePrefix)
		backingProfiles = profiles.NewRedisStore(rdb, cfg.StorePrefix)
	}

	cached, err := profiles.NewCachedStore(backingProfiles, cfg.ProfileCacheSize)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	st.Profiles = cached

	db, err := history.Open(cfg.HistoryDriver, cfg.HistoryDSN, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		st.closers = append(st.closers, sqlDB.Close)
	}
	st.History = history.NewGormRecorder(db, logger)
	return st, nil
}

// Close releases every backend connection.
func (s *Stores) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

// API is the HTTP + WebSocket server.
type API struct {
	cfg     config.Config
	logger  *zap.Logger
	stores  *Stores
	metrics *metrics.Metrics
	hub     *lobby.Hub
	srv     *http.Server
}

// NewAPI wires the HTTP surface over already opened stores.
func NewAPI(cfg config.Config, stores *Stores, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New()
	coord := instant.New(instant.Options{
		Store:    stores.Sessions,
		Presence: stores.Presence,
		Metrics:  m,
		Logger:   logger,
	})
	hub := lobby.NewHub(coord.Lobby(), lobby.HubOptions{Presence: stores.Presence, Logger: logger})

	iceMode, iceServers := ice.Servers(cfg.ICE, logger)
	mux := http.NewServeMux()
	httpapi.Register(mux, httpapi.Deps{
		Settings: httpapi.Settings{
			ICEMode:       iceMode,
			ICEServers:    iceServers,
			AnswerTimeout: cfg.AnswerTimeout,
			ReplaceTrack:  cfg.ReplaceTrack,
		},
		Rooms:     rooms.NewService(stores.Sessions, logger),
		Instant:   coord,
		Profiles:  stores.Profiles,
		History:   stores.History,
		Lobby:     hub.HTTPHandler(),
		Metrics:   m.Handler(),
		StaticDir: cfg.StaticPath,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &API{cfg: cfg, logger: logger, stores: stores, metrics: m, hub: hub, srv: srv}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			zap.String("addr", a.cfg.Addr),
			zap.String("static_dir", a.cfg.StaticPath),
			zap.String("store", a.cfg.StoreBackend),
		)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Handler exposes the mux for tests.
func (a *API) Handler() http.Handler { return a.srv.Handler }
