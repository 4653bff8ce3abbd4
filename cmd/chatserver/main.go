package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/api"
	"github.com/whisper/securechat/internal/auth"
	"github.com/whisper/securechat/internal/cache"
	"github.com/whisper/securechat/internal/cipher"
	"github.com/whisper/securechat/internal/config"
	"github.com/whisper/securechat/internal/message"
	"github.com/whisper/securechat/internal/messaging"
	"github.com/whisper/securechat/internal/presence"
	"github.com/whisper/securechat/internal/ratelimit"
	"github.com/whisper/securechat/internal/realtime"
	"github.com/whisper/securechat/internal/store"
	"github.com/whisper/securechat/internal/user"
	"github.com/whisper/securechat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	cfg.ConfigureLogging()
	log := logrus.WithField("component", "chatserver")
	log.WithFields(cfg.Fields()).Info("securechat server starting")

	// --- PostgreSQL ---
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	db, err := store.Open(store.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to PostgreSQL")
	}
	convStore := store.NewStore(db)
	users := user.NewStore(db)

	// --- Redis ---
	redisClient, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	historyCache := cache.New(redisClient, cfg.Cache)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS (optional) ---
	var bus realtime.Bus
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		bus = natsClient
	} else {
		log.Info("NATS_URL not set, live delivery is local to this instance")
	}

	hub := realtime.NewHub(presence.NewRegistry(), bus, historyCache)
	if err := hub.Start(); err != nil {
		log.WithError(err).Fatal("failed to subscribe to presence events")
	}

	messages := message.NewService(convStore, users, cipher.NewManager(), historyCache, hub)

	issuer, err := auth.NewIssuer(auth.DefaultOptions([]byte(cfg.JWTSecret)))
	if err != nil {
		log.WithError(err).Fatal("failed to create token issuer")
	}

	// --- Live connections ---
	wsServer := ws.NewServer(cfg.WS, issuer.LiveIdentity, ws.Dispatch)
	wsServer.SetOnConnect(func(c *ws.Connection) {
		hub.Connect(c.UserID(), c)
	})
	wsServer.SetOnDisconnect(func(c *ws.Connection) {
		hub.Disconnect(c.UserID(), c)
	})
	if err := wsServer.Start(); err != nil {
		log.WithError(err).Fatal("failed to start live connection server")
	}

	router := api.NewRouter(api.Dependencies{
		Messages:     messages,
		Online:       hub,
		Live:         wsServer,
		Authenticate: issuer.Authenticate,
		Limiter:      limiter,
		CORSOrigins:  cfg.CORSOrigins,
		Checks: map[string]api.Pinger{
			"postgres": convStore,
			"redis":    historyCache,
		},
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := wsServer.Shutdown(); err != nil {
		log.WithError(err).Warn("live connection shutdown")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if err := redisClient.Close(); err != nil {
		log.WithError(err).Warn("redis close")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("postgres close")
	}
	log.Info("stopped")
}
