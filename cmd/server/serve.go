package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/verity/internal/auth"
	"github.com/agenthands/verity/internal/config"
	"github.com/agenthands/verity/internal/core"
	"github.com/agenthands/verity/internal/driver"
	"github.com/agenthands/verity/internal/push"
	"github.com/agenthands/verity/internal/server"
	"github.com/agenthands/verity/internal/store"
	"github.com/agenthands/verity/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gin.SetMode(cfg.Server.GinMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	broker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return err
	}

	hub := push.NewHub(cfg.Push.SendBuffer, logger)
	desk := core.NewDesk(st, broker, logger)
	srv := server.NewServer(desk, hub, issuer, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx, broker)
	})
	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", httpServer.Addr),
			zap.String("store", cfg.Store.Backend),
			zap.String("broker", cfg.Push.Broker))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.DropAll()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memgraph":
		d, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, logger)
		if err != nil {
			return nil, err
		}
		if err := d.BuildIndices(ctx); err != nil {
			_ = d.Close(ctx)
			return nil, fmt.Errorf("failed to build indices: %w", err)
		}
		return store.NewGraphStore(d), nil
	default:
		return sqlite.Open(cfg.SQLite.Path)
	}
}

func openBroker(ctx context.Context, cfg *config.Config) (push.Broker, error) {
	if cfg.Push.Broker != "redis" {
		return push.NewLocalBroker(cfg.Push.SendBuffer), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}
	return push.NewRedisBroker(client, cfg.Redis.Prefix, logger), nil
}
