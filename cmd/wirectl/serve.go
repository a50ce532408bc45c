package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/gamewire/internal/auth"
	"github.com/danmuck/gamewire/internal/config"
	"github.com/danmuck/gamewire/internal/dispatch"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo message server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults when empty)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newServer(cfg config.Config) (*transport.Server, *dispatch.Dispatcher, error) {
	reg, err := demoRegistry()
	if err != nil {
		return nil, nil, err
	}
	c, key, err := cfg.Cipher()
	if err != nil {
		return nil, nil, err
	}
	d := dispatch.New(cfg.Dispatch())
	srv, err := transport.NewServer(transport.Options{
		Config:     cfg.Transport(),
		Registry:   reg,
		Dispatcher: d,
		Cipher:     c,
		Keys:       cfg.Keys(key),
	})
	if err != nil {
		d.Stop()
		return nil, nil, err
	}
	registerDemoHandlers(d, srv)
	return srv, d, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := observability.InitLogger("wirectl")
	srv, d, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer d.Stop()

	if cfg.AdminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		var guards []gin.HandlerFunc
		if cfg.AdminToken != "" {
			guards = append(guards, auth.Middleware(auth.StaticToken(cfg.AdminToken), "/health"))
		}
		admin := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           observability.NewAdminRouter(srv, logger, guards...),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.AdminAddr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("encryption", cfg.Encryption).
		Bool("tls", cfg.TLSEnabled()).
		Int("workers", cfg.Workers).
		Msg("wirectl serve")
	return srv.ListenAndServe(ctx)
}
