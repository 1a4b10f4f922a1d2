package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/perplexed-me/pulse-iq-sub000/internal/config"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/appointment"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/recordaccess"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/db"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/middleware"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/websocket"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portal",
		Short:         "Doctor-side access to patient test results",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(recordsCmd())
	root.AddCommand(appointmentsCmd())
	return root
}

// loadConfig loads and validates the environment configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the record-access API for browser UI surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	hub := websocket.NewHub(logger)
	a, err := newApp(context.Background(), cfg, logger, auth.RequestToken{}, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	e := newServer(a, hub)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with every route mounted.
func newServer(a *app, hub *websocket.Hub) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Disposition"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	// Browsers cannot set headers on websocket upgrades, so the event bus is
	// mounted outside the authenticated group.
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	authMW := auth.BearerMiddleware()
	if cfg.IsDev() && (cfg.AuthToken != "" || cfg.AuthTokenFile != "") {
		authMW = auth.DevAuthMiddleware(tokenProvider(cfg))
	}
	api := e.Group("/api", authMW)
	recordaccess.NewHandler(a.gate, a.catalog).RegisterRoutes(api)
	appointment.NewHandler(a.appointments).RegisterRoutes(api)

	return e
}
