package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/config"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/appointment"
	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/recordaccess"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/blobstore"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/db"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/metrics"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/notification"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/websocket"
)

// app holds the wired components shared by the server and the CLI commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	client  *apiclient.Client
	metrics *metrics.Recorder

	store        *recordaccess.SessionStore
	catalog      *recordaccess.Catalog
	gate         *recordaccess.Gate
	appointments *appointment.Service
	events       notification.EventSink

	pool    *pgxpool.Pool
	staging *blobstore.DirStore
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// tokenProvider returns where outbound calls get their bearer token from
// when the caller is the local doctor rather than a browser request.
func tokenProvider(cfg *config.Config) auth.TokenProvider {
	if cfg.AuthTokenFile != "" {
		return auth.FileToken{Path: cfg.AuthTokenFile}
	}
	return auth.StaticToken(cfg.AuthToken)
}

// newApp wires the record-access flow. bus may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tokens auth.TokenProvider, bus websocket.EventPublisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.client = apiclient.New(cfg.BackendURL, tokens,
		apiclient.WithTimeout(cfg.HTTPTimeout),
		apiclient.WithLogger(logger),
		apiclient.WithUnauthorizedHook(func() {
			logger.Warn().Msg("backend rejected the bearer token, please log in again")
		}),
	)

	fallbackLog, err := a.openFallbackLog(ctx)
	if err != nil {
		return nil, err
	}

	remote := notification.NewRemoteSink(a.client, cfg.NotificationEndpoints, logger)
	fallback := notification.NewFallbackSink(fallbackLog, bus)
	a.events = notification.NewCompositeSink(remote, fallback, bus, logger, notification.WithMetrics(a.metrics))

	a.staging, err = blobstore.NewDirStore("")
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	backend := recordaccess.NewHTTPBackend(a.client)
	a.store = recordaccess.NewSessionStore(cfg.OTPTTL)
	a.catalog = recordaccess.NewCatalog(backend, a.store)
	downloader := recordaccess.NewDownloader(backend, a.staging, a.metrics, logger)
	a.gate = recordaccess.NewGate(a.store, backend, a.catalog, downloader,
		recordaccess.WithEvents(a.events),
		recordaccess.WithMetrics(a.metrics),
		recordaccess.WithLogger(logger),
	)
	a.appointments = appointment.NewService(a.client, a.events, logger)
	return a, nil
}

func (a *app) openFallbackLog(ctx context.Context) (notification.FallbackLog, error) {
	if a.cfg.FallbackDatabaseURL == "" {
		return notification.NewFileLog(a.cfg.FallbackLogPath, a.logger), nil
	}
	pool, err := db.NewPool(ctx, a.cfg.FallbackDatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect fallback database: %w", err)
	}
	pgLog := notification.NewPgLog(pool)
	if err := pgLog.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	a.logger.Info().Msg("fallback notifications stored in postgres")
	return pgLog, nil
}

// Close waits for background side effects and releases resources.
func (a *app) Close() {
	if a.gate != nil {
		a.gate.Wait()
	}
	if a.staging != nil {
		if err := a.staging.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("remove staging dir")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
