/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command crabd runs the cron-job liveness-monitoring daemon: it serves
// the client report protocol, ticks the liveness monitor against the
// Store, dispatches notifications on state changes, and serves the read
// API, RSS feed, and web dashboard.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/crabwatch/crabd/internal/apiserver"
	"github.com/crabwatch/crabd/internal/config"
	"github.com/crabwatch/crabd/internal/errs"
	"github.com/crabwatch/crabd/internal/metrics"
	"github.com/crabwatch/crabd/internal/monitor"
	"github.com/crabwatch/crabd/internal/notify"
	"github.com/crabwatch/crabd/internal/outputstore"
	"github.com/crabwatch/crabd/internal/pidfile"
	"github.com/crabwatch/crabd/internal/store"
)

// deltaQueueCapacity bounds the monitor-to-dispatcher fan-out channel.
const deltaQueueCapacity = 256

// degradedBacklogCap is the hard ceiling past which the monitor drops
// state-transition deltas and raises a single notifications-degraded
// alert, per spec §5.
const degradedBacklogCap = 1000

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("crabd", pflag.ExitOnError)
	config.BindFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		return 1
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading configuration:", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	if cfg.ConfigFileUsed() != "" {
		logger.Info().Str("file", cfg.ConfigFileUsed()).Str("level", cfg.LogLevel).Msg("configuration loaded")
	} else {
		logger.Info().Str("level", cfg.LogLevel).Msg("no config file found, using defaults and flags")
	}

	pf, err := pidfile.Acquire(cfg.PidFile)
	if err != nil {
		logger.Error().Err(err).Msg("acquiring pid file")
		return 1
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Error().Err(err).Msg("removing pid file")
		}
	}()

	if err := daemon(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("crabd exited with error")
		return 1
	}
	return 0
}

// newLogger builds the console-writing zerolog.Logger used throughout the
// daemon, falling back to info level on an unparseable configured level.
func newLogger(logLevel string) zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

// daemon builds every component and runs until a termination signal
// arrives or a component fails irrecoverably.
func daemon(cfg *config.Config, logger zerolog.Logger) error {
	db, err := buildStore(cfg.Store)
	if err != nil {
		return err
	}
	if err := db.Init(); err != nil {
		return errs.NewStoreError("init primary store", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("closing primary store")
		}
	}()

	if err := wireOutputStore(cfg.OutputStore, db); err != nil {
		return err
	}

	transports, err := notify.NewTransports(cfg.Transports)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deltas := make(chan monitor.Delta, deltaQueueCapacity)
	mon := monitor.New(db, deltas, cfg.Monitor.TickInterval, degradedBacklogCap, logger.With().Str("component", "monitor").Logger())
	dispatcher := notify.NewDispatcher(db, transports, deltas, cfg.RateLimits.MaxAlertsPerMinute, 0, logger.With().Str("component", "dispatcher").Logger())

	errCh := make(chan error, 4)
	go func() { errCh <- mon.Start(ctx) }()
	go func() { errCh <- dispatcher.Run(ctx) }()

	var metricsServer *http.Server
	if cfg.Metrics.BindAddress != "" {
		metricsServer = newMetricsServer(cfg.Metrics.BindAddress)
		go func() { errCh <- runUntilShutdown(ctx, metricsServer, logger, "metrics server") }()
	}

	var apiSrv *apiserver.Server
	if cfg.API.Enabled {
		apiSrv = apiserver.New(cfg, db, logger.With().Str("component", "api").Logger())
		go func() { errCh <- apiSrv.Start(ctx) }()
	}

	go runPruneLoop(ctx, db, cfg.Monitor.PruneInterval, cfg.Retention.DefaultDays, logger.With().Str("component", "prune").Logger())

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	// Give every goroutine started above a chance to observe ctx.Done()
	// and return before we read their results; each already races its own
	// shutdown against ctx, so this is just collecting outcomes.
	var firstErr error
	want := 2
	if metricsServer != nil {
		want++
	}
	if apiSrv != nil {
		want++
	}
	for i := 0; i < want; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildStore(cfg config.StoreConfig) (*store.GormStore, error) {
	db, err := store.NewStoreFromConfig(storeDSN(cfg.Type, cfg.SQLite, cfg.PostgreSQL, cfg.MySQL))
	if err != nil {
		return nil, errs.NewStoreError("open primary store", err)
	}
	return db, nil
}

// wireOutputStore builds and attaches the optional secondary blob store
// for large stdout/stderr payloads. An empty cfg.Type leaves the primary
// store without a secondary backend.
func wireOutputStore(cfg config.OutputStoreConfig, db *store.GormStore) error {
	dsn := storeDSN(cfg.Type, cfg.SQLite, cfg.PostgreSQL, cfg.MySQL)
	blobs, err := outputstore.New(outputstore.DSNConfig{
		Type:     dsn.Type,
		Path:     dsn.Path,
		Host:     dsn.Host,
		Port:     dsn.Port,
		Database: dsn.Database,
		Username: dsn.Username,
		Password: dsn.Password,
		SSLMode:  dsn.SSLMode,
	})
	if err != nil {
		return errs.NewStoreError("open output store", err)
	}
	if blobs == nil {
		return nil
	}
	if err := blobs.Init(); err != nil {
		return errs.NewStoreError("init output store", err)
	}
	db.SetBlobStore(blobs)
	return nil
}

// storeDSN picks the dialect-appropriate connection fields out of the
// config's per-dialect sections; StoreConfig and OutputStoreConfig share
// the same SQLite/PostgreSQL/MySQL shapes so this serves both.
func storeDSN(dialect string, sqlite config.SQLiteConfig, pg config.PostgreSQLConfig, mysql config.MySQLConfig) store.DSNConfig {
	switch dialect {
	case "postgres":
		return store.DSNConfig{
			Type:     dialect,
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			Username: pg.Username,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
		}
	case "mysql":
		return store.DSNConfig{
			Type:     dialect,
			Host:     mysql.Host,
			Port:     mysql.Port,
			Database: mysql.Database,
			Username: mysql.Username,
			Password: mysql.Password,
		}
	default:
		return store.DSNConfig{Type: dialect, Path: sqlite.Path}
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// runUntilShutdown starts srv and blocks until ctx is cancelled, then
// shuts srv down gracefully. Mirrors apiserver.Server.Start's shape for
// the smaller metrics listener, which has no other reason to carry its
// own type.
func runUntilShutdown(ctx context.Context, srv *http.Server, logger zerolog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msgf("starting %s", name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// runPruneLoop periodically removes events older than the configured
// retention window. Errors are logged rather than fatal: a failed prune
// pass leaves old data in place for the next tick rather than bringing
// the daemon down.
func runPruneLoop(ctx context.Context, db store.Store, interval time.Duration, retentionDays int, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			n, err := db.Prune(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("retention prune failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("retention prune completed")
			}
		}
	}
}
