// Package service wires the watchdog together and runs it until its context
// is cancelled.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/iowatchdog/internal/config"
	"github.com/blackwell-systems/iowatchdog/internal/controlapi"
	"github.com/blackwell-systems/iowatchdog/internal/daemonlink"
	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
	"github.com/blackwell-systems/iowatchdog/internal/store"
	"github.com/blackwell-systems/iowatchdog/internal/telemetry"
	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

// Name is announced to the daemon on connect.
const Name = "iowatchdog"

const shutdownTimeout = 10 * time.Second

// Options overrides the collaborators built from the config. Zero values
// select the defaults.
type Options struct {
	Clock    quartz.Clock
	Dialer   daemonlink.Dialer
	Watcher  config.Watcher
	Source   packages.Source
	Users    UserLister
	Enabler  packages.Enabler
	Notifier perf.Notifier
}

// Service is a running watchdog.
type Service struct {
	cfg    *config.Config
	logger slog.Logger
	clock  quartz.Clock

	store     *store.Store
	handler   *perf.Handler
	link      *daemonlink.Link
	watcher   config.Watcher
	reloader  *config.Reloader
	publisher *telemetry.Publisher
	server    *http.Server
}

// New opens the database, loads the overuse configurations and connects
// to the daemon.
func New(ctx context.Context, cfg *config.Config, logger slog.Logger, opts Options) (*Service, error) {
	for _, dir := range []string{cfg.DataDir, cfg.OveruseConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	ts := timesource.New(clock)

	db, err := store.Open(ctx, cfg.DBPath, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cache := overuse.NewCache()
	if configs, err := config.LoadOveruseDir(cfg.OveruseConfigDir); err != nil {
		logger.Warn(ctx, "starting without overuse configurations", slog.Error(err))
	} else if err := cache.Set(configs); err != nil {
		logger.Warn(ctx, "starting without overuse configurations", slog.Error(err))
	}

	source, lister := opts.Source, opts.Users
	if source == nil {
		if len(cfg.Packages.Command) > 0 {
			cs := packages.CommandSource{Command: cfg.Packages.Command, UsersCommand: cfg.Packages.UsersCommand}
			source = cs
			if lister == nil && len(cfg.Packages.UsersCommand) > 0 {
				lister = cs
			}
		} else {
			fs := packages.FileSource{Path: cfg.Packages.Manifest}
			source = fs
			if lister == nil {
				lister = fs
			}
		}
	}
	resolver := packages.NewResolver(source)

	enabler := opts.Enabler
	if enabler == nil {
		enabler = packages.CommandEnabler{
			StateCommand: cfg.Enabler.StateCommand,
			SetCommand:   cfg.Enabler.SetCommand,
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger.Named("notifier")}
	}

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	handler := perf.New(perf.Options{
		Logger:                     logger,
		Clock:                      ts,
		Cache:                      cache,
		Resolver:                   resolver,
		Storage:                    db,
		Enabler:                    enabler,
		Notifier:                   notifier,
		Reporter:                   metrics,
		Users:                      staticUsers{current: cfg.Packages.CurrentUser, lister: lister},
		OveruseHandlingDelay:       cfg.Policy.OveruseHandlingDelay,
		RecurringOveruseTimes:      cfg.Policy.RecurringOveruseTimes,
		RecurringOverusePeriodDays: cfg.Policy.RecurringOverusePeriodDays,
		KillableStateResetDays:     cfg.Policy.KillableStateResetDays,
		NotificationBaseID:         cfg.Policy.NotificationBaseID,
	})

	watcher := opts.Watcher
	if watcher == nil {
		watcher, err = config.NewFSNotify()
		if err != nil {
			_ = handler.Close(ctx)
			db.Close()
			return nil, err
		}
	}

	clients := daemonlink.NewClientRegistry(logger)
	if err := clients.Register("perf", daemonlink.ClientFunc(func(ctx context.Context, _ int) error {
		return handler.Ping(ctx)
	}), daemonlink.TimeoutCritical); err != nil {
		_ = watcher.Close()
		_ = handler.Close(ctx)
		db.Close()
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = daemonlink.WebsocketDialer(cfg.Daemon.URL, cfg.Daemon.Socket)
	}
	link := daemonlink.New(daemonlink.Options{
		Logger:           logger,
		Clock:            clock,
		Dialer:           dialer,
		Cache:            cache,
		Handler:          pushHandler{Handler: handler, resolver: resolver},
		Clients:          clients,
		ServiceName:      Name,
		RequestTimeout:   cfg.Daemon.RequestTimeout,
		LivenessInterval: cfg.Daemon.LivenessInterval,
		LivenessTimeout:  cfg.Daemon.LivenessTimeout,
	})

	api := controlapi.NewHandler(controlapi.Options{
		Logger:   logger,
		Usage:    handler,
		Link:     link,
		Clients:  clients,
		Recent:   metrics,
		Gatherer: registry,
	})
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	return &Service{
		cfg:       cfg,
		logger:    logger.Named("service"),
		clock:     clock,
		store:     db,
		handler:   handler,
		link:      link,
		watcher:   watcher,
		reloader:  config.NewReloader(logger, clock, cfg.OveruseConfigDir, watcher, link),
		publisher: telemetry.NewPublisher(logger, clock, handler, metrics, cfg.Telemetry.PublishInterval),
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run listens on the configured control address and serves until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Control.Addr)
	if err != nil {
		_ = s.close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Control.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve loads the persisted state, serves the control API on ln and runs
// the background loops until ctx is done. Everything is closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.handler.Start(ctx); err != nil {
		_ = ln.Close()
		_ = s.close()
		return fmt.Errorf("failed to start usage handler: %w", err)
	}
	s.logger.Info(ctx, "watchdog started",
		slog.F("control_addr", ln.Addr().String()),
		slog.F("daemon_url", s.cfg.Daemon.URL),
		slog.F("overuse_config_dir", s.cfg.OveruseConfigDir),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		if err := s.reloader.Run(egCtx); err != nil {
			s.logger.Error(egCtx, "overuse configuration reload stopped", slog.Error(err))
		}
		return nil
	})
	eg.Go(func() error {
		return s.publisher.Run(egCtx)
	})
	eg.Go(func() error {
		return s.checkDateChanges(egCtx)
	})

	err := eg.Wait()
	if closeErr := s.close(); err == nil {
		err = closeErr
	}
	s.logger.Info(context.Background(), "watchdog stopped")
	return err
}

// checkDateChanges flushes the day's usage once the date rolls over.
func (s *Service) checkDateChanges(ctx context.Context) error {
	interval := s.cfg.Policy.DateCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	tkr := s.clock.TickerFunc(ctx, interval, func() error {
		if err := s.handler.CheckDateChange(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn(ctx, "failed to check date change", slog.Error(err))
		}
		return nil
	}, "service", "date")
	err := tkr.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.link.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.handler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist usage: %w", err))
	}
	if err := s.watcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
