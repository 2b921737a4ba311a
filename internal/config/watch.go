package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// DefaultReloadDelay coalesces the events of one editor save.
const DefaultReloadDelay = 500 * time.Millisecond

var errWatcherClosed = errors.New("watcher closed")

// Watcher delivers file system events.
type Watcher interface {
	Add(path string) error
	Next(ctx context.Context) (*fsnotify.Event, error)
	Close() error
}

type fsWatcher struct {
	w *fsnotify.Watcher
}

// NewFSNotify returns a Watcher backed by fsnotify.
func NewFSNotify() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &fsWatcher{w: w}, nil
}

func (f *fsWatcher) Add(path string) error {
	return f.w.Add(path)
}

func (f *fsWatcher) Next(ctx context.Context) (*fsnotify.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-f.w.Events:
		if !ok {
			return nil, errWatcherClosed
		}
		return &ev, nil
	case err, ok := <-f.w.Errors:
		if !ok {
			return nil, errWatcherClosed
		}
		return nil, err
	}
}

func (f *fsWatcher) Close() error {
	return f.w.Close()
}

// Syncer applies a new set of overuse configurations.
type Syncer interface {
	SyncConfigurations(ctx context.Context, configs []overuse.ResourceOveruseConfiguration) error
}

// Reloader watches the overuse configuration directory and syncs the
// configurations after every change. Invalid sets are logged and skipped.
type Reloader struct {
	logger  slog.Logger
	clock   quartz.Clock
	dir     string
	watcher Watcher
	syncer  Syncer
	delay   time.Duration
}

func NewReloader(logger slog.Logger, clock quartz.Clock, dir string, watcher Watcher, syncer Syncer) *Reloader {
	return &Reloader{
		logger:  logger.Named("config"),
		clock:   clock,
		dir:     dir,
		watcher: watcher,
		syncer:  syncer,
		delay:   DefaultReloadDelay,
	}
}

// Reload loads the directory and syncs it.
func (r *Reloader) Reload(ctx context.Context) error {
	configs, err := LoadOveruseDir(r.dir)
	if err != nil {
		return err
	}
	if err := r.syncer.SyncConfigurations(ctx, configs); err != nil {
		return fmt.Errorf("failed to sync overuse configurations: %w", err)
	}
	r.logger.Info(ctx, "reloaded overuse configurations",
		slog.F("dir", r.dir),
		slog.F("count", len(configs)),
	)
	return nil
}

// Run watches the directory until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	if err := r.watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	changes := make(chan struct{}, 1)
	watchErr := make(chan error, 1)
	go func() {
		for {
			ev, err := r.watcher.Next(ctx)
			if err != nil {
				watchErr <- err
				return
			}
			if !IsOveruseFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()

	due := make(chan struct{}, 1)
	var timer *quartz.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-watchErr
			return nil
		case err := <-watchErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watching %s: %w", r.dir, err)
		case <-changes:
			if timer == nil {
				timer = r.clock.AfterFunc(r.delay, func() {
					select {
					case due <- struct{}{}:
					default:
					}
				}, "config", "reload")
			} else {
				timer.Reset(r.delay, "config", "reload")
			}
		case <-due:
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn(ctx, "overuse configurations not applied", slog.Error(err))
			}
		}
	}
}
