package daemonlink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClientRegistered    = errors.New("client already registered")
	ErrClientNotRegistered = errors.New("client not registered")
)

// TimeoutClass is how quickly a client must answer a liveness check.
type TimeoutClass string

const (
	TimeoutCritical TimeoutClass = "critical"
	TimeoutModerate TimeoutClass = "moderate"
	TimeoutNormal   TimeoutClass = "normal"
)

var defaultTimeouts = map[TimeoutClass]time.Duration{
	TimeoutCritical: 3 * time.Second,
	TimeoutModerate: 5 * time.Second,
	TimeoutNormal:   10 * time.Second,
}

// ParseTimeoutClass parses a class name, case-insensitively.
func ParseTimeoutClass(s string) (TimeoutClass, error) {
	c := TimeoutClass(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultTimeouts[c]; !ok {
		return "", fmt.Errorf("unknown timeout class %q", s)
	}
	return c, nil
}

// Client is a component whose liveness is reported to the daemon.
type Client interface {
	CheckIfAlive(ctx context.Context, sessionID int) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, sessionID int) error

func (f ClientFunc) CheckIfAlive(ctx context.Context, sessionID int) error {
	return f(ctx, sessionID)
}

type registeredClient struct {
	client  Client
	timeout TimeoutClass
}

// ClientRegistry tracks the clients checked on check_if_alive.
type ClientRegistry struct {
	logger   slog.Logger
	timeouts map[TimeoutClass]time.Duration

	mu      sync.Mutex
	clients map[string]registeredClient
}

func NewClientRegistry(logger slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		logger:   logger.Named("clients"),
		timeouts: defaultTimeouts,
		clients:  make(map[string]registeredClient),
	}
}

// Register adds a client under a unique name.
func (r *ClientRegistry) Register(name string, client Client, timeout TimeoutClass) error {
	if _, ok := r.timeouts[timeout]; !ok {
		return fmt.Errorf("unknown timeout class %q", timeout)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; ok {
		return fmt.Errorf("%w: %s", ErrClientRegistered, name)
	}
	r.clients[name] = registeredClient{client: client, timeout: timeout}
	return nil
}

func (r *ClientRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("%w: %s", ErrClientNotRegistered, name)
	}
	delete(r.clients, name)
	return nil
}

// Names returns the registered client names, sorted.
func (r *ClientRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check asks every client of the timeout class concurrently and returns
// the sorted names of those that did not answer within the class deadline.
// Clients stay registered either way.
func (r *ClientRegistry) Check(ctx context.Context, sessionID int, timeout TimeoutClass) []string {
	d, ok := r.timeouts[timeout]
	if !ok {
		return nil
	}

	r.mu.Lock()
	targets := make(map[string]Client)
	for name, c := range r.clients {
		if c.timeout == timeout {
			targets[name] = c.client
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var (
		mu            sync.Mutex
		notResponding []string
	)
	var eg errgroup.Group
	for name, client := range targets {
		eg.Go(func() error {
			err := checkWithin(ctx, client, sessionID)
			if err == nil {
				return nil
			}
			r.logger.Warn(ctx, "client not responding",
				slog.F("client", name),
				slog.F("session_id", sessionID),
				slog.Error(err),
			)
			mu.Lock()
			notResponding = append(notResponding, name)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	sort.Strings(notResponding)
	return notResponding
}

// checkWithin returns once the client answers or ctx expires, whichever is
// first. A client that ignores ctx is left running.
func checkWithin(ctx context.Context, client Client, sessionID int) error {
	errCh := make(chan error, 1)
	go func() { errCh <- client.CheckIfAlive(ctx, sessionID) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
