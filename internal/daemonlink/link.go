// Package daemonlink maintains the connection to the counterpart daemon that
// measures per-process I/O. It pushes the overuse configurations, replays
// requests issued while the daemon was away, answers the daemon's pushes
// and watches the daemon's liveness.
package daemonlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/packages"
)

const (
	// MaxReplayAttempts is how many error replies a pending request
	// survives before its caller gets ErrRemoteFailed. Lost connections do
	// not count.
	MaxReplayAttempts = 3

	DefaultRequestTimeout   = 10 * time.Second
	DefaultLivenessInterval = 30 * time.Second
	DefaultLivenessTimeout  = 5 * time.Second

	// readLimit bounds one incoming frame. Stats pushes for every package of
	// every user exceed the websocket default.
	readLimit = 4 << 20
)

var (
	ErrClosed         = errors.New("daemon link closed")
	ErrDisconnected   = errors.New("daemon disconnected")
	ErrRequestPending = errors.New("request already pending")
	ErrRemoteFailed   = errors.New("daemon request failed")
	ErrLivenessMissed = errors.New("daemon missed liveness check")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PushHandler answers the requests the daemon sends.
type PushHandler interface {
	LatestIoOveruseStats(ctx context.Context, stats []overuse.PackageIoOveruseStats) error
	PackageInfosForUIDs(ctx context.Context, uids []int, vendorPrefixes []string) ([]packages.PackageInfo, error)
	TodayIoUsageStats(ctx context.Context) ([]overuse.UserPackageIoUsage, error)
	ResetStats(ctx context.Context, names []string) error
	UserRemoved(ctx context.Context, userID int) error
	PackageRemoved(ctx context.Context, userID int, pkg string) error
	PackageChanged(ctx context.Context, userID int, pkg string) error
}

// Dialer opens a websocket to the daemon.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

// WebsocketDialer dials url. When socketPath is set the connection is made
// over that unix socket and only the path of url is used.
func WebsocketDialer(url, socketPath string) Dialer {
	opts := &websocket.DialOptions{}
	if socketPath != "" {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		}
	}
	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to dial daemon: %w", err)
		}
		conn.SetReadLimit(readLimit)
		return conn, nil
	}
}

// Options configures a Link. Zero durations select the defaults.
type Options struct {
	Logger  slog.Logger
	Clock   quartz.Clock
	Dialer  Dialer
	Cache   *overuse.Cache
	Handler PushHandler
	Clients *ClientRegistry
	// ServiceName is announced in register_service.
	ServiceName string

	RequestTimeout   time.Duration
	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
	RetryFloor       time.Duration
	RetryCeil        time.Duration
}

// Link is the watchdog's side of the daemon connection.
type Link struct {
	logger      slog.Logger
	clock       quartz.Clock
	dial        Dialer
	cache       *overuse.Cache
	handler     PushHandler
	clients     *ClientRegistry
	serviceName string

	requestTimeout   time.Duration
	livenessInterval time.Duration
	livenessTimeout  time.Duration
	retryFloor       time.Duration
	retryCeil        time.Duration

	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
	kick        chan struct{}

	mu      sync.Mutex
	state   State
	session *session
	pending []*request
	closed  bool
}

type request struct {
	kind     MessageType
	payload  any
	attempts int
	done     chan result
}

type result struct {
	env Envelope
	err error
}

// New returns a Link that starts connecting immediately.
func New(opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		logger:           opts.Logger.Named("daemonlink"),
		clock:            opts.Clock,
		dial:             opts.Dialer,
		cache:            opts.Cache,
		handler:          opts.Handler,
		clients:          opts.Clients,
		serviceName:      opts.ServiceName,
		requestTimeout:   opts.RequestTimeout,
		livenessInterval: opts.LivenessInterval,
		livenessTimeout:  opts.LivenessTimeout,
		retryFloor:       opts.RetryFloor,
		retryCeil:        opts.RetryCeil,
		closeCtx:         ctx,
		closeCancel:      cancel,
		kick:             make(chan struct{}, 1),
	}
	if l.clock == nil {
		l.clock = quartz.NewReal()
	}
	if l.cache == nil {
		l.cache = overuse.NewCache()
	}
	if l.clients == nil {
		l.clients = NewClientRegistry(opts.Logger)
	}
	if l.serviceName == "" {
		l.serviceName = "iowatchdog"
	}
	if l.requestTimeout <= 0 {
		l.requestTimeout = DefaultRequestTimeout
	}
	if l.livenessInterval <= 0 {
		l.livenessInterval = DefaultLivenessInterval
	}
	if l.livenessTimeout <= 0 {
		l.livenessTimeout = DefaultLivenessTimeout
	}
	if l.retryFloor <= 0 {
		l.retryFloor = 50 * time.Millisecond
	}
	if l.retryCeil <= 0 {
		l.retryCeil = 10 * time.Second
	}

	l.wg.Add(1)
	go l.connect()
	return l
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close drops the connection and fails every pending request with
// ErrClosed.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.closeCancel()
		l.wg.Wait()

		l.mu.Lock()
		pending := l.pending
		l.pending = nil
		l.mu.Unlock()
		for _, req := range pending {
			req.done <- result{err: ErrClosed}
		}
	})
	return nil
}

// connect dials the daemon with backoff and serves each connection until it
// drops.
func (l *Link) connect() {
	defer l.wg.Done()
	defer l.logger.Debug(l.closeCtx, "connect loop exited")

	for retrier := retry.New(l.retryFloor, l.retryCeil); retrier.Wait(l.closeCtx); {
		l.setState(StateConnecting, nil)
		conn, err := l.dial(l.closeCtx)
		if err != nil {
			l.setState(StateDisconnected, nil)
			if l.closeCtx.Err() != nil {
				return
			}
			l.logger.Warn(l.closeCtx, "failed to connect to daemon", slog.Error(err))
			continue
		}
		retrier.Reset()

		err = l.serve(conn)
		l.setState(StateDisconnected, nil)
		if l.closeCtx.Err() != nil {
			return
		}
		l.logger.Warn(l.closeCtx, "daemon connection lost", slog.Error(err))
	}
}

// serve runs one connection: the read loop, the handshake followed by
// pending request replay, and the liveness ticker. The first of them to
// fail ends the connection.
func (l *Link) serve(conn *websocket.Conn) error {
	defer conn.CloseNow()

	eg, ctx := errgroup.WithContext(l.closeCtx)
	sess := newSession(conn)
	defer sess.close()
	pushes := newPushQueue()

	eg.Go(func() error {
		return sess.readLoop(ctx, func(env Envelope) {
			l.dispatch(ctx, eg, sess, pushes, env)
		})
	})
	eg.Go(func() error {
		return l.applyPushes(ctx, sess, pushes)
	})
	eg.Go(func() error {
		if err := l.handshake(ctx, sess); err != nil {
			return err
		}
		l.setState(StateConnected, sess)
		l.logger.Info(ctx, "connected to daemon")
		return l.replay(ctx, sess)
	})
	eg.Go(func() error {
		tkr := l.clock.TickerFunc(ctx, l.livenessInterval, func() error {
			return l.checkLiveness(ctx, sess)
		}, "daemonlink", "liveness")
		return tkr.Wait()
	})

	return eg.Wait()
}

func (l *Link) handshake(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	_, err := sess.roundTrip(ctx, TypeRegisterService, RegisterService{Name: l.serviceName, PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	configs := l.cache.Configurations()
	if len(configs) == 0 {
		return nil
	}
	_, err = sess.roundTrip(ctx, TypeSyncConfigurations, SyncConfigurations{Configurations: configs})
	if err != nil {
		return fmt.Errorf("failed to push configurations: %w", err)
	}
	return nil
}

func (l *Link) setState(s State, sess *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != s {
		l.logger.Debug(l.closeCtx, "daemon link state changed",
			slog.F("from", l.state.String()),
			slog.F("to", s.String()),
		)
	}
	l.state = s
	l.session = sess
}

func (l *Link) checkLiveness(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(ctx, l.livenessTimeout)
	defer cancel()

	check := LivenessCheck{Token: uuid.NewString(), Deadline: l.clock.Now().Add(l.livenessTimeout)}
	env, err := sess.roundTrip(ctx, TypeLivenessCheck, check)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLivenessMissed, err)
	}
	return verifyEcho(env, check.Token)
}

func verifyEcho(env Envelope, token string) error {
	var echo LivenessCheck
	if err := env.Decode(&echo); err != nil {
		return fmt.Errorf("%w: %w", ErrLivenessMissed, err)
	}
	if echo.Token != token {
		return fmt.Errorf("%w: token mismatch", ErrLivenessMissed)
	}
	return nil
}
