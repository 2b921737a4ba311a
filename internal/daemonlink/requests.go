package daemonlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// SyncConfigurations validates configs and sends them to the daemon,
// waiting for a connection if needed. The local cache is updated once the
// daemon accepts them.
func (l *Link) SyncConfigurations(ctx context.Context, configs []overuse.ResourceOveruseConfiguration) error {
	if err := overuse.Validate(configs); err != nil {
		return err
	}
	if _, err := l.call(ctx, TypeSyncConfigurations, SyncConfigurations{Configurations: configs}); err != nil {
		return err
	}
	if err := l.cache.Set(configs); err != nil {
		return fmt.Errorf("failed to update configuration cache: %w", err)
	}
	l.logger.Info(ctx, "synced overuse configurations", slog.F("count", len(configs)))
	return nil
}

// GetConfigurations returns the configurations the daemon is using,
// waiting for a connection if needed.
func (l *Link) GetConfigurations(ctx context.Context) ([]overuse.ResourceOveruseConfiguration, error) {
	env, err := l.call(ctx, TypeGetConfigurations, struct{}{})
	if err != nil {
		return nil, err
	}
	var resp SyncConfigurations
	if err := env.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Configurations, nil
}

// RequestLivenessCheck asks the daemon to echo a fresh token.
func (l *Link) RequestLivenessCheck(ctx context.Context) error {
	check := LivenessCheck{Token: uuid.NewString(), Deadline: l.clock.Now().Add(l.livenessTimeout)}
	env, err := l.call(ctx, TypeLivenessCheck, check)
	if err != nil {
		return err
	}
	return verifyEcho(env, check.Token)
}

// ControlProcessHealthCheck enables or disables the daemon's process health
// checking. It is not queued: the daemon must be connected.
func (l *Link) ControlProcessHealthCheck(ctx context.Context, enable bool) error {
	l.mu.Lock()
	closed, sess := l.closed, l.session
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrDisconnected
	}

	ctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()
	if _, err := sess.roundTrip(ctx, TypeControlProcessHealthCheck, ControlProcessHealthCheck{Enable: enable}); err != nil {
		return fmt.Errorf("failed to control process health check: %w", err)
	}
	return nil
}

// call queues a request and waits for its result. Only one request of each
// kind may be pending.
func (l *Link) call(ctx context.Context, kind MessageType, payload any) (Envelope, error) {
	req := &request{kind: kind, payload: payload, done: make(chan result, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	for _, p := range l.pending {
		if p.kind == kind {
			l.mu.Unlock()
			return Envelope{}, fmt.Errorf("%w: %s", ErrRequestPending, kind)
		}
	}
	l.pending = append(l.pending, req)
	l.mu.Unlock()
	l.wake()

	select {
	case res := <-req.done:
		return res.env, res.err
	case <-ctx.Done():
		l.remove(req)
		return Envelope{}, ctx.Err()
	}
}

func (l *Link) wake() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Link) remove(req *request) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.pending {
		if p == req {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Link) head() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	return l.pending[0]
}

// replay sends the pending requests oldest first until the connection
// ends. A failed request stays queued for the next connection unless it has
// used up its attempts.
func (l *Link) replay(ctx context.Context, sess *session) error {
	for {
		req := l.head()
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.kick:
				continue
			}
		}

		rctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
		env, err := sess.roundTrip(rctx, req.kind, req.payload)
		cancel()
		if err == nil {
			if l.remove(req) {
				req.done <- result{env: env}
			}
			continue
		}
		if l.closeCtx.Err() != nil {
			return err
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			l.failAttempt(ctx, req, err)
		}
		return fmt.Errorf("pending %s failed: %w", req.kind, err)
	}
}

// failAttempt counts an error reply against req and drops it once it
// reaches MaxReplayAttempts.
func (l *Link) failAttempt(ctx context.Context, req *request, err error) {
	l.mu.Lock()
	req.attempts++
	attempts := req.attempts
	l.mu.Unlock()

	l.logger.Warn(ctx, "pending daemon request failed",
		slog.F("type", req.kind),
		slog.F("attempt", attempts),
		slog.Error(err),
	)
	if attempts < MaxReplayAttempts {
		return
	}
	if l.remove(req) {
		req.done <- result{err: fmt.Errorf("%w: %s after %d attempts: %w", ErrRemoteFailed, req.kind, attempts, err)}
	}
}

// dispatch handles a request initiated by the daemon. Stats pushes are
// queued and applied in the order they arrive. Everything else is answered
// concurrently. It never waits on the handler.
func (l *Link) dispatch(ctx context.Context, eg *errgroup.Group, sess *session, pushes *pushQueue, env Envelope) {
	if env.Type == TypeLatestIoOveruseStats {
		pushes.put(env)
		return
	}
	eg.Go(func() error {
		l.handleRequest(ctx, sess, env)
		return nil
	})
}

// pushQueue holds stats pushes not yet applied. It is unbounded so the read
// loop never stalls behind a slow handler.
type pushQueue struct {
	mu    sync.Mutex
	items []Envelope
	ready chan struct{}
}

func newPushQueue() *pushQueue {
	return &pushQueue{ready: make(chan struct{}, 1)}
}

func (q *pushQueue) put(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *pushQueue) take() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// applyPushes answers queued stats pushes one at a time until ctx ends.
func (l *Link) applyPushes(ctx context.Context, sess *session, pushes *pushQueue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pushes.ready:
		}
		for _, env := range pushes.take() {
			if ctx.Err() != nil {
				return nil
			}
			l.handleRequest(ctx, sess, env)
		}
	}
}

func (l *Link) handleRequest(ctx context.Context, sess *session, env Envelope) {
	rctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()

	resp, err := l.answer(rctx, env)
	if err != nil {
		l.logger.Warn(ctx, "failed to handle daemon request",
			slog.F("type", env.Type),
			slog.Error(err),
		)
	}
	if err := sess.reply(ctx, env.ID, resp, err); err != nil {
		l.logger.Debug(ctx, "failed to reply to daemon", slog.F("type", env.Type), slog.Error(err))
		return
	}
	if env.Type == TypeCheckIfAlive && err == nil {
		l.tellClientsAlive(ctx, sess, resp.(TellClientsAlive))
	}
}

func (l *Link) answer(ctx context.Context, env Envelope) (any, error) {
	if l.handler == nil && env.Type != TypeCheckIfAlive {
		return nil, errors.New("no handler")
	}
	switch env.Type {
	case TypeLatestIoOveruseStats:
		var stats []overuse.PackageIoOveruseStats
		if err := env.Decode(&stats); err != nil {
			return nil, err
		}
		return nil, l.handler.LatestIoOveruseStats(ctx, stats)
	case TypeGetPackageInfosForUIDs:
		var req PackageInfosRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return l.handler.PackageInfosForUIDs(ctx, req.UIDs, req.VendorPackagePrefixes)
	case TypeGetTodayIoUsageStats:
		return l.handler.TodayIoUsageStats(ctx)
	case TypeResetResourceOveruseStats:
		var req ResetStatsRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, l.handler.ResetStats(ctx, req.PackageNames)
	case TypeUserRemoved:
		var ev UserEvent
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		return nil, l.handler.UserRemoved(ctx, ev.UserID)
	case TypePackageRemoved:
		var ev PackageEvent
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		return nil, l.handler.PackageRemoved(ctx, ev.UserID, ev.PackageName)
	case TypePackageChanged:
		var ev PackageEvent
		if err := env.Decode(&ev); err != nil {
			return nil, err
		}
		return nil, l.handler.PackageChanged(ctx, ev.UserID, ev.PackageName)
	case TypeCheckIfAlive:
		var req CheckIfAlive
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return TellClientsAlive{
			SessionID:     req.SessionID,
			NotResponding: l.clients.Check(ctx, req.SessionID, req.Timeout),
		}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func (l *Link) tellClientsAlive(ctx context.Context, sess *session, alive TellClientsAlive) {
	ctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()
	if alive.NotResponding == nil {
		alive.NotResponding = []string{}
	}
	if _, err := sess.roundTrip(ctx, TypeTellClientsAlive, alive); err != nil {
		l.logger.Warn(ctx, "failed to report client liveness",
			slog.F("session_id", alive.SessionID),
			slog.Error(err),
		)
	}
}
