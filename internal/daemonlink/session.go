package daemonlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// session is one websocket connection. Responses are matched to their
// requests by id.
type session struct {
	conn *websocket.Conn

	mu      sync.Mutex
	waiters map[string]chan Envelope
	done    bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:    conn,
		waiters: make(map[string]chan Envelope),
	}
}

// readLoop reads until the connection fails. Responses go to their waiter,
// everything else to handle.
func (s *session) readLoop(ctx context.Context, handle func(Envelope)) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, s.conn, &env); err != nil {
			return fmt.Errorf("failed to read from daemon: %w", err)
		}
		if env.Type != TypeResponse {
			handle(env)
			continue
		}
		s.mu.Lock()
		ch, ok := s.waiters[env.ID]
		delete(s.waiters, env.ID)
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// roundTrip sends a request and waits for its response. An error reply is
// returned as a *RemoteError.
func (s *session) roundTrip(ctx context.Context, typ MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", typ, err)
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return Envelope{}, ErrDisconnected
	}
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, Envelope{ID: id, Type: typ, Payload: raw}); err != nil {
		return Envelope{}, fmt.Errorf("failed to send %s: %w", typ, err)
	}
	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, ErrDisconnected
		}
		if env.Error != "" {
			return env, &RemoteError{Type: typ, Message: env.Error}
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// reply answers the daemon request id.
func (s *session) reply(ctx context.Context, id string, payload any, replyErr error) error {
	env := Envelope{ID: id, Type: TypeResponse}
	if replyErr != nil {
		env.Error = replyErr.Error()
	} else if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			env.Error = fmt.Sprintf("failed to encode response: %v", err)
		} else {
			env.Payload = raw
		}
	}
	return wsjson.Write(ctx, s.conn, env)
}

// close fails every outstanding roundTrip.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
}
