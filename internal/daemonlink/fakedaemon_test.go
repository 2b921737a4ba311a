package daemonlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

// reaction is how the fake daemon answers one request.
type reaction struct {
	payload any
	err     string
	// hangup drops the connection instead of answering.
	hangup bool
	// silent never answers.
	silent bool
}

// fakeDaemon is a websocket server speaking the daemon protocol.
type fakeDaemon struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	refuse   bool
	connects int
	received []Envelope
	configs  []json.RawMessage
	react    map[MessageType][]reaction
	conn     *websocket.Conn
	replies  chan Envelope
	stashed  map[string]Envelope
	sent     int
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{
		t:       t,
		react:   make(map[MessageType][]reaction),
		replies: make(chan Envelope, 16),
		stashed: make(map[string]Envelope),
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serveHTTP))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDaemon) url() string {
	return "ws" + strings.TrimPrefix(d.srv.URL, "http")
}

func (d *fakeDaemon) serveHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	refuse := d.refuse
	d.mu.Unlock()
	if refuse {
		http.Error(w, "daemon not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	d.mu.Lock()
	d.connects++
	d.conn = conn
	d.mu.Unlock()

	ctx := r.Context()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		if env.Type == TypeResponse {
			d.replies <- env
			continue
		}
		re := d.record(env)
		switch {
		case re.hangup:
			return
		case re.silent:
			continue
		}
		resp := Envelope{ID: env.ID, Type: TypeResponse, Error: re.err}
		if re.payload != nil {
			raw, err := json.Marshal(re.payload)
			if err != nil {
				return
			}
			resp.Payload = raw
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

func (d *fakeDaemon) record(env Envelope) reaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, env)

	if queued := d.react[env.Type]; len(queued) > 0 {
		d.react[env.Type] = queued[1:]
		return queued[0]
	}
	switch env.Type {
	case TypeSyncConfigurations:
		d.configs = append(d.configs, env.Payload)
		return reaction{}
	case TypeGetConfigurations:
		if len(d.configs) == 0 {
			return reaction{payload: SyncConfigurations{}}
		}
		return reaction{payload: d.configs[len(d.configs)-1]}
	case TypeLivenessCheck:
		return reaction{payload: env.Payload}
	default:
		return reaction{}
	}
}

// then queues reactions for the next requests of a type.
func (d *fakeDaemon) then(typ MessageType, rs ...reaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.react[typ] = append(d.react[typ], rs...)
}

func (d *fakeDaemon) setRefuse(refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = refuse
}

func (d *fakeDaemon) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// types returns the types of the received requests, in order.
func (d *fakeDaemon) types() []MessageType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MessageType, 0, len(d.received))
	for _, env := range d.received {
		out = append(out, env.Type)
	}
	return out
}

func (d *fakeDaemon) count(typ MessageType) int {
	n := 0
	for _, got := range d.types() {
		if got == typ {
			n++
		}
	}
	return n
}

// lastOf returns the most recent request of a type.
func (d *fakeDaemon) lastOf(typ MessageType) (Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.received) - 1; i >= 0; i-- {
		if d.received[i].Type == typ {
			return d.received[i], true
		}
	}
	return Envelope{}, false
}

// send pushes a daemon-initiated request and waits for the reply.
func (d *fakeDaemon) send(ctx context.Context, typ MessageType, payload any) Envelope {
	d.t.Helper()
	return d.await(ctx, d.post(ctx, typ, payload))
}

// post pushes a daemon-initiated request and returns its id.
func (d *fakeDaemon) post(ctx context.Context, typ MessageType, payload any) string {
	d.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(d.t, err)

	d.mu.Lock()
	conn := d.conn
	d.sent++
	id := fmt.Sprintf("%s-%d", typ, d.sent)
	d.mu.Unlock()
	require.NotNil(d.t, conn)

	require.NoError(d.t, wsjson.Write(ctx, conn, Envelope{ID: id, Type: typ, Payload: raw}))
	return id
}

// await waits for the reply to id. Replies to other requests are kept for
// their own await.
func (d *fakeDaemon) await(ctx context.Context, id string) Envelope {
	d.t.Helper()
	d.mu.Lock()
	env, ok := d.stashed[id]
	delete(d.stashed, id)
	d.mu.Unlock()
	if ok {
		return env
	}
	for {
		select {
		case env := <-d.replies:
			if env.ID == id {
				return env
			}
			d.mu.Lock()
			d.stashed[env.ID] = env
			d.mu.Unlock()
		case <-ctx.Done():
			d.t.Fatalf("no reply to %s: %v", id, ctx.Err())
			return Envelope{}
		}
	}
}

type linkOptions func(*Options)

func newTestLink(t *testing.T, d *fakeDaemon, opts ...linkOptions) *Link {
	t.Helper()
	o := Options{
		Logger:           slogtestLogger(t),
		Clock:            quartz.NewMock(t),
		Dialer:           WebsocketDialer(d.url(), ""),
		RequestTimeout:   time.Second,
		LivenessInterval: time.Hour,
		LivenessTimeout:  100 * time.Millisecond,
		RetryFloor:       5 * time.Millisecond,
		RetryCeil:        20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	l := New(o)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func slogtestLogger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func requireState(t *testing.T, l *Link, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == want }, 5*time.Second, 5*time.Millisecond,
		"link never reached %s", want)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
