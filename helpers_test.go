package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errBoom = errors.New("boom")

func rows(t *testing.T, raws ...string) []Row {
	t.Helper()
	out := make([]Row, len(raws))
	for i, r := range raws {
		require.True(t, json.Valid([]byte(r)), "invalid fixture: %s", r)
		out[i] = Row(r)
	}
	return out
}

func keys[E any](items []E, key func(*E) string) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = key(&items[i])
	}
	return out
}

// presenceCall records one SetPresence request.
type presenceCall struct {
	userID string
	online bool
	ctxErr error
}

// fakeAPI is an in-memory API. Fetch hooks, when set, run before the
// canned response is returned.
type fakeAPI struct {
	mu sync.Mutex

	users    []Row
	posts    []Row
	incoming []Row
	outgoing []Row

	usersErr    error
	postsErr    error
	messagesErr error
	loginErr    error
	writeErr    error

	login *LoginResult

	beforeUsers func(ctx context.Context)
	// duringWrite runs inside every post, message and profile write, before
	// the response is returned.
	duringWrite func()

	presence  []presenceCall
	accounts  []AccountOptions
	reminders []string
	created   []string
	sent      []string
	updated   []string
	marked    []string
	profiles  []ProfilePatch

	createEcho Row
	sendEcho   Row
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) FetchUsers(ctx context.Context, _ *Session) ([]Row, error) {
	if f.beforeUsers != nil {
		f.beforeUsers(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, f.usersErr
}

func (f *fakeAPI) FetchPosts(context.Context, *Session) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts, f.postsErr
}

func (f *fakeAPI) FetchMessages(_ context.Context, _ *Session, filter MessageFilter) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	if filter.Recipient != "" {
		return f.incoming, nil
	}
	return f.outgoing, nil
}

func (f *fakeAPI) Login(context.Context, string, string) (*LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.login, nil
}

func (f *fakeAPI) CreateAccount(_ context.Context, opts *AccountOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, *opts)
	return f.writeErr
}

func (f *fakeAPI) SendPasswordReminder(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, email)
	return f.writeErr
}

func (f *fakeAPI) CreatePost(_ context.Context, _ *Session, postID string, _ *PostInput) (Row, error) {
	f.inWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, postID)
	return f.createEcho, f.writeErr
}

func (f *fakeAPI) UpdatePost(_ context.Context, _ *Session, postID string, _ *PostPatch) error {
	f.inWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, postID)
	return f.writeErr
}

func (f *fakeAPI) SendMessage(_ context.Context, _ *Session, id string, _ *MessageInput) (Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return f.sendEcho, f.writeErr
}

func (f *fakeAPI) MarkMessageRead(_ context.Context, _ *Session, id string) error {
	f.inWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.writeErr
}

func (f *fakeAPI) UpdateProfile(_ context.Context, _ *Session, patch *ProfilePatch) error {
	f.inWrite()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, *patch)
	return f.writeErr
}

func (f *fakeAPI) SetPresence(ctx context.Context, sess *Session, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceCall{userID: sess.UserID, online: online, ctxErr: ctx.Err()})
	return f.writeErr
}

func (f *fakeAPI) inWrite() {
	if f.duringWrite != nil {
		f.duringWrite()
	}
}

func (f *fakeAPI) presenceCalls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.presence...)
}

// fakeTransport is a PushTransport driven by the test through emit.
type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[string][]PushHandler
	state      RealtimeState
	connects   int
	stops      int
	connectErr error

	// gate, when set, holds Connect until closed. entered receives once
	// Connect is waiting on gate.
	gate    chan struct{}
	entered chan struct{}
}

var _ PushTransport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]PushHandler), state: StateDisconnected}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connects++
	gate, entered := t.gate, t.entered
	t.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.state = StateConnected
	return nil
}

func (t *fakeTransport) On(topic string, h PushHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = append(t.handlers[topic], h)
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	t.state = StateDisconnected
	return nil
}

func (t *fakeTransport) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// emit delivers payload to the topic's handlers, as the reader goroutine would.
func (t *fakeTransport) emit(topic, payload string) {
	t.mu.Lock()
	handlers := append([]PushHandler(nil), t.handlers[topic]...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(json.RawMessage(payload))
	}
}

// dialer hands out fake transports and remembers them. Transports share the
// dialer's gate and entered channels.
type dialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	gate       chan struct{}
	entered    chan struct{}
}

// blockConnects makes every later Connect wait until the returned function
// is called.
func (d *dialer) blockConnects() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	d.entered = make(chan struct{}, 8)
	gate := d.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// awaitConnect waits for a Connect to block on the gate.
func (d *dialer) awaitConnect(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	entered := d.entered
	d.mu.Unlock()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never started")
	}
}

func (d *dialer) dial(*Session) PushTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTransport()
	t.gate, t.entered = d.gate, d.entered
	d.transports = append(d.transports, t)
	return t
}

func (d *dialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// seededAPI returns an API whose snapshots contain two users (u1 is the
// session user), two posts and one message in each direction.
func seededAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{
		users: rows(t,
			`{"user_id":"u1","firstname":"Ada","lastname":"Lovelace","posts":"[\"p1\"]","photos":"[\"a.jpg\"]","isOnline":0,"index":0}`,
			`{"user_id":"u2","firstname":"Alan","lastname":"Turing","posts":"[\"p2\"]","photos":"[]","isOnline":1,"index":0}`,
		),
		posts: rows(t,
			`{"post_id":"p1","user_id":"u1","text":"first","comments":"[]","likes":"[]","timestamp":"2024-01-01 10:00:00"}`,
			`{"post_id":"p2","user_id":"u2","text":"second","comments":"[]","likes":"[]","timestamp":"2024-01-02 10:00:00"}`,
		),
		incoming: rows(t,
			`{"id":"m1","sender":"u2","recipient":"u1","text":"hi","isRead":0,"timestamp":"2024-01-03 10:00:00"}`,
		),
		outgoing: rows(t,
			`{"id":"m2","sender":"u1","recipient":"u2","text":"hello","isRead":1,"timestamp":"2024-01-03 11:00:00"}`,
		),
		login: &LoginResult{Token: "tok-1", UserID: "u1"},
	}
}
