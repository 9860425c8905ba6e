package feedsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Envelope
// ============================================================================

// PushEnvelope is the wire format of every push event. Payload is a row, an
// array of rows, or either of those encoded as a JSON string.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushHandler receives the payload of one push event.
type PushHandler func(payload json.RawMessage)

// PushTransport is a server-push connection delivering enveloped events.
// Handlers run on the transport's reader goroutine, one event at a time, in
// arrival order.
type PushTransport interface {
	Connect(ctx context.Context) error
	On(topic string, h PushHandler)
	Stop() error
	State() RealtimeState
}

// ============================================================================
// Configuration
// ============================================================================

// TokenFunc returns the bearer token for a (re)connect attempt.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// RealtimeConfig configures push transports.
type RealtimeConfig struct {
	Token         TokenFunc
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive redials; negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// StaleTimeout closes an SSE stream that has been silent this long.
	StaleTimeout time.Duration
	// ReadLimit caps a single WebSocket message.
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Token == nil {
		c.Token = StaticToken("")
	}
}

func (c *RealtimeConfig) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]PushHandler
	onState  []func(RealtimeState)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]PushHandler),
	}
}

func (d *eventDispatcher) on(topic string, h PushHandler) {
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

// dispatch runs the topic's handlers on the calling goroutine.
func (d *eventDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	handlers := d.handlers[env.Type]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (d *eventDispatcher) emitState(s RealtimeState) {
	d.mu.RLock()
	handlers := append([]func(RealtimeState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Connection Supervisor
// ============================================================================

// link is one established connection. serve blocks until the connection ends.
type link interface {
	serve(ctx context.Context) error
	close()
}

type dialFunc func(ctx context.Context) (link, error)

// transport supervises a single logical push connection: it dials, serves
// and redials with backoff until stopped.
type transport struct {
	name       string
	config     *RealtimeConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector
	dial       dialFunc

	mu       sync.Mutex
	state    RealtimeState
	current  link
	cancel   context.CancelFunc
	stopping bool
	wg       sync.WaitGroup
}

func newTransport(name string, config *RealtimeConfig) *transport {
	config.defaults()
	return &transport{
		name:       name,
		config:     config,
		log:        config.logger().With().Str("component", "push").Str("transport", name).Logger(),
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
		state:      StateDisconnected,
	}
}

// On registers a handler for a topic.
func (t *transport) On(topic string, h PushHandler) {
	t.dispatcher.on(topic, h)
}

// OnStateChange registers a handler for connection state changes.
func (t *transport) OnStateChange(h func(RealtimeState)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onState = append(t.dispatcher.onState, h)
	t.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (t *transport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) setState(s RealtimeState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.dispatcher.emitState(s)
	}
}

// Connect dials once. On success the connection is served in the background
// and redialed on loss when AutoReconnect is set. Calling Connect while
// connected or connecting is a no-op.
func (t *transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.stopping = false
	t.mu.Unlock()
	t.dispatcher.emitState(StateConnecting)

	l, err := t.dial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.current = l
	t.mu.Unlock()
	t.recon.reset()
	t.recon.markConnected()
	t.setState(StateConnected)
	t.log.Info().Msg("push connected")

	t.wg.Add(1)
	go t.run(runCtx, l)
	return nil
}

// Stop closes the connection and waits for the reader to exit. It must not
// be called from a handler.
func (t *transport) Stop() error {
	t.mu.Lock()
	cancel, l := t.cancel, t.current
	t.cancel, t.current = nil, nil
	t.stopping = true
	t.mu.Unlock()

	if l != nil {
		l.close()
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.setState(StateDisconnected)
	return nil
}

func (t *transport) run(ctx context.Context, l link) {
	defer t.wg.Done()
	for {
		err := l.serve(ctx)
		if ctx.Err() != nil || t.isStopping() {
			return
		}
		t.log.Warn().Err(err).Msg("push connection lost")
		t.setState(StateDisconnected)
		if !t.config.AutoReconnect {
			return
		}
		if l = t.redial(ctx); l == nil {
			return
		}
	}
}

func (t *transport) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

func (t *transport) redial(ctx context.Context) link {
	for t.recon.shouldReconnect() {
		delay := t.recon.nextDelay()
		t.setState(StateReconnecting)
		t.log.Debug().Int("attempt", t.recon.attempt).Dur("delay", delay).Msg("push reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		l, err := t.dial(ctx)
		if err != nil {
			t.log.Warn().Err(err).Msg("push redial failed")
			continue
		}
		t.mu.Lock()
		if ctx.Err() != nil || t.stopping {
			t.mu.Unlock()
			l.close()
			return nil
		}
		t.current = l
		t.mu.Unlock()
		t.recon.markConnected()
		t.setState(StateConnected)
		t.log.Info().Msg("push reconnected")
		return l
	}
	t.setState(StateDisconnected)
	return nil
}

func (t *transport) deliver(data []byte) {
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		t.log.Warn().Err(err).Msg("dropping push event without envelope")
		return
	}
	t.dispatcher.dispatch(env)
}

func pushURL(baseURL, path string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + path
}

func bearerHeader(ctx context.Context, token TokenFunc) (http.Header, error) {
	tok, err := token(ctx)
	if err != nil {
		return nil, fmt.Errorf("push token: %w", err)
	}
	h := http.Header{}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h, nil
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push transport with auto-reconnect and heartbeat.
type WSTransport struct {
	*transport
	baseURL string
}

var _ PushTransport = (*WSTransport)(nil)

// NewWSTransport creates a WebSocket transport connecting to baseURL + "/ws".
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	ws := &WSTransport{transport: newTransport("ws", config), baseURL: baseURL}
	ws.dial = ws.dialWS
	return ws
}

func (ws *WSTransport) dialWS(ctx context.Context) (link, error) {
	header, err := bearerHeader(ctx, ws.config.Token)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, pushURL(ws.baseURL, "/ws"), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)
	return &wsLink{ws: ws, conn: conn}, nil
}

type wsLink struct {
	ws   *WSTransport
	conn *websocket.Conn
}

func (l *wsLink) serve(ctx context.Context) error {
	defer l.conn.Close(websocket.StatusNormalClosure, "")

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.heartbeat(hbCtx)

	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			return err
		}
		l.ws.deliver(data)
	}
}

func (l *wsLink) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := l.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				l.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (l *wsLink) close() {
	l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport is a server-sent-events push transport with auto-reconnect.
type SSETransport struct {
	*transport
	baseURL string
}

var _ PushTransport = (*SSETransport)(nil)

// NewSSETransport creates an SSE transport reading baseURL + "/sse".
func NewSSETransport(baseURL string, config *RealtimeConfig) *SSETransport {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	sse := &SSETransport{transport: newTransport("sse", config), baseURL: strings.TrimRight(baseURL, "/")}
	sse.dial = sse.dialSSE
	return sse
}

func (sse *SSETransport) dialSSE(ctx context.Context) (link, error) {
	header, err := bearerHeader(ctx, sse.config.Token)
	if err != nil {
		return nil, err
	}
	// The stream outlives the dial context; it ends through close or Stop.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, "GET", sse.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = header
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	return &sseLink{sse: sse, resp: resp, cancel: cancel, lastData: time.Now()}, nil
}

type sseLink struct {
	sse    *SSETransport
	resp   *http.Response
	cancel context.CancelFunc

	mu       sync.Mutex
	lastData time.Time
}

var errStreamEnded = errors.New("stream ended")

func (l *sseLink) serve(ctx context.Context) error {
	defer l.resp.Body.Close()
	defer l.cancel()

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go l.watchdog(wdCtx)
	go func() {
		<-wdCtx.Done()
		l.cancel()
	}()

	var event string
	var data bytes.Buffer
	scanner := bufio.NewScanner(l.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(l.sse.config.ReadLimit))
	for scanner.Scan() {
		line := scanner.Text()

		l.mu.Lock()
		l.lastData = time.Now()
		l.mu.Unlock()

		switch {
		case line == "":
			if data.Len() > 0 {
				l.flush(event, data.Bytes())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}

// flush delivers one event. A named event whose data is not an envelope is
// wrapped with the event name as its type.
func (l *sseLink) flush(event string, data []byte) {
	if event != "" {
		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			env = PushEnvelope{Type: event, Payload: append(json.RawMessage(nil), data...)}
			l.sse.dispatcher.dispatch(env)
			return
		}
	}
	l.sse.deliver(data)
}

func (l *sseLink) watchdog(ctx context.Context) {
	interval := l.sse.config.StaleTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			stale := time.Since(l.lastData) > l.sse.config.StaleTimeout
			l.mu.Unlock()
			if stale {
				l.cancel()
				return
			}
		}
	}
}

func (l *sseLink) close() {
	l.cancel()
}
