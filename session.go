package feedsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// Session is one signed-in identity. Once ended it stays ended; a new login
// creates a new Session.
type Session struct {
	Credentials
	ended atomic.Bool
}

func NewSession(creds Credentials) *Session {
	return &Session{Credentials: creds}
}

// End marks the session as ended. Results of work started under it are
// discarded from then on.
func (s *Session) End() { s.ended.Store(true) }

// Ended reports whether End was called.
func (s *Session) Ended() bool { return s.ended.Load() }

// SessionState is a state of the session lifecycle.
type SessionState string

const (
	SignedOut      SessionState = "signed-out"
	Authenticating SessionState = "authenticating"
	SignedIn       SessionState = "signed-in"
	SigningOut     SessionState = "signing-out"
)

// ============================================================================
// Session Manager
// ============================================================================

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	API         API
	Store       CredentialStore
	Coordinator *Coordinator
	Lifecycle   LifecycleSource
	Logger      *zerolog.Logger
	// PresenceTimeout bounds presence requests that must outlive their caller.
	PresenceTimeout time.Duration
	// Now is the clock used for token expiry.
	Now func() time.Time
}

func (c *SessionConfig) defaults() {
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
}

// SessionManager drives the session through
// SignedOut -> Authenticating -> SignedIn -> SigningOut -> SignedOut.
//
// Entering SignedIn persists the credentials, subscribes to lifecycle
// signals and reports the user online. Leaving it unsubscribes, reports the
// user offline, stops the coordinator and purges the credentials. A failure
// while Authenticating returns to SignedOut with the credentials purged.
type SessionManager struct {
	api   API
	store CredentialStore
	coord *Coordinator
	log   zerolog.Logger
	cfg   SessionConfig

	// presenceMu orders presence reports, so an online report never
	// overtakes the offline report of the same session.
	presenceMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	sess        *Session
	lifecycle   LifecycleSource
	unsubscribe func()
	listeners   []func(SessionState)
}

func NewSessionManager(cfg SessionConfig) *SessionManager {
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &SessionManager{
		api:       cfg.API,
		store:     cfg.Store,
		coord:     cfg.Coordinator,
		log:       log.With().Str("component", "session").Logger(),
		cfg:       cfg,
		state:     SignedOut,
		lifecycle: cfg.Lifecycle,
	}
}

// State returns the current state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session, or nil unless signed in.
func (m *SessionManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != SignedIn {
		return nil
	}
	return m.sess
}

// OnStateChange registers fn to be called after every transition.
func (m *SessionManager) OnStateChange(fn func(SessionState)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetLifecycle replaces the lifecycle source. A signed-in session moves its
// subscription to src.
func (m *SessionManager) SetLifecycle(src LifecycleSource) {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.lifecycle = src
	if m.state == SignedIn && src != nil {
		m.unsubscribe = src.Subscribe(m.lifecycleHandler(m.sess))
	}
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// transition notifies listeners of s. State changes happen under mu where
// they are decided; a notification whose state was superseded meanwhile is
// dropped.
func (m *SessionManager) transition(sess *Session, s SessionState) {
	m.mu.Lock()
	if m.state != s || m.sess != sess {
		m.mu.Unlock()
		return
	}
	listeners := m.listeners
	m.mu.Unlock()
	m.log.Info().Str("state", string(s)).Msg("session state")
	for _, fn := range listeners {
		fn(s)
	}
}

// begin enters Authenticating from SignedOut. The returned session has no
// credentials yet; Logout may end it while authenticating.
func (m *SessionManager) begin() (*Session, error) {
	m.mu.Lock()
	if m.state != SignedOut {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	sess := &Session{}
	m.state = Authenticating
	m.sess = sess
	m.mu.Unlock()
	m.transition(sess, Authenticating)
	return sess, nil
}

// Restore resumes the session stored in the credential store.
func (m *SessionManager) Restore(ctx context.Context) error {
	sess, err := m.begin()
	if err != nil {
		return err
	}
	creds, err := m.store.Load(ctx)
	if err != nil {
		m.fail(ctx, sess, err)
		return err
	}
	if !creds.Valid() {
		m.fail(ctx, sess, ErrNotAuthenticated)
		return ErrNotAuthenticated
	}
	if tokenExpired(creds.Token, m.cfg.Now()) {
		m.fail(ctx, sess, ErrSessionExpired)
		return ErrSessionExpired
	}
	return m.authenticate(ctx, sess, creds)
}

// Login signs in with e-mail and password.
func (m *SessionManager) Login(ctx context.Context, email, password string) error {
	sess, err := m.begin()
	if err != nil {
		return err
	}
	res, err := m.api.Login(ctx, email, password)
	if err != nil {
		m.fail(ctx, sess, err)
		return err
	}
	if v, ok := res.EmailVerified.Get(); ok && !bool(v) {
		m.fail(ctx, sess, ErrEmailNotVerified)
		return ErrEmailNotVerified
	}
	creds := Credentials{Token: res.Token, UserID: res.UserID}
	if !creds.Valid() {
		err := errors.New("login response without token or user id")
		m.fail(ctx, sess, err)
		return err
	}
	return m.authenticate(ctx, sess, creds)
}

func (m *SessionManager) authenticate(ctx context.Context, sess *Session, creds Credentials) error {
	if sess.Ended() {
		m.fail(ctx, sess, ErrSessionChanged)
		return ErrSessionChanged
	}
	m.mu.Lock()
	sess.Credentials = creds
	m.mu.Unlock()

	if err := m.coord.Bootstrap(ctx, sess); err != nil {
		m.fail(ctx, sess, err)
		return err
	}

	if sess.Ended() {
		m.fail(ctx, sess, ErrSessionChanged)
		return ErrSessionChanged
	}
	// Credentials are persisted while still Authenticating; a Logout in the
	// meantime ends sess and the purge below removes them again.
	if err := m.store.Save(ctx, creds); err != nil {
		m.log.Warn().Err(err).Msg("persist credentials")
	}

	m.mu.Lock()
	if sess.Ended() || m.sess != sess {
		m.mu.Unlock()
		m.fail(ctx, sess, ErrSessionChanged)
		return ErrSessionChanged
	}
	m.state = SignedIn
	if m.unsubscribe == nil && m.lifecycle != nil {
		m.unsubscribe = m.lifecycle.Subscribe(m.lifecycleHandler(sess))
	}
	m.mu.Unlock()

	m.transition(sess, SignedIn)
	m.setPresence(ctx, sess, true)
	return nil
}

// fail returns to SignedOut and purges durable credentials.
func (m *SessionManager) fail(ctx context.Context, sess *Session, cause error) {
	m.log.Error().Err(cause).Msg("authentication failed")
	sess.End()
	m.mu.Lock()
	current := m.sess == sess
	m.mu.Unlock()
	if !current {
		return
	}
	m.coord.Stop(sess)
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn().Err(err).Msg("purge credentials")
	}
	m.signOut(sess)
}

// signOut returns to SignedOut unless another session took over.
func (m *SessionManager) signOut(sess *Session) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.state = SignedOut
	m.mu.Unlock()
	m.transition(nil, SignedOut)
}

// Logout ends the session. While authenticating it cancels the attempt,
// which then returns to SignedOut on its own.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Authenticating:
		m.sess.End()
		m.mu.Unlock()
		return nil
	case SignedIn:
	default:
		m.mu.Unlock()
		return nil
	}
	sess := m.sess
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.state = SigningOut
	m.mu.Unlock()
	m.transition(sess, SigningOut)

	if unsub != nil {
		unsub()
	}
	sess.End()
	m.setPresence(ctx, sess, false)
	m.coord.Stop(sess)
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn().Err(err).Msg("purge credentials")
	}
	m.signOut(sess)
	return nil
}

// setPresence reports presence with a request that survives ctx being
// cancelled, as on page unload. Failures are logged and swallowed. An ended
// session is never reported online.
func (m *SessionManager) setPresence(ctx context.Context, sess *Session, online bool) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	if online && sess.Ended() {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PresenceTimeout)
	defer cancel()
	if err := m.api.SetPresence(pctx, sess, online); err != nil {
		m.log.Warn().Err(err).Bool("online", online).Msg("presence update failed")
	}
}

func (m *SessionManager) lifecycleHandler(sess *Session) LifecycleHandler {
	return func(ev LifecycleEvent) {
		m.mu.Lock()
		live := m.state == SignedIn && m.sess == sess
		m.mu.Unlock()
		if !live {
			return
		}
		m.log.Debug().Str("event", string(ev)).Msg("lifecycle")
		m.setPresence(context.Background(), sess, ev.Online())
	}
}

// TokenExpiry returns the exp claim of a JWT token. The signature is not
// verified. ok is false for opaque tokens and tokens without exp.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	date, err := claims.GetExpirationTime()
	if err != nil || date == nil {
		return time.Time{}, false
	}
	return date.Time, true
}

func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !exp.After(now)
}
