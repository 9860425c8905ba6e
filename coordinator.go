package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Cache names, also used as mirror keys and change notifications.
const (
	EntityUsers            = "users"
	EntityPosts            = "posts"
	EntityCurrentUser      = currentUserEntity
	EntityIncomingMessages = "incomingMessages"
	EntityOutgoingMessages = "outgoingMessages"
)

type caches struct {
	users    *Cache[UserRow, User]
	posts    *Cache[PostRow, Post]
	current  *CurrentUserCache
	incoming *Cache[MessageRow, Message]
	outgoing *Cache[MessageRow, Message]
}

func newCaches(notify func(entity string)) *caches {
	c := &caches{
		users:    newCache(userSchema),
		posts:    newCache(postSchema),
		current:  &CurrentUserCache{onChange: notify},
		incoming: newCache(messageSchema(EntityIncomingMessages)),
		outgoing: newCache(messageSchema(EntityOutgoingMessages)),
	}
	c.users.onChange = notify
	c.posts.onChange = notify
	c.incoming.onChange = notify
	c.outgoing.onChange = notify
	return c
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator loads snapshots and opens the push channel for a session, and
// discards results that land after the session ended.
type Coordinator struct {
	api    API
	caches *caches
	push   *PushChannel
	log    zerolog.Logger

	// commitMu orders snapshot commits against Stop.
	commitMu sync.Mutex

	mu        sync.Mutex
	sess      *Session
	listeners []func(entity string)
}

// NewCoordinator creates a coordinator. dial may be nil, in which case no push
// channel is opened.
func NewCoordinator(api API, dial TransportFunc, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		api: api,
		log: log.With().Str("component", "sync").Logger(),
	}
	c.caches = newCaches(c.notify)
	if dial != nil {
		c.push = newPushChannel(dial, c.caches, log)
	}
	return c
}

// OnChange registers fn to be called with the cache name after each change.
func (c *Coordinator) OnChange(fn func(entity string)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Coordinator) notify(entity string) {
	c.mu.Lock()
	listeners := c.listeners
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(entity)
	}
}

func (c *Coordinator) Users() View[User] { return c.caches.users }
func (c *Coordinator) Posts() View[Post] { return c.caches.posts }
func (c *Coordinator) CurrentUser() *CurrentUserCache { return c.caches.current }
func (c *Coordinator) IncomingMessages() View[Message] { return c.caches.incoming }
func (c *Coordinator) OutgoingMessages() View[Message] { return c.caches.outgoing }

// PushState returns the push channel state.
func (c *Coordinator) PushState() RealtimeState {
	if c.push == nil {
		return StateDisconnected
	}
	return c.push.State()
}

// Session returns the session being served, if any.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Bootstrap populates the caches for sess. Failing to load users or to find
// the session's own user row is fatal; other failures are logged.
func (c *Coordinator) Bootstrap(ctx context.Context, sess *Session) error {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	log := c.log.With().Str("user_id", sess.UserID).Logger()

	if err := load(c, sess, c.caches.users, func() ([]Row, error) {
		return c.api.FetchUsers(ctx, sess)
	}); err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}

	if err := load(c, sess, c.caches.posts, func() ([]Row, error) {
		return c.api.FetchPosts(ctx, sess)
	}); err != nil {
		log.Warn().Err(err).Msg("fetch posts")
	}

	if err := c.project(sess); err != nil {
		return err
	}

	if c.push != nil {
		if err := c.push.Open(ctx, sess); err != nil {
			log.Warn().Err(err).Msg("open push channel")
		}
	}

	for _, err := range c.loadMessages(ctx, sess) {
		log.Warn().Err(err).Msg("fetch messages")
	}
	log.Info().Msg("bootstrap complete")
	return nil
}

// Refresh reloads every snapshot for the live session. It is the explicit
// recovery path after a push disconnect.
func (c *Coordinator) Refresh(ctx context.Context) error {
	sess := c.Session()
	if sess == nil || sess.Ended() {
		return ErrNotAuthenticated
	}
	var errs []error
	if err := load(c, sess, c.caches.users, func() ([]Row, error) {
		return c.api.FetchUsers(ctx, sess)
	}); err != nil {
		errs = append(errs, fmt.Errorf("fetch users: %w", err))
	} else if err := c.project(sess); err != nil {
		errs = append(errs, err)
	}
	if err := load(c, sess, c.caches.posts, func() ([]Row, error) {
		return c.api.FetchPosts(ctx, sess)
	}); err != nil {
		errs = append(errs, fmt.Errorf("fetch posts: %w", err))
	}
	errs = append(errs, c.loadMessages(ctx, sess)...)
	return errors.Join(errs...)
}

// Stop closes the push channel and empties the caches. Loads still in flight
// for sess are discarded once sess has ended.
func (c *Coordinator) Stop(sess *Session) {
	if c.push != nil {
		if err := c.push.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close push channel")
		}
	}

	c.commitMu.Lock()
	c.caches.users.reset()
	c.caches.posts.reset()
	c.caches.current.clear()
	c.caches.incoming.reset()
	c.caches.outgoing.reset()
	c.commitMu.Unlock()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) project(sess *Session) error {
	u, ok := c.caches.users.Get(sess.UserID)
	if !ok {
		return &UserNotFoundError{UserID: sess.UserID}
	}
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if sess.Ended() {
		return ErrSessionChanged
	}
	c.caches.current.set(u)
	return nil
}

func (c *Coordinator) loadMessages(ctx context.Context, sess *Session) []error {
	var errs []error
	if err := load(c, sess, c.caches.incoming, func() ([]Row, error) {
		return c.api.FetchMessages(ctx, sess, MessageFilter{Recipient: sess.UserID})
	}); err != nil {
		errs = append(errs, fmt.Errorf("fetch incoming messages: %w", err))
	}
	if err := load(c, sess, c.caches.outgoing, func() ([]Row, error) {
		return c.api.FetchMessages(ctx, sess, MessageFilter{Sender: sess.UserID})
	}); err != nil {
		errs = append(errs, fmt.Errorf("fetch outgoing messages: %w", err))
	}
	return errs
}

// load fetches a snapshot and commits it unless sess ended meanwhile. Rows
// that fail to normalize are logged, not returned.
func load[R any, E any](c *Coordinator, sess *Session, cache *Cache[R, E], fetch func() ([]Row, error)) error {
	t := cache.BeginSnapshot()
	rows, err := fetch()
	if err != nil {
		cache.AbortSnapshot(t)
		return err
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if sess.Ended() {
		cache.AbortSnapshot(t)
		c.log.Debug().Str("entity", cache.Entity()).Msg("discarding snapshot of ended session")
		return ErrSessionChanged
	}
	if _, err := cache.CommitSnapshot(t, rows); err != nil {
		c.log.Warn().Err(err).Str("entity", cache.Entity()).Msg("skipped rows")
	}
	return nil
}

// ============================================================================
// Local Mirror
// ============================================================================

// Mirror persists cache snapshots between runs.
type Mirror interface {
	SaveMirror(ctx context.Context, entity string, data []byte) error
	LoadMirror(ctx context.Context, entity string) ([]byte, bool, error)
}

// Mirror writes every cache to m.
func (c *Coordinator) Mirror(ctx context.Context, m Mirror) error {
	snapshots := map[string]any{
		EntityUsers:            c.caches.users.Snapshot(),
		EntityPosts:            c.caches.posts.Snapshot(),
		EntityIncomingMessages: c.caches.incoming.Snapshot(),
		EntityOutgoingMessages: c.caches.outgoing.Snapshot(),
	}
	if u, ok := c.caches.current.Get(); ok {
		snapshots[EntityCurrentUser] = u
	}
	for entity, v := range snapshots {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("mirror %s: %w", entity, err)
		}
		if err := m.SaveMirror(ctx, entity, data); err != nil {
			return fmt.Errorf("mirror %s: %w", entity, err)
		}
	}
	return nil
}

// LoadMirror warms the caches from m. Mirrored entities are valid rows, so
// they go through the regular snapshot path.
func (c *Coordinator) LoadMirror(ctx context.Context, m Mirror) error {
	var errs []error
	warm := func(entity string, loadRows func([]Row) error) {
		data, ok, err := m.LoadMirror(ctx, entity)
		if err != nil {
			errs = append(errs, fmt.Errorf("load mirror %s: %w", entity, err))
			return
		}
		if !ok {
			return
		}
		var rows []Row
		if err := json.Unmarshal(data, &rows); err != nil {
			errs = append(errs, fmt.Errorf("load mirror %s: %w", entity, err))
			return
		}
		if err := loadRows(rows); err != nil {
			errs = append(errs, fmt.Errorf("load mirror %s: %w", entity, err))
		}
	}
	warm(EntityUsers, func(rows []Row) error { _, err := c.caches.users.LoadSnapshot(rows); return err })
	warm(EntityPosts, func(rows []Row) error { _, err := c.caches.posts.LoadSnapshot(rows); return err })
	warm(EntityIncomingMessages, func(rows []Row) error { _, err := c.caches.incoming.LoadSnapshot(rows); return err })
	warm(EntityOutgoingMessages, func(rows []Row) error { _, err := c.caches.outgoing.LoadSnapshot(rows); return err })

	data, ok, err := m.LoadMirror(ctx, EntityCurrentUser)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("load mirror %s: %w", EntityCurrentUser, err))
	case ok:
		if err := c.caches.current.ApplyDelta(data); err != nil {
			errs = append(errs, fmt.Errorf("load mirror %s: %w", EntityCurrentUser, err))
		}
	}
	return errors.Join(errs...)
}
