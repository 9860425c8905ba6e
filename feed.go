package feedsync

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	API   API
	Store CredentialStore
	// Transport creates the push transport of a session. Nil disables push.
	Transport TransportFunc
	Lifecycle LifecycleSource
	Logger    *zerolog.Logger
	// PresenceTimeout bounds keep-alive presence requests.
	PresenceTimeout time.Duration
	// NewID generates keys for optimistic writes.
	NewID func() string
	Now   func() time.Time
}

func (c *FeedConfig) defaults() {
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Feed is the UI-facing surface: read-only cache views plus the operations
// that change them.
type Feed struct {
	api     API
	coord   *Coordinator
	session *SessionManager
	log     zerolog.Logger
	newID   func() string
	now     func() time.Time
}

func NewFeed(cfg FeedConfig) *Feed {
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	coord := NewCoordinator(cfg.API, cfg.Transport, log)
	return &Feed{
		api:   cfg.API,
		coord: coord,
		session: NewSessionManager(SessionConfig{
			API:             cfg.API,
			Store:           cfg.Store,
			Coordinator:     coord,
			Lifecycle:       cfg.Lifecycle,
			Logger:          &log,
			PresenceTimeout: cfg.PresenceTimeout,
			Now:             cfg.Now,
		}),
		log:   log.With().Str("component", "feed").Logger(),
		newID: cfg.NewID,
		now:   cfg.Now,
	}
}

// ============================================================================
// Views
// ============================================================================

func (f *Feed) Users() View[User] { return f.coord.Users() }
func (f *Feed) Posts() View[Post] { return f.coord.Posts() }
func (f *Feed) IncomingMessages() View[Message] { return f.coord.IncomingMessages() }
func (f *Feed) OutgoingMessages() View[Message] { return f.coord.OutgoingMessages() }

// CurrentUser returns the signed-in user's projection.
func (f *Feed) CurrentUser() (User, bool) { return f.coord.CurrentUser().Get() }

func (f *Feed) State() SessionState { return f.session.State() }
func (f *Feed) Session() *Session { return f.session.Session() }
func (f *Feed) PushState() RealtimeState { return f.coord.PushState() }
func (f *Feed) OnChange(fn func(string)) { f.coord.OnChange(fn) }
func (f *Feed) SetLifecycle(src LifecycleSource) { f.session.SetLifecycle(src) }

// OnStateChange registers fn for session state transitions.
func (f *Feed) OnStateChange(fn func(SessionState)) { f.session.OnStateChange(fn) }

// ============================================================================
// Session
// ============================================================================

func (f *Feed) Login(ctx context.Context, email, password string) error {
	return f.session.Login(ctx, email, password)
}

func (f *Feed) Logout(ctx context.Context) error {
	return f.session.Logout(ctx)
}

func (f *Feed) Restore(ctx context.Context) error {
	return f.session.Restore(ctx)
}

// Refresh reloads every snapshot of the live session.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.session.Session() == nil {
		return ErrNotAuthenticated
	}
	return f.coord.Refresh(ctx)
}

// Mirror writes the caches to m.
func (f *Feed) Mirror(ctx context.Context, m Mirror) error {
	return f.coord.Mirror(ctx, m)
}

// LoadMirror warms the caches from m, for reading before a session is live.
func (f *Feed) LoadMirror(ctx context.Context, m Mirror) error {
	return f.coord.LoadMirror(ctx, m)
}

// ============================================================================
// Account
// ============================================================================

// CreateAccount registers a new user. The index is the number of existing
// users with the same first and last name.
func (f *Feed) CreateAccount(ctx context.Context, opts AccountOptions) error {
	rows, err := f.api.FetchUsers(ctx, f.session.Session())
	if err != nil {
		return err
	}
	opts.Index = 0
	for _, r := range rows {
		u, err := NormalizeUser(r)
		if err != nil {
			f.log.Warn().Err(err).Msg("skipping user row")
			continue
		}
		if u.Firstname == opts.Firstname && u.Lastname == opts.Lastname {
			opts.Index++
		}
	}
	return f.api.CreateAccount(ctx, &opts)
}

func (f *Feed) SendPasswordReminder(ctx context.Context, email string) error {
	return f.api.SendPasswordReminder(ctx, email)
}

// ============================================================================
// Optimistic Writes
// ============================================================================

// CreatePost inserts the post at the front of Posts and its key at the front
// of the owner's posts, then sends it. A failed send removes both again.
func (f *Feed) CreatePost(ctx context.Context, in PostInput) (Post, error) {
	sess := f.session.Session()
	if sess == nil {
		return Post{}, ErrNotAuthenticated
	}
	c := f.coord.caches
	post := Post{
		PostID:     f.newID(),
		UserID:     sess.UserID,
		Text:       in.Text,
		PhotoURL:   in.PhotoURL,
		YoutubeURL: in.YoutubeURL,
		IsPhoto:    in.IsPhoto,
		IsYoutube:  in.IsYoutube,
		Comments:   []json.RawMessage{},
		Likes:      []json.RawMessage{},
		Timestamp:  f.now().UTC(),
	}

	c.posts.put(post)
	c.users.update(sess.UserID, func(u *User) { u.Posts = prependPost(u.Posts, post.PostID) })
	c.current.update(sess.UserID, func(u *User) { u.Posts = prependPost(u.Posts, post.PostID) })

	row, err := f.api.CreatePost(ctx, sess, post.PostID, &in)
	if err != nil {
		if !sess.Ended() {
			c.posts.remove(post.PostID)
			c.users.update(sess.UserID, func(u *User) { u.Posts = dropPost(u.Posts, post.PostID) })
			c.current.update(sess.UserID, func(u *User) { u.Posts = dropPost(u.Posts, post.PostID) })
		}
		return Post{}, err
	}
	if row != nil && !sess.Ended() {
		if err := c.posts.ApplyDelta(row); err != nil {
			f.log.Warn().Err(err).Msg("created post echo")
		}
	}
	if p, ok := c.posts.Get(post.PostID); ok {
		return p, nil
	}
	return post, nil
}

func prependPost(posts []string, postID string) []string {
	return append([]string{postID}, posts...)
}

// dropPost removes postID without touching keys added meanwhile.
func dropPost(posts []string, postID string) []string {
	return slices.DeleteFunc(slices.Clone(posts), func(id string) bool { return id == postID })
}

// UpdatePost merges patch into the cached post, then sends it. A failed send
// restores the patched fields only.
func (f *Feed) UpdatePost(ctx context.Context, postID string, patch PostPatch) error {
	sess := f.session.Session()
	if sess == nil {
		return ErrNotAuthenticated
	}
	c := f.coord.caches
	prev, cached := c.posts.Get(postID)
	if cached {
		if err := c.posts.apply(patch.row(postID)); err != nil {
			return err
		}
	}
	if err := f.api.UpdatePost(ctx, sess, postID, &patch); err != nil {
		if cached && !sess.Ended() {
			c.posts.update(postID, func(p *Post) { patch.restore(p, &prev) })
		}
		return err
	}
	return nil
}

// SendMessage appends the message to the outgoing messages, then sends it. A
// failed send removes it again.
func (f *Feed) SendMessage(ctx context.Context, in MessageInput) (Message, error) {
	sess := f.session.Session()
	if sess == nil {
		return Message{}, ErrNotAuthenticated
	}
	c := f.coord.caches
	msg := Message{
		ID:        f.newID(),
		Sender:    sess.UserID,
		Recipient: in.Recipient,
		Text:      in.Text,
		PhotoURL:  in.PhotoURL,
		IsPhoto:   in.IsPhoto,
		Timestamp: f.now().UTC(),
	}
	c.outgoing.put(msg)

	row, err := f.api.SendMessage(ctx, sess, msg.ID, &in)
	if err != nil {
		if !sess.Ended() {
			c.outgoing.remove(msg.ID)
		}
		return Message{}, err
	}
	if row != nil && !sess.Ended() {
		if err := c.outgoing.ApplyDelta(row); err != nil {
			f.log.Warn().Err(err).Msg("sent message echo")
		}
	}
	if m, ok := c.outgoing.Get(msg.ID); ok {
		return m, nil
	}
	return msg, nil
}

// MarkMessageRead flags an incoming message as read, then sends it. A failed
// send restores the previous flag.
func (f *Feed) MarkMessageRead(ctx context.Context, id string) error {
	sess := f.session.Session()
	if sess == nil {
		return ErrNotAuthenticated
	}
	c := f.coord.caches
	prev, cached := c.incoming.Get(id)
	if cached {
		c.incoming.update(id, func(m *Message) { m.IsRead = true })
	}
	if err := f.api.MarkMessageRead(ctx, sess, id); err != nil {
		if cached && !sess.Ended() {
			c.incoming.update(id, func(m *Message) { m.IsRead = prev.IsRead })
		}
		return err
	}
	return nil
}

// UpdateProfile merges patch into the signed-in user in Users and
// CurrentUser, then sends it. A failed send restores the patched fields of
// both.
func (f *Feed) UpdateProfile(ctx context.Context, patch ProfilePatch) error {
	sess := f.session.Session()
	if sess == nil {
		return ErrNotAuthenticated
	}
	c := f.coord.caches
	row := patch.row(sess.UserID)
	prevUser, hadUser := c.users.Get(sess.UserID)
	prevCurrent, hadCurrent := c.current.Get()
	if hadUser {
		if err := c.users.apply(row); err != nil {
			return err
		}
	}
	if hadCurrent {
		if err := c.current.apply(&row); err != nil {
			return err
		}
	}

	if err := f.api.UpdateProfile(ctx, sess, &patch); err != nil {
		if !sess.Ended() {
			if hadUser {
				c.users.update(sess.UserID, func(u *User) { patch.restore(u, &prevUser) })
			}
			if hadCurrent {
				c.current.update(sess.UserID, func(u *User) { patch.restore(u, &prevCurrent) })
			}
		}
		return err
	}
	return nil
}

// ============================================================================
// Patch Rows
// ============================================================================

func (p *PostPatch) row(postID string) PostRow {
	r := PostRow{
		PostID:     Some(ID(postID)),
		Text:       p.Text,
		PhotoURL:   p.PhotoURL,
		YoutubeURL: p.YoutubeURL,
		IsPhoto:    flagOpt(p.IsPhoto),
		IsYoutube:  flagOpt(p.IsYoutube),
	}
	if v, ok := p.Comments.Get(); ok {
		r.Comments = Some(rawJSON(nonNil(v)))
	}
	if v, ok := p.Likes.Get(); ok {
		r.Likes = Some(rawJSON(nonNil(v)))
	}
	return r
}

func (p *ProfilePatch) row(userID string) UserRow {
	r := UserRow{
		UserID:               Some(ID(userID)),
		Firstname:            p.Firstname,
		Lastname:             p.Lastname,
		ProfilePictureURL:    p.ProfilePictureURL,
		BackgroundPictureURL: p.BackgroundPictureURL,
	}
	if v, ok := p.Photos.Get(); ok {
		r.Photos = Some(rawJSON(nonNil(v)))
	}
	return r
}

// restore copies the fields set in p back from prev.
func (p *PostPatch) restore(post, prev *Post) {
	if p.Text.Set {
		post.Text = prev.Text
	}
	if p.PhotoURL.Set {
		post.PhotoURL = prev.PhotoURL
	}
	if p.YoutubeURL.Set {
		post.YoutubeURL = prev.YoutubeURL
	}
	if p.IsPhoto.Set {
		post.IsPhoto = prev.IsPhoto
	}
	if p.IsYoutube.Set {
		post.IsYoutube = prev.IsYoutube
	}
	if p.Comments.Set {
		post.Comments = prev.Comments
	}
	if p.Likes.Set {
		post.Likes = prev.Likes
	}
}

func (p *ProfilePatch) restore(u, prev *User) {
	if p.Firstname.Set {
		u.Firstname = prev.Firstname
	}
	if p.Lastname.Set {
		u.Lastname = prev.Lastname
	}
	if p.ProfilePictureURL.Set {
		u.ProfilePictureURL = prev.ProfilePictureURL
	}
	if p.BackgroundPictureURL.Set {
		u.BackgroundPictureURL = prev.BackgroundPictureURL
	}
	if p.Photos.Set {
		u.Photos = prev.Photos
	}
}

func flagOpt(o Opt[bool]) Opt[Flag] {
	return Opt[Flag]{Value: Flag(o.Value), Set: o.Set}
}
