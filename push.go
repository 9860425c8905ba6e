package feedsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Push topics.
const (
	TopicUsers    = "users"
	TopicPosts    = "posts"
	TopicMessages = "messages"
)

// TransportFunc creates the push transport for a session.
type TransportFunc func(sess *Session) PushTransport

// PushChannel routes push events of one session into the caches.
type PushChannel struct {
	dial   TransportFunc
	caches *caches
	log    zerolog.Logger

	// t is published before Connect runs, so Close and a second Open see a
	// transport that is still connecting.
	mu         sync.Mutex
	t          PushTransport
	sess       *Session
	connecting bool
}

func newPushChannel(dial TransportFunc, c *caches, log zerolog.Logger) *PushChannel {
	return &PushChannel{
		dial:   dial,
		caches: c,
		log:    log.With().Str("component", "push").Logger(),
	}
}

// Open connects the push channel for sess. It is a no-op while a transport for
// the same session is connected or connecting. A transport whose session ended
// or that was closed while connecting is stopped before Open returns.
func (p *PushChannel) Open(ctx context.Context, sess *Session) error {
	if sess.Ended() {
		return ErrSessionChanged
	}
	p.mu.Lock()
	if p.t != nil && p.sess == sess && (p.connecting || p.t.State() != StateDisconnected) {
		p.mu.Unlock()
		return nil
	}
	old := p.t
	t := p.dial(sess)
	p.t, p.sess, p.connecting = t, sess, true
	p.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	t.On(TopicUsers, func(payload json.RawMessage) { p.onUsers(sess, payload) })
	t.On(TopicPosts, func(payload json.RawMessage) { p.onPosts(sess, payload) })
	t.On(TopicMessages, func(payload json.RawMessage) { p.onMessages(sess, payload) })
	err := t.Connect(ctx)

	p.mu.Lock()
	current := p.t == t
	if current {
		p.connecting = false
		if err != nil || sess.Ended() {
			p.t, p.sess = nil, nil
		}
	}
	p.mu.Unlock()

	switch {
	case err != nil:
		t.Stop()
		return err
	case !current || sess.Ended():
		t.Stop()
		p.log.Debug().Str("user_id", sess.UserID).Msg("push channel closed while connecting")
		return ErrSessionChanged
	}
	p.log.Info().Str("user_id", sess.UserID).Msg("push channel open")
	return nil
}

// Close stops the transport, including one still connecting, and forgets it so
// a later Open reconnects.
func (p *PushChannel) Close() error {
	p.mu.Lock()
	t := p.t
	p.t, p.sess, p.connecting = nil, nil, false
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Stop()
}

// State returns the transport state, or StateDisconnected when closed.
func (p *PushChannel) State() RealtimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.t == nil {
		return StateDisconnected
	}
	return p.t.State()
}

func (p *PushChannel) onUsers(sess *Session, payload json.RawMessage) {
	if sess.Ended() {
		return
	}
	rows := p.rows(TopicUsers, payload)
	if err := p.caches.users.ApplyDelta(rows...); err != nil {
		p.log.Warn().Err(err).Str("topic", TopicUsers).Msg("skipped rows")
	}
	for _, r := range rows {
		if rowKey(r, "user_id", "userID") != sess.UserID {
			continue
		}
		if err := p.caches.current.ApplyDelta(r); err != nil {
			p.log.Warn().Err(err).Str("entity", currentUserEntity).Msg("skipped row")
		}
	}
}

func (p *PushChannel) onPosts(sess *Session, payload json.RawMessage) {
	if sess.Ended() {
		return
	}
	if err := p.caches.posts.ApplyDelta(p.rows(TopicPosts, payload)...); err != nil {
		p.log.Warn().Err(err).Str("topic", TopicPosts).Msg("skipped rows")
	}
}

// onMessages routes each row by direction. A row may land in both caches
// when the user messages themself.
func (p *PushChannel) onMessages(sess *Session, payload json.RawMessage) {
	if sess.Ended() {
		return
	}
	for _, r := range p.rows(TopicMessages, payload) {
		key := rowKey(r, "id", "message_id")
		doc := gjson.ParseBytes(r)
		incoming := doc.Get("recipient").String() == sess.UserID || p.caches.incoming.Has(key)
		outgoing := doc.Get("sender").String() == sess.UserID || p.caches.outgoing.Has(key)
		if !incoming && !outgoing {
			p.log.Debug().Str("key", key).Msg("message for another user")
			continue
		}
		if incoming {
			if err := p.caches.incoming.ApplyDelta(r); err != nil {
				p.log.Warn().Err(err).Str("entity", p.caches.incoming.Entity()).Msg("skipped row")
			}
		}
		if outgoing {
			if err := p.caches.outgoing.ApplyDelta(r); err != nil {
				p.log.Warn().Err(err).Str("entity", p.caches.outgoing.Entity()).Msg("skipped row")
			}
		}
	}
}

// rows splits a payload into object rows. The payload may be one row, an
// array of rows, or either of those wrapped in a JSON string.
func (p *PushChannel) rows(topic string, payload json.RawMessage) []Row {
	res := unwrapString(gjson.ParseBytes(payload))
	switch {
	case res.IsArray():
		items := res.Array()
		rows := make([]Row, 0, len(items))
		for _, item := range items {
			if item = unwrapString(item); item.IsObject() {
				rows = append(rows, Row(item.Raw))
				continue
			}
			p.log.Warn().Str("topic", topic).Msg("dropping non-object row")
		}
		return rows
	case res.IsObject():
		return []Row{Row(res.Raw)}
	default:
		p.log.Warn().Str("topic", topic).Msg("dropping payload of unexpected shape")
		return nil
	}
}

func unwrapString(res gjson.Result) gjson.Result {
	if res.Type == gjson.String {
		return gjson.Parse(res.Str)
	}
	return res
}

// rowKey returns the first non-empty key among names.
func rowKey(r Row, names ...string) string {
	doc := gjson.ParseBytes(r)
	for _, name := range names {
		if v := doc.Get(name); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
