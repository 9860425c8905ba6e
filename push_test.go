package feedsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootstrapped(t *testing.T) (*Coordinator, *fakeTransport, *Session) {
	t.Helper()
	c, d := newTestCoordinator(t, seededAPI(t))
	sess := NewSession(Credentials{Token: "t", UserID: "u1"})
	require.NoError(t, c.Bootstrap(context.Background(), sess))
	return c, d.last(), sess
}

func TestPushChannelUsers(t *testing.T) {
	t.Run("presence flip patches users and current user", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		tr.emit(TopicUsers, `{"user_id":"u1","isOnline":1}`)

		u, _ := c.Users().Get("u1")
		assert.True(t, u.IsOnline)
		assert.Equal(t, "Ada", u.Firstname)
		me, _ := c.CurrentUser().Get()
		assert.True(t, me.IsOnline)
		assert.Equal(t, []string{"p1"}, me.Posts)
	})

	t.Run("other users leave the current user alone", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		tr.emit(TopicUsers, `{"user_id":"u2","firstname":"Alonzo"}`)

		u, _ := c.Users().Get("u2")
		assert.Equal(t, "Alonzo", u.Firstname)
		me, _ := c.CurrentUser().Get()
		assert.Equal(t, "Ada", me.Firstname)
	})

	t.Run("payload shapes", func(t *testing.T) {
		for name, payload := range map[string]string{
			"string row":      `"{\"user_id\":\"u7\"}"`,
			"array":           `[{"user_id":"u7"}]`,
			"string array":    `"[{\"user_id\":\"u7\"}]"`,
			"array of string": `["{\"user_id\":\"u7\"}"]`,
		} {
			t.Run(name, func(t *testing.T) {
				c, tr, _ := bootstrapped(t)
				tr.emit(TopicUsers, payload)
				assert.True(t, c.Users().Has("u7"))
			})
		}
	})

	t.Run("junk is dropped", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		before := c.Users().Snapshot()
		tr.emit(TopicUsers, `42`)
		tr.emit(TopicUsers, `[1,"x"]`)
		tr.emit(TopicUsers, `{"firstname":"no key"}`)
		assert.Equal(t, before, c.Users().Snapshot())
	})
}

func TestPushChannelPosts(t *testing.T) {
	c, tr, _ := bootstrapped(t)

	tr.emit(TopicPosts, `{"post_id":"p9","user_id":"u2","text":"new","timestamp":"2020-01-01 00:00:00"}`)
	assert.Equal(t, []string{"p9", "p2", "p1"}, keys(c.Posts().Snapshot(), postKey))

	tr.emit(TopicPosts, `{"postID":"p1","likes":"[\"u2\"]"}`)
	p, _ := c.Posts().Get("p1")
	assert.Len(t, p.Likes, 1)
	assert.Equal(t, "first", p.Text)
	assert.Equal(t, 3, c.Posts().Len())
}

func TestPushChannelMessages(t *testing.T) {
	t.Run("routes by direction", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		tr.emit(TopicMessages, `[
			{"id":"in","sender":"u2","recipient":"u1","timestamp":"2024-05-01 00:00:00"},
			{"id":"out","sender":"u1","recipient":"u2","timestamp":"2024-05-01 00:00:00"},
			{"id":"stranger","sender":"u2","recipient":"u3"}
		]`)

		assert.Equal(t, []string{"m1", "in"}, keys(c.IncomingMessages().Snapshot(), messageKey))
		assert.Equal(t, []string{"m2", "out"}, keys(c.OutgoingMessages().Snapshot(), messageKey))
	})

	t.Run("partial update of a known message", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		tr.emit(TopicMessages, `{"id":"m1","isRead":1}`)

		m, _ := c.IncomingMessages().Get("m1")
		assert.True(t, m.IsRead)
		assert.Equal(t, "hi", m.Text)
		assert.False(t, c.OutgoingMessages().Has("m1"))
	})

	t.Run("message to self lands in both", func(t *testing.T) {
		c, tr, _ := bootstrapped(t)
		tr.emit(TopicMessages, `{"message_id":"note","sender":"u1","recipient":"u1"}`)
		assert.True(t, c.IncomingMessages().Has("note"))
		assert.True(t, c.OutgoingMessages().Has("note"))
	})
}

func TestPushChannelLifecycle(t *testing.T) {
	t.Run("open is idempotent while connected", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		require.NoError(t, c.Bootstrap(context.Background(), sess))
		require.NoError(t, c.push.Open(context.Background(), sess))
		assert.Equal(t, 1, d.count())
		assert.Equal(t, 1, d.last().connects)
	})

	t.Run("reopen after close", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		require.NoError(t, c.Bootstrap(context.Background(), sess))
		first := d.last()

		require.NoError(t, c.push.Close())
		assert.Equal(t, 1, first.stops)
		assert.Equal(t, StateDisconnected, c.PushState())

		require.NoError(t, c.push.Open(context.Background(), sess))
		assert.Equal(t, 2, d.count())
		assert.Equal(t, StateConnected, c.PushState())
	})

	t.Run("events after the session ended are ignored", func(t *testing.T) {
		c, tr, sess := bootstrapped(t)
		sess.End()
		tr.emit(TopicUsers, `{"user_id":"u8"}`)
		tr.emit(TopicPosts, `{"post_id":"p8"}`)
		tr.emit(TopicMessages, `{"id":"m8","recipient":"u1"}`)
		assert.False(t, c.Users().Has("u8"))
		assert.False(t, c.Posts().Has("p8"))
		assert.False(t, c.IncomingMessages().Has("m8"))
	})

	t.Run("stop while connecting stops the transport", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		release := d.blockConnects()
		defer release()

		done := make(chan error, 1)
		go func() { done <- c.push.Open(context.Background(), sess) }()
		d.awaitConnect(t)
		sess.End()
		c.Stop(sess)
		release()

		require.ErrorIs(t, <-done, ErrSessionChanged)
		tr := d.last()
		assert.Equal(t, StateDisconnected, tr.State())
		assert.Positive(t, tr.stopCount())
		assert.Equal(t, StateDisconnected, c.PushState())
	})

	t.Run("close while connecting stops the transport", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		release := d.blockConnects()
		defer release()

		done := make(chan error, 1)
		go func() { done <- c.push.Open(context.Background(), sess) }()
		d.awaitConnect(t)
		require.NoError(t, c.push.Close())
		release()

		require.ErrorIs(t, <-done, ErrSessionChanged)
		assert.Equal(t, StateDisconnected, d.last().State())
		assert.Equal(t, StateDisconnected, c.PushState())
	})

	t.Run("overlapping opens share one connection", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		release := d.blockConnects()
		defer release()

		done := make(chan error, 1)
		go func() { done <- c.push.Open(context.Background(), sess) }()
		d.awaitConnect(t)
		require.NoError(t, c.push.Open(context.Background(), sess))
		release()

		require.NoError(t, <-done)
		assert.Equal(t, 1, d.count())
		assert.Equal(t, StateConnected, c.PushState())
	})

	t.Run("failed connect can be retried", func(t *testing.T) {
		c, d := newTestCoordinator(t, seededAPI(t))
		sess := NewSession(Credentials{Token: "t", UserID: "u1"})
		release := d.blockConnects()
		done := make(chan error, 1)
		go func() { done <- c.push.Open(context.Background(), sess) }()
		d.awaitConnect(t)
		first := d.last()
		first.mu.Lock()
		first.connectErr = errBoom
		first.mu.Unlock()
		release()
		require.ErrorIs(t, <-done, errBoom)

		d.mu.Lock()
		d.gate, d.entered = nil, nil
		d.mu.Unlock()
		require.NoError(t, c.push.Open(context.Background(), sess))
		assert.Equal(t, 2, d.count())
		assert.Equal(t, StateConnected, c.PushState())
	})

	t.Run("stop closes the transport", func(t *testing.T) {
		c, tr, sess := bootstrapped(t)
		c.Stop(sess)
		assert.Equal(t, 1, tr.stops)
		assert.Equal(t, StateDisconnected, c.PushState())
	})
}
