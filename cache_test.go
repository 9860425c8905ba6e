package feedsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheLoadSnapshot(t *testing.T) {
	t.Run("posts oldest to newest are reversed", func(t *testing.T) {
		c := newCache(postSchema)
		_, err := c.LoadSnapshot(rows(t,
			`{"post_id":"a","timestamp":"2024-01-01 00:00:00"}`,
			`{"post_id":"b","timestamp":"2024-01-02 00:00:00"}`,
			`{"post_id":"c","timestamp":"2024-01-03 00:00:00"}`,
		))
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, keys(c.Snapshot(), postKey))
	})

	t.Run("unordered posts are sorted newest first", func(t *testing.T) {
		c := newCache(postSchema)
		_, err := c.LoadSnapshot(rows(t,
			`{"post_id":"b","timestamp":"2024-01-02 00:00:00"}`,
			`{"post_id":"c","timestamp":"2024-01-03 00:00:00"}`,
			`{"post_id":"a","timestamp":"2024-01-01 00:00:00"}`,
		))
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, keys(c.Snapshot(), postKey))
	})

	t.Run("users keep server order", func(t *testing.T) {
		c := newCache(userSchema)
		_, err := c.LoadSnapshot(rows(t, `{"user_id":"z"}`, `{"user_id":"a"}`, `{"user_id":"m"}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "a", "m"}, keys(c.Snapshot(), userKey))
	})

	t.Run("messages sort ascending", func(t *testing.T) {
		c := newCache(messageSchema(EntityIncomingMessages))
		_, err := c.LoadSnapshot(rows(t,
			`{"id":"2","timestamp":"2024-01-02 00:00:00"}`,
			`{"id":"1","timestamp":"2024-01-01 00:00:00"}`,
		))
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, keys(c.Snapshot(), messageKey))
	})

	t.Run("bad rows are skipped", func(t *testing.T) {
		c := newCache(userSchema)
		got, err := c.LoadSnapshot(rows(t, `{"user_id":"a"}`, `{"firstname":"no key"}`, `{"user_id":"b"}`))
		var mre *MalformedRowError
		require.ErrorAs(t, err, &mre)
		assert.Len(t, got, 2)
		assert.Equal(t, []string{"a", "b"}, keys(c.Snapshot(), userKey))
	})

	t.Run("replaces previous contents", func(t *testing.T) {
		c := newCache(userSchema)
		_, err := c.LoadSnapshot(rows(t, `{"user_id":"a"}`))
		require.NoError(t, err)
		_, err = c.LoadSnapshot(rows(t, `{"user_id":"b"}`))
		require.NoError(t, err)
		assert.False(t, c.Has("a"))
		assert.True(t, c.Has("b"))
	})
}

func TestCacheApplyDelta(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		c := newCache(userSchema)
		row := `{"user_id":"u1","firstname":"Ada","posts":"[\"p1\"]"}`
		require.NoError(t, c.ApplyDelta(rows(t, row)...))
		once := c.Snapshot()
		require.NoError(t, c.ApplyDelta(rows(t, row)...))
		assert.Equal(t, once, c.Snapshot())
		assert.Equal(t, 1, c.Len())
	})

	t.Run("partial merge keeps absent fields", func(t *testing.T) {
		c := newCache(userSchema)
		_, err := c.LoadSnapshot(rows(t, `{"user_id":"u1","firstname":"Ada","lastname":"Lovelace","isOnline":0,"posts":"[\"p1\"]","index":3}`))
		require.NoError(t, err)

		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"u1","isOnline":1}`)...))

		u, ok := c.Get("u1")
		require.True(t, ok)
		assert.True(t, u.IsOnline)
		assert.Equal(t, "Ada", u.Firstname)
		assert.Equal(t, "Lovelace", u.Lastname)
		assert.Equal(t, []string{"p1"}, u.Posts)
		assert.Equal(t, 3, u.Index)
	})

	t.Run("index is never overwritten", func(t *testing.T) {
		c := newCache(userSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"u1","index":1}`)...))
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"u1","index":4}`)...))
		u, _ := c.Get("u1")
		assert.Equal(t, 1, u.Index)
	})

	t.Run("key name and type tolerance", func(t *testing.T) {
		c := newCache(postSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":5,"text":"a"}`)...))
		require.NoError(t, c.ApplyDelta(rows(t, `{"postID":"5","text":"b"}`)...))
		assert.Equal(t, 1, c.Len())
		p, _ := c.Get("5")
		assert.Equal(t, "b", p.Text)
	})

	t.Run("post update keeps owner and timestamp", func(t *testing.T) {
		c := newCache(postSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":"p1","user_id":"u1","timestamp":"2024-01-01 00:00:00"}`)...))
		before, _ := c.Get("p1")
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":"p1","user_id":"u2","text":"edited","timestamp":"2025-01-01 00:00:00"}`)...))
		after, _ := c.Get("p1")
		assert.Equal(t, "edited", after.Text)
		assert.Equal(t, "u1", after.UserID)
		assert.Equal(t, before.Timestamp, after.Timestamp)
	})

	t.Run("new posts go to the front", func(t *testing.T) {
		c := newCache(postSchema)
		_, err := c.LoadSnapshot(rows(t, `{"post_id":"old","timestamp":"2024-01-01 00:00:00"}`))
		require.NoError(t, err)
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":"new","timestamp":"2023-01-01 00:00:00"}`)...))
		assert.Equal(t, []string{"new", "old"}, keys(c.Snapshot(), postKey))
	})

	t.Run("new users append", func(t *testing.T) {
		c := newCache(userSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"a"}`, `{"user_id":"b"}`)...))
		assert.Equal(t, []string{"a", "b"}, keys(c.Snapshot(), userKey))
	})

	t.Run("messages stay ordered after insert", func(t *testing.T) {
		c := newCache(messageSchema(EntityOutgoingMessages))
		require.NoError(t, c.ApplyDelta(rows(t,
			`{"id":"late","timestamp":"2024-01-03 00:00:00"}`,
			`{"id":"early","timestamp":"2024-01-01 00:00:00"}`,
		)...))
		assert.Equal(t, []string{"early", "late"}, keys(c.Snapshot(), messageKey))
	})

	t.Run("bad rows leave the cache untouched", func(t *testing.T) {
		c := newCache(userSchema)
		_, err := c.LoadSnapshot(rows(t, `{"user_id":"u1","photos":"[\"a.jpg\"]"}`))
		require.NoError(t, err)
		before := c.Snapshot()

		err = c.ApplyDelta(rows(t, `{"user_id":"u1","firstname":"X","photos":"[broken"}`)...)
		var mre *MalformedRowError
		require.ErrorAs(t, err, &mre)
		assert.Equal(t, before, c.Snapshot())
	})

	t.Run("valid rows in a batch still apply", func(t *testing.T) {
		c := newCache(userSchema)
		err := c.ApplyDelta(rows(t, `{"user_id":"a"}`, `{"nope":1}`, `{"user_id":"b"}`)...)
		require.Error(t, err)
		assert.Equal(t, []string{"a", "b"}, keys(c.Snapshot(), userKey))
	})
}

func TestCacheSnapshotJournal(t *testing.T) {
	t.Run("deltas during a load are replayed", func(t *testing.T) {
		c := newCache(userSchema)
		ticket := c.BeginSnapshot()

		// Arrives after the server produced the snapshot below.
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"u1","isOnline":1}`, `{"user_id":"u3"}`)...))

		_, err := c.CommitSnapshot(ticket, rows(t, `{"user_id":"u1","firstname":"Ada","isOnline":0}`, `{"user_id":"u2"}`))
		require.NoError(t, err)

		u, _ := c.Get("u1")
		assert.True(t, u.IsOnline)
		assert.Equal(t, "Ada", u.Firstname)
		assert.Equal(t, []string{"u1", "u2", "u3"}, keys(c.Snapshot(), userKey))
	})

	t.Run("deltas before the ticket are not replayed", func(t *testing.T) {
		c := newCache(userSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"gone"}`)...))
		ticket := c.BeginSnapshot()
		_, err := c.CommitSnapshot(ticket, rows(t, `{"user_id":"u1"}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, keys(c.Snapshot(), userKey))
	})

	t.Run("aborted ticket cannot commit", func(t *testing.T) {
		c := newCache(userSchema)
		ticket := c.BeginSnapshot()
		c.AbortSnapshot(ticket)
		_, err := c.CommitSnapshot(ticket, rows(t, `{"user_id":"u1"}`))
		require.ErrorIs(t, err, errTicketClosed)
		assert.Zero(t, c.Len())
		assert.Empty(t, c.journal)
	})

	t.Run("journal is dropped when no load is pending", func(t *testing.T) {
		c := newCache(userSchema)
		t1 := c.BeginSnapshot()
		t2 := c.BeginSnapshot()
		require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"u1"}`)...))
		_, err := c.CommitSnapshot(t1, nil)
		require.NoError(t, err)
		assert.Len(t, c.journal, 1)
		c.AbortSnapshot(t2)
		assert.Empty(t, c.journal)
	})
}

func TestCacheChangeNotification(t *testing.T) {
	c := newCache(userSchema)
	var got []string
	c.onChange = func(entity string) { got = append(got, entity) }

	_, err := c.LoadSnapshot(rows(t, `{"user_id":"a"}`))
	require.NoError(t, err)
	require.NoError(t, c.ApplyDelta(rows(t, `{"user_id":"a","firstname":"x"}`)...))
	_ = c.ApplyDelta(rows(t, `{"bad":true}`)...)

	assert.Equal(t, []string{"users", "users"}, got)
}

func TestCacheBatchedDelta(t *testing.T) {
	t.Run("messages are ordered once the batch lands", func(t *testing.T) {
		c := newCache(messageSchema(EntityIncomingMessages))
		require.NoError(t, c.ApplyDelta(rows(t,
			`{"id":"c","text":"third","timestamp":"2024-01-03 00:00:00"}`,
			`{"id":"a","text":"first","timestamp":"2024-01-01 00:00:00"}`,
			`{"id":"c","isRead":1}`,
			`{"id":"b","timestamp":"2024-01-02 00:00:00"}`,
			`{"id":"a","text":"first!"}`,
		)...))

		assert.Equal(t, []string{"a", "b", "c"}, keys(c.Snapshot(), messageKey))
		a, _ := c.Get("a")
		assert.Equal(t, "first!", a.Text)
		m, _ := c.Get("c")
		assert.True(t, m.IsRead)
		assert.Equal(t, "third", m.Text)
	})

	t.Run("lookups follow front inserts and removals", func(t *testing.T) {
		c := newCache(postSchema)
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":"p1"}`, `{"post_id":"p2"}`, `{"post_id":"p3"}`)...))
		assert.Equal(t, []string{"p3", "p2", "p1"}, keys(c.Snapshot(), postKey))

		require.True(t, c.remove("p2"))
		require.NoError(t, c.ApplyDelta(rows(t, `{"post_id":"p1","text":"one"}`, `{"post_id":"p4"}`)...))

		assert.Equal(t, []string{"p4", "p3", "p1"}, keys(c.Snapshot(), postKey))
		p, ok := c.Get("p1")
		require.True(t, ok)
		assert.Equal(t, "one", p.Text)
		assert.False(t, c.Has("p2"))
		assert.True(t, c.update("p3", func(p *Post) { p.Text = "three" }))
		p, _ = c.Get("p3")
		assert.Equal(t, "three", p.Text)
		assert.False(t, c.update("p2", func(*Post) {}))
	})
}
