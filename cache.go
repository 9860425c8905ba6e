package feedsync

import (
	"errors"
	"slices"
	"sort"
	"sync"
)

// ============================================================================
// Cache Schema
// ============================================================================

// schema binds a wire row type R to an entity type E.
type schema[R any, E any] struct {
	entity string
	decode func(Row) (R, error)
	key    func(*R) string
	build  func(*R) (E, error)
	merge  func(*E, *R) error
	keyOf  func(*E) string
	// front inserts new entities at position 0 instead of appending.
	front bool
	// snapshotOrder reorders a freshly loaded snapshot.
	snapshotOrder func([]E)
	// deltaOrder restores ordering after an insert or merge.
	deltaOrder func([]E)
}

var userSchema = &schema[UserRow, User]{
	entity: "users",
	decode: DecodeUserRow,
	key:    (*UserRow).Key,
	build:  userFromRow,
	merge:  mergeUser,
	keyOf:  userKey,
}

var postSchema = &schema[PostRow, Post]{
	entity:        "posts",
	decode:        DecodePostRow,
	key:           (*PostRow).Key,
	build:         postFromRow,
	merge:         mergePost,
	keyOf:         postKey,
	front:         true,
	snapshotOrder: newestFirst,
}

func messageSchema(entity string) *schema[MessageRow, Message] {
	return &schema[MessageRow, Message]{
		entity:        entity,
		decode:        DecodeMessageRow,
		key:           (*MessageRow).Key,
		build:         messageFromRow,
		merge:         mergeMessage,
		keyOf:         messageKey,
		snapshotOrder: oldestFirst,
		deltaOrder:    oldestFirst,
	}
}

// newestFirst orders posts newest-first. Arrival order that is already
// oldest to newest only needs one reversal.
func newestFirst(posts []Post) {
	ascending := sort.SliceIsSorted(posts, func(i, j int) bool {
		return posts[i].Timestamp.Before(posts[j].Timestamp)
	})
	if ascending {
		slices.Reverse(posts)
		return
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].Timestamp.After(posts[j].Timestamp)
	})
}

func oldestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ============================================================================
// Cache
// ============================================================================

// View is the read-only surface of an entity cache.
type View[E any] interface {
	Snapshot() []E
	Get(key string) (E, bool)
	Has(key string) bool
	Len() int
}

// Cache is an ordered, keyed entity container with upsert-merge semantics.
// Writers are serialized; slices returned by reads must not be modified.
type Cache[R any, E any] struct {
	mu    sync.RWMutex
	s     *schema[R, E]
	items []E
	// index maps keys to positions in items; nil when stale. Only writers
	// rebuild it.
	index map[string]int

	// clock counts applied delta rows. Rows applied while a snapshot is in
	// flight are journaled and replayed on top of that snapshot.
	clock   uint64
	pending int
	journal []journaled[R]

	onChange func(entity string)
}

type journaled[R any] struct {
	clock uint64
	row   R
}

// SnapshotTicket identifies an in-flight snapshot load.
type SnapshotTicket struct {
	clock uint64
	done  bool
}

var errTicketClosed = errors.New("snapshot already committed or aborted")

func newCache[R any, E any](s *schema[R, E]) *Cache[R, E] {
	return &Cache[R, E]{s: s}
}

// Entity returns the cache name.
func (c *Cache[R, E]) Entity() string {
	return c.s.entity
}

// LoadSnapshot replaces the cache wholesale with the given rows.
func (c *Cache[R, E]) LoadSnapshot(rows []Row) ([]E, error) {
	return c.CommitSnapshot(c.BeginSnapshot(), rows)
}

// BeginSnapshot marks the start of a snapshot fetch. Every ticket must be
// committed or aborted.
func (c *Cache[R, E]) BeginSnapshot() *SnapshotTicket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending++
	return &SnapshotTicket{clock: c.clock}
}

// AbortSnapshot discards an in-flight snapshot.
func (c *Cache[R, E]) AbortSnapshot(t *SnapshotTicket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTicket(t)
}

// CommitSnapshot replaces the cache with rows, then re-applies deltas that
// arrived after the ticket was issued. Rows that fail to normalize are
// skipped and reported in the returned error.
func (c *Cache[R, E]) CommitSnapshot(t *SnapshotTicket, rows []Row) ([]E, error) {
	var errs []error
	items := make([]E, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, raw := range rows {
		r, err := c.s.decode(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := c.s.key(&r)
		if i, ok := index[key]; ok {
			if err := c.s.merge(&items[i], &r); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		e, err := c.s.build(&r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		index[key] = len(items)
		items = append(items, e)
	}
	if c.s.snapshotOrder != nil {
		c.s.snapshotOrder(items)
	}

	c.mu.Lock()
	if t.done {
		c.mu.Unlock()
		return nil, errTicketClosed
	}
	c.items = items
	c.index = nil
	replayed := false
	for i := range c.journal {
		if j := &c.journal[i]; j.clock > t.clock {
			// Already applied successfully once; errors cannot recur.
			_ = c.upsertLocked(&j.row)
			replayed = true
		}
	}
	if replayed {
		c.reorderLocked()
	}
	c.closeTicket(t)
	out := slices.Clone(c.items)
	c.mu.Unlock()

	c.notify()
	return out, errors.Join(errs...)
}

func (c *Cache[R, E]) closeTicket(t *SnapshotTicket) {
	if t.done {
		return
	}
	t.done = true
	c.pending--
	if c.pending == 0 {
		c.journal = nil
	}
}

// ApplyDelta upserts each row in order. Rows that fail to decode or merge are
// skipped without touching the cache; the returned error lists them.
func (c *Cache[R, E]) ApplyDelta(rows ...Row) error {
	var errs []error
	decoded := make([]R, 0, len(rows))
	for _, raw := range rows {
		r, err := c.s.decode(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decoded = append(decoded, r)
	}
	if err := c.apply(decoded...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cache[R, E]) apply(rows ...R) error {
	if len(rows) == 0 {
		return nil
	}
	var errs []error
	changed := false
	c.mu.Lock()
	for i := range rows {
		if err := c.upsertLocked(&rows[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		changed = true
		c.clock++
		if c.pending > 0 {
			c.journal = append(c.journal, journaled[R]{clock: c.clock, row: rows[i]})
		}
	}
	if changed {
		c.reorderLocked()
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return errors.Join(errs...)
}

func (c *Cache[R, E]) upsertLocked(r *R) error {
	key := c.s.key(r)
	if i := c.indexLocked(key); i >= 0 {
		if err := c.s.merge(&c.items[i], r); err != nil {
			return err
		}
	} else {
		e, err := c.s.build(r)
		if err != nil {
			return err
		}
		c.insertLocked(e)
	}
	return nil
}

// reorderLocked restores the delta ordering after a batch of writes.
func (c *Cache[R, E]) reorderLocked() {
	if c.s.deltaOrder != nil {
		c.s.deltaOrder(c.items)
		c.index = nil
	}
}

func (c *Cache[R, E]) insertLocked(e E) {
	if c.s.front {
		c.items = slices.Insert(c.items, 0, e)
		c.index = nil
		return
	}
	c.items = append(c.items, e)
	if c.index != nil {
		c.index[c.s.keyOf(&e)] = len(c.items) - 1
	}
}

// indexLocked returns the position of key, rebuilding the index if it is
// stale. Callers hold the write lock.
func (c *Cache[R, E]) indexLocked(key string) int {
	if c.index == nil {
		c.index = make(map[string]int, len(c.items))
		for i := range c.items {
			c.index[c.s.keyOf(&c.items[i])] = i
		}
	}
	if i, ok := c.index[key]; ok {
		return i
	}
	return -1
}

// position returns the position of key under the read lock.
func (c *Cache[R, E]) position(key string) int {
	if c.index != nil {
		if i, ok := c.index[key]; ok {
			return i
		}
		return -1
	}
	for i := range c.items {
		if c.s.keyOf(&c.items[i]) == key {
			return i
		}
	}
	return -1
}

// put replaces the entity with the same key, or inserts it.
func (c *Cache[R, E]) put(e E) {
	c.mu.Lock()
	if i := c.indexLocked(c.s.keyOf(&e)); i >= 0 {
		c.items[i] = e
	} else {
		c.insertLocked(e)
	}
	c.reorderLocked()
	c.mu.Unlock()
	c.notify()
}

// update mutates the entity with the given key in place. It reports false
// when the key is not cached.
func (c *Cache[R, E]) update(key string, fn func(*E)) bool {
	c.mu.Lock()
	i := c.indexLocked(key)
	if i >= 0 {
		fn(&c.items[i])
		c.reorderLocked()
	}
	c.mu.Unlock()
	if i >= 0 {
		c.notify()
	}
	return i >= 0
}

// remove deletes the entity with the given key.
func (c *Cache[R, E]) remove(key string) bool {
	c.mu.Lock()
	i := c.indexLocked(key)
	if i >= 0 {
		c.items = slices.Delete(c.items, i, i+1)
		c.index = nil
	}
	c.mu.Unlock()
	if i >= 0 {
		c.notify()
	}
	return i >= 0
}

// reset empties the cache. In-flight tickets stay valid.
func (c *Cache[R, E]) reset() {
	c.mu.Lock()
	c.items = nil
	c.index = nil
	c.journal = nil
	c.mu.Unlock()
	c.notify()
}

func (c *Cache[R, E]) notify() {
	if c.onChange != nil {
		c.onChange(c.s.entity)
	}
}

// Snapshot returns a copy of the cached entities in cache order.
func (c *Cache[R, E]) Snapshot() []E {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Get returns the entity with the given key.
func (c *Cache[R, E]) Get(key string) (E, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.position(key); i >= 0 {
		return c.items[i], true
	}
	var zero E
	return zero, false
}

// Has reports whether an entity with the given key is cached.
func (c *Cache[R, E]) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position(key) >= 0
}

// Len returns the number of cached entities.
func (c *Cache[R, E]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
