package feedsync

import (
	"errors"
	"sync"
)

// CurrentUserCache holds the projection of the signed-in user's own row. It
// accepts partial patches such as presence flips without a full row.
type CurrentUserCache struct {
	mu       sync.RWMutex
	user     *User
	onChange func(entity string)
}

const currentUserEntity = "currentUser"

// Get returns the current user, if projected.
func (c *CurrentUserCache) Get() (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// set replaces the projection with a full user.
func (c *CurrentUserCache) set(u User) {
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
	c.notify()
}

// ApplyDelta patches the projection with raw user rows.
func (c *CurrentUserCache) ApplyDelta(rows ...Row) error {
	var errs []error
	for _, raw := range rows {
		r, err := DecodeUserRow(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.apply(&r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply builds the projection from r when none exists or r belongs to a
// different user, and merges r into it otherwise.
func (c *CurrentUserCache) apply(r *UserRow) error {
	c.mu.Lock()
	if c.user == nil || c.user.UserID != r.Key() {
		u, err := userFromRow(r)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.user = &u
	} else if err := mergeUser(c.user, r); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// update mutates the projection in place if it belongs to userID.
func (c *CurrentUserCache) update(userID string, fn func(*User)) bool {
	c.mu.Lock()
	ok := c.user != nil && c.user.UserID == userID
	if ok {
		fn(c.user)
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
	return ok
}

func (c *CurrentUserCache) clear() {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
	c.notify()
}

func (c *CurrentUserCache) notify() {
	if c.onChange != nil {
		c.onChange(currentUserEntity)
	}
}
