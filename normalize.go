package feedsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Normalizers
// ============================================================================

// NormalizeUser converts a raw user row into a User.
func NormalizeUser(r Row) (User, error) {
	row, err := DecodeUserRow(r)
	if err != nil {
		return User{}, err
	}
	return userFromRow(&row)
}

// NormalizePost converts a raw post row into a Post. A missing or
// unparseable timestamp is replaced with the current time.
func NormalizePost(r Row) (Post, error) {
	row, err := DecodePostRow(r)
	if err != nil {
		return Post{}, err
	}
	return postFromRow(&row)
}

// NormalizeMessage converts a raw message row into a Message.
func NormalizeMessage(r Row) (Message, error) {
	row, err := DecodeMessageRow(r)
	if err != nil {
		return Message{}, err
	}
	return messageFromRow(&row)
}

func userFromRow(r *UserRow) (User, error) {
	u := User{
		UserID:               r.Key(),
		Firstname:            r.Firstname.Value,
		Lastname:             r.Lastname.Value,
		ProfilePictureURL:    r.ProfilePictureURL.Value,
		BackgroundPictureURL: r.BackgroundPictureURL.Value,
		IsOnline:             bool(r.IsOnline.Value),
		IsEmailVerified:      bool(r.IsEmailVerified.Value),
		Index:                r.Index.Value,
	}
	photos, err := decodePhotos(u.UserID, r.Photos.Value)
	if err != nil {
		return User{}, err
	}
	posts, err := decodeKeys("user", "posts", r.Posts.Value)
	if err != nil {
		return User{}, err
	}
	u.Photos, u.Posts = photos, posts
	return u, nil
}

func postFromRow(r *PostRow) (Post, error) {
	p := Post{
		PostID:     r.Key(),
		UserID:     resolveKey(r.UserID, r.UserIDAlt),
		Text:       r.Text.Value,
		PhotoURL:   r.PhotoURL.Value,
		YoutubeURL: r.YoutubeURL.Value,
		IsPhoto:    bool(r.IsPhoto.Value),
		IsYoutube:  bool(r.IsYoutube.Value),
	}
	comments, err := decodeSeq[json.RawMessage]("post", "comments", r.Comments.Value)
	if err != nil {
		return Post{}, err
	}
	likes, err := decodeSeq[json.RawMessage]("post", "likes", r.Likes.Value)
	if err != nil {
		return Post{}, err
	}
	p.Comments, p.Likes = comments, likes
	p.Timestamp = timestampOrNow(r.Timestamp.Value)
	return p, nil
}

func messageFromRow(r *MessageRow) (Message, error) {
	return Message{
		ID:        r.Key(),
		Sender:    string(r.Sender.Value),
		Recipient: string(r.Recipient.Value),
		Text:      r.Text.Value,
		PhotoURL:  r.PhotoURL.Value,
		IsPhoto:   bool(r.IsPhoto.Value),
		IsRead:    bool(r.IsRead.Value),
		Timestamp: timestampOrNow(r.Timestamp.Value),
	}, nil
}

// ============================================================================
// Partial Merge
// ============================================================================

// mergeUser overwrites only the fields present in r. The index is assigned
// once on insert and never overwritten.
func mergeUser(u *User, r *UserRow) error {
	next := *u
	if v, ok := r.Firstname.Get(); ok {
		next.Firstname = v
	}
	if v, ok := r.Lastname.Get(); ok {
		next.Lastname = v
	}
	if v, ok := r.ProfilePictureURL.Get(); ok {
		next.ProfilePictureURL = v
	}
	if v, ok := r.BackgroundPictureURL.Get(); ok {
		next.BackgroundPictureURL = v
	}
	if v, ok := r.IsOnline.Get(); ok {
		next.IsOnline = bool(v)
	}
	if v, ok := r.IsEmailVerified.Get(); ok {
		next.IsEmailVerified = bool(v)
	}
	if v, ok := r.Photos.Get(); ok {
		photos, err := decodePhotos(u.UserID, v)
		if err != nil {
			return err
		}
		next.Photos = photos
	}
	if v, ok := r.Posts.Get(); ok {
		posts, err := decodeKeys("user", "posts", v)
		if err != nil {
			return err
		}
		next.Posts = posts
	}
	*u = next
	return nil
}

// mergePost overwrites only the fields present in r. Owner and timestamp
// never change on update.
func mergePost(p *Post, r *PostRow) error {
	next := *p
	if v, ok := r.Text.Get(); ok {
		next.Text = v
	}
	if v, ok := r.PhotoURL.Get(); ok {
		next.PhotoURL = v
	}
	if v, ok := r.YoutubeURL.Get(); ok {
		next.YoutubeURL = v
	}
	if v, ok := r.IsPhoto.Get(); ok {
		next.IsPhoto = bool(v)
	}
	if v, ok := r.IsYoutube.Get(); ok {
		next.IsYoutube = bool(v)
	}
	if v, ok := r.Comments.Get(); ok {
		comments, err := decodeSeq[json.RawMessage]("post", "comments", v)
		if err != nil {
			return err
		}
		next.Comments = comments
	}
	if v, ok := r.Likes.Get(); ok {
		likes, err := decodeSeq[json.RawMessage]("post", "likes", v)
		if err != nil {
			return err
		}
		next.Likes = likes
	}
	*p = next
	return nil
}

// mergeMessage overwrites only the fields present in r. An unparseable
// timestamp keeps the cached one.
func mergeMessage(m *Message, r *MessageRow) error {
	if v, ok := r.Sender.Get(); ok {
		m.Sender = string(v)
	}
	if v, ok := r.Recipient.Get(); ok {
		m.Recipient = string(v)
	}
	if v, ok := r.Text.Get(); ok {
		m.Text = v
	}
	if v, ok := r.PhotoURL.Get(); ok {
		m.PhotoURL = v
	}
	if v, ok := r.IsPhoto.Get(); ok {
		m.IsPhoto = bool(v)
	}
	if v, ok := r.IsRead.Get(); ok {
		m.IsRead = bool(v)
	}
	if v, ok := r.Timestamp.Get(); ok {
		if ts, ok := parseTimestamp(v); ok {
			m.Timestamp = ts
		}
	}
	return nil
}

// ============================================================================
// Field Decoding
// ============================================================================

// decodeSeq decodes a sequence field carried either inline or as a
// JSON-encoded string. Absent, null and empty values decode to an empty slice.
func decodeSeq[T any](entity, name string, raw json.RawMessage) ([]T, error) {
	b := bytes.TrimSpace(raw)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, malformed(entity, name, err)
		}
		b = bytes.TrimSpace([]byte(s))
	}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, malformed(entity, name, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func decodeKeys(entity, name string, raw json.RawMessage) ([]string, error) {
	ids, err := decodeSeq[ID](entity, name, raw)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	return keys, nil
}

// decodePhotos accepts legacy string items and {filename} objects.
func decodePhotos(owner string, raw json.RawMessage) ([]Photo, error) {
	items, err := decodeSeq[json.RawMessage]("user", "photos", raw)
	if err != nil {
		return nil, err
	}
	photos := make([]Photo, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			photos = append(photos, Photo{Filename: qualifyPath(owner, name)})
			continue
		}
		var p Photo
		if err := json.Unmarshal(item, &p); err != nil || p.Filename == "" {
			return nil, malformed("user", "photos", errors.New("item is neither a filename nor an object with a filename"))
		}
		p.Filename = qualifyPath(owner, p.Filename)
		photos = append(photos, p)
	}
	return photos, nil
}

// qualifyPath prefixes a bare filename with the owner's key.
func qualifyPath(owner, name string) string {
	if name == "" || strings.Contains(name, "/") {
		return name
	}
	return owner + "/" + name
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// parseTimestamp accepts SQL-style UTC timestamps, RFC 3339 strings and epoch
// milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return time.Time{}, false
	}
	if b[0] != '"' {
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func timestampOrNow(raw json.RawMessage) time.Time {
	if ts, ok := parseTimestamp(raw); ok {
		return ts
	}
	return time.Now().UTC()
}
