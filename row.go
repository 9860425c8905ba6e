package feedsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Row is a raw wire row as received from REST or the push channel. Push
// payloads may carry the row as a JSON-encoded string; both forms are accepted.
type Row = json.RawMessage

// ============================================================================
// Optional Fields
// ============================================================================

// Opt is a field that may be absent from a wire row. Set distinguishes an
// absent field from one carrying the zero value.
type Opt[T any] struct {
	Value T
	Set   bool
}

// Some returns a present optional value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Value: v, Set: true}
}

// Get returns the value and whether it is present.
func (o Opt[T]) Get() (T, bool) {
	return o.Value, o.Set
}

// ID is an entity key. The wire carries keys as strings or numbers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("key must be a string or number: %w", err)
		}
		*id = ID(n.String())
	}
	return nil
}

// Flag is a wire boolean: true, 1 and "1" are true, everything else is false.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1", `"1"`:
		*f = true
	default:
		*f = false
	}
	return nil
}

// ============================================================================
// Wire Rows
// ============================================================================

// UserRow is a decoded user row. Key fields carry both historical names.
type UserRow struct {
	UserID               Opt[ID]
	UserIDAlt            Opt[ID]
	Firstname            Opt[string]
	Lastname             Opt[string]
	ProfilePictureURL    Opt[string]
	BackgroundPictureURL Opt[string]
	Photos               Opt[json.RawMessage]
	Posts                Opt[json.RawMessage]
	IsOnline             Opt[Flag]
	IsEmailVerified      Opt[Flag]
	Index                Opt[int]
}

// Key resolves the row key, preferring user_id over userID.
func (r *UserRow) Key() string {
	return resolveKey(r.UserID, r.UserIDAlt)
}

// PostRow is a decoded post row.
type PostRow struct {
	PostID     Opt[ID]
	PostIDAlt  Opt[ID]
	UserID     Opt[ID]
	UserIDAlt  Opt[ID]
	Text       Opt[string]
	PhotoURL   Opt[string]
	YoutubeURL Opt[string]
	IsPhoto    Opt[Flag]
	IsYoutube  Opt[Flag]
	Comments   Opt[json.RawMessage]
	Likes      Opt[json.RawMessage]
	Timestamp  Opt[json.RawMessage]
}

// Key resolves the row key, preferring post_id over postID.
func (r *PostRow) Key() string {
	return resolveKey(r.PostID, r.PostIDAlt)
}

// MessageRow is a decoded message row.
type MessageRow struct {
	ID        Opt[ID]
	MessageID Opt[ID]
	Sender    Opt[ID]
	Recipient Opt[ID]
	Text      Opt[string]
	PhotoURL  Opt[string]
	IsPhoto   Opt[Flag]
	IsRead    Opt[Flag]
	Timestamp Opt[json.RawMessage]
}

// Key resolves the row key, preferring id over message_id.
func (r *MessageRow) Key() string {
	return resolveKey(r.ID, r.MessageID)
}

func resolveKey(canonical, alt Opt[ID]) string {
	if canonical.Set && canonical.Value != "" {
		return string(canonical.Value)
	}
	return string(alt.Value)
}

// ============================================================================
// Row Decoding
// ============================================================================

// rowFields splits a row into its top-level fields, unwrapping rows that
// arrive as a JSON-encoded string.
func rowFields(entity string, r Row) (map[string]json.RawMessage, error) {
	b := bytes.TrimSpace(r)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, malformed(entity, "", err)
		}
		b = bytes.TrimSpace([]byte(s))
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, malformed(entity, "", errors.New("row is not an object"))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, malformed(entity, "", err)
	}
	return fields, nil
}

type fieldDecoder struct {
	entity string
	fields map[string]json.RawMessage
	errs   []error
}

func field[T any](d *fieldDecoder, name string, dst *Opt[T]) {
	raw, ok := d.fields[name]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		d.errs = append(d.errs, malformed(d.entity, name, err))
		return
	}
	*dst = Some(v)
}

func rawField(d *fieldDecoder, name string, dst *Opt[json.RawMessage]) {
	if raw, ok := d.fields[name]; ok {
		*dst = Some(raw)
	}
}

func (d *fieldDecoder) err() error {
	return errors.Join(d.errs...)
}

// DecodeUserRow decodes a raw user row.
func DecodeUserRow(r Row) (UserRow, error) {
	var u UserRow
	fields, err := rowFields("user", r)
	if err != nil {
		return u, err
	}
	d := &fieldDecoder{entity: "user", fields: fields}
	field(d, "user_id", &u.UserID)
	field(d, "userID", &u.UserIDAlt)
	field(d, "firstname", &u.Firstname)
	field(d, "lastname", &u.Lastname)
	field(d, "profilePictureURL", &u.ProfilePictureURL)
	field(d, "backgroundPictureURL", &u.BackgroundPictureURL)
	rawField(d, "photos", &u.Photos)
	rawField(d, "posts", &u.Posts)
	field(d, "isOnline", &u.IsOnline)
	field(d, "isEmailVerified", &u.IsEmailVerified)
	field(d, "index", &u.Index)
	if err := d.err(); err != nil {
		return u, err
	}
	if u.Key() == "" {
		return u, malformed("user", "user_id", errors.New("missing key"))
	}
	return u, nil
}

// DecodePostRow decodes a raw post row.
func DecodePostRow(r Row) (PostRow, error) {
	var p PostRow
	fields, err := rowFields("post", r)
	if err != nil {
		return p, err
	}
	d := &fieldDecoder{entity: "post", fields: fields}
	field(d, "post_id", &p.PostID)
	field(d, "postID", &p.PostIDAlt)
	field(d, "user_id", &p.UserID)
	field(d, "userID", &p.UserIDAlt)
	field(d, "text", &p.Text)
	field(d, "photoURL", &p.PhotoURL)
	field(d, "youtubeURL", &p.YoutubeURL)
	field(d, "isPhoto", &p.IsPhoto)
	field(d, "isYoutube", &p.IsYoutube)
	rawField(d, "comments", &p.Comments)
	rawField(d, "likes", &p.Likes)
	rawField(d, "timestamp", &p.Timestamp)
	if err := d.err(); err != nil {
		return p, err
	}
	if p.Key() == "" {
		return p, malformed("post", "post_id", errors.New("missing key"))
	}
	return p, nil
}

// DecodeMessageRow decodes a raw message row.
func DecodeMessageRow(r Row) (MessageRow, error) {
	var m MessageRow
	fields, err := rowFields("message", r)
	if err != nil {
		return m, err
	}
	d := &fieldDecoder{entity: "message", fields: fields}
	field(d, "id", &m.ID)
	field(d, "message_id", &m.MessageID)
	field(d, "sender", &m.Sender)
	field(d, "recipient", &m.Recipient)
	field(d, "text", &m.Text)
	field(d, "photoURL", &m.PhotoURL)
	field(d, "isPhoto", &m.IsPhoto)
	field(d, "isRead", &m.IsRead)
	rawField(d, "timestamp", &m.Timestamp)
	if err := d.err(); err != nil {
		return m, err
	}
	if m.Key() == "" {
		return m, malformed("message", "id", errors.New("missing key"))
	}
	return m, nil
}

func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
