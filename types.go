package feedsync

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// ============================================================================
// Entities
// ============================================================================

// User is the in-memory shape of a user row.
type User struct {
	UserID               string   `json:"userID"`
	Firstname            string   `json:"firstname"`
	Lastname             string   `json:"lastname"`
	ProfilePictureURL    string   `json:"profilePictureURL"`
	BackgroundPictureURL string   `json:"backgroundPictureURL"`
	Photos               []Photo  `json:"photos"`
	Posts                []string `json:"posts"`
	IsOnline             bool     `json:"isOnline"`
	IsEmailVerified      bool     `json:"isEmailVerified"`
	// Index disambiguates users sharing the same first and last name.
	Index int `json:"index"`
}

// Photo is an entry of a user's photo album. Filename is qualified with the
// owner's id ("<userID>/<name>").
type Photo struct {
	Filename string `json:"filename"`
}

// Post is the in-memory shape of a post row.
type Post struct {
	PostID     string            `json:"postID"`
	UserID     string            `json:"userID"`
	Text       string            `json:"text"`
	PhotoURL   string            `json:"photoURL"`
	YoutubeURL string            `json:"youtubeURL"`
	IsPhoto    bool              `json:"isPhoto"`
	IsYoutube  bool              `json:"isYoutube"`
	Comments   []json.RawMessage `json:"comments"`
	Likes      []json.RawMessage `json:"likes"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Message is the in-memory shape of a message row.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	PhotoURL  string    `json:"photoURL"`
	IsPhoto   bool      `json:"isPhoto"`
	IsRead    bool      `json:"isRead"`
	Timestamp time.Time `json:"timestamp"`
}

func userKey(u *User) string { return u.UserID }
func postKey(p *Post) string { return p.PostID }
func messageKey(m *Message) string { return m.ID }

// FullName returns "Firstname Lastname".
func (u *User) FullName() string {
	return u.Firstname + " " + u.Lastname
}

var profileIndexSuffix = regexp.MustCompile(`\.\d+$`)

// ProfileLink builds the unique profile link of a user: the base link with
// ".<index>" appended when index is positive. An existing numeric suffix on
// base is replaced.
func ProfileLink(base string, index int) string {
	base = profileIndexSuffix.ReplaceAllString(base, "")
	if index > 0 {
		return base + "." + strconv.Itoa(index)
	}
	return base
}

// ============================================================================
// Operation Types
// ============================================================================

// Credentials are the durable part of a session.
type Credentials struct {
	Token  string `json:"token" toml:"token"`
	UserID string `json:"userID" toml:"user_id"`
}

// Valid reports whether both token and user id are present.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.UserID != ""
}

// LoginResult is the REST login response.
type LoginResult struct {
	Token  string
	UserID string
	// EmailVerified is only present on the legacy login path.
	EmailVerified Opt[Flag]
}

// AccountOptions describes a new account.
type AccountOptions struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Index     int    `json:"index"`
}

// PostInput is the user-editable content of a post.
type PostInput struct {
	Text       string `json:"text"`
	PhotoURL   string `json:"photoURL,omitempty"`
	YoutubeURL string `json:"youtubeURL,omitempty"`
	IsPhoto    bool   `json:"isPhoto"`
	IsYoutube  bool   `json:"isYoutube"`
}

// PostPatch is a partial post update. Only set fields are sent.
type PostPatch struct {
	Text       Opt[string]
	PhotoURL   Opt[string]
	YoutubeURL Opt[string]
	IsPhoto    Opt[bool]
	IsYoutube  Opt[bool]
	Comments   Opt[[]json.RawMessage]
	Likes      Opt[[]json.RawMessage]
}

// MessageInput is an outgoing message.
type MessageInput struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	PhotoURL  string `json:"photoURL,omitempty"`
	IsPhoto   bool   `json:"isPhoto"`
}

// ProfilePatch is a partial profile update. Only set fields are sent.
type ProfilePatch struct {
	Firstname            Opt[string]
	Lastname             Opt[string]
	ProfilePictureURL    Opt[string]
	BackgroundPictureURL Opt[string]
	Photos               Opt[[]Photo]
}

// MessageFilter selects the server-side message partition.
type MessageFilter struct {
	Recipient string
	Sender    string
}
