// Package feedsync is the client-side state-synchronization core of the
// Fakebook social feed.
//
// It keeps local caches of users, posts, the current user and incoming and
// outgoing messages consistent across REST snapshot loads, push-channel
// deltas and local optimistic writes.
//
// Example:
//
//	client := feedsync.NewClient(feedsync.WithBaseURL("https://fakebook.example"))
//	feed := feedsync.NewFeed(feedsync.FeedConfig{
//		API:   client,
//		Store: feedsync.NewFileStore(path),
//	})
//
//	if err := feed.Restore(ctx); err != nil {
//		err = feed.Login(ctx, "ada@example.com", "secret")
//	}
//	for _, p := range feed.Posts().Snapshot() {
//		fmt.Println(p.Text)
//	}
package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// API
// ============================================================================

// API is the REST surface the synchronization core depends on.
type API interface {
	FetchUsers(ctx context.Context, sess *Session) ([]Row, error)
	FetchPosts(ctx context.Context, sess *Session) ([]Row, error)
	FetchMessages(ctx context.Context, sess *Session, filter MessageFilter) ([]Row, error)

	Login(ctx context.Context, email, password string) (*LoginResult, error)
	CreateAccount(ctx context.Context, opts *AccountOptions) error
	SendPasswordReminder(ctx context.Context, email string) error

	CreatePost(ctx context.Context, sess *Session, postID string, in *PostInput) (Row, error)
	UpdatePost(ctx context.Context, sess *Session, postID string, patch *PostPatch) error
	SendMessage(ctx context.Context, sess *Session, id string, in *MessageInput) (Row, error)
	MarkMessageRead(ctx context.Context, sess *Session, id string) error
	UpdateProfile(ctx context.Context, sess *Session, patch *ProfilePatch) error
	SetPresence(ctx context.Context, sess *Session, online bool) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a new REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, sess *Session, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if sess != nil && sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request")

	if resp.StatusCode >= 400 {
		return nil, &TransportError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: errorMessage(data, resp),
		}
	}
	return data, nil
}

// errorMessage prefers the body's message field over the status text.
func errorMessage(data []byte, resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) fetchRows(ctx context.Context, sess *Session, path string, query map[string]string) ([]Row, error) {
	data, err := c.doRequest(ctx, sess, "GET", path, nil, query)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Row](data)
	if err != nil {
		return nil, &TransportError{Method: "GET", Path: path, Message: "invalid response", Err: err}
	}
	return *rows, nil
}

// optionalRow returns the response body as a row, or nil when it is empty.
func optionalRow(data []byte) Row {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	return Row(data)
}

// ============================================================================
// Snapshot loads
// ============================================================================

func (c *Client) FetchUsers(ctx context.Context, sess *Session) ([]Row, error) {
	return c.fetchRows(ctx, sess, "/api/users", nil)
}

func (c *Client) FetchPosts(ctx context.Context, sess *Session) ([]Row, error) {
	return c.fetchRows(ctx, sess, "/api/posts", nil)
}

func (c *Client) FetchMessages(ctx context.Context, sess *Session, filter MessageFilter) ([]Row, error) {
	q := map[string]string{}
	if filter.Recipient != "" {
		q["recipient"] = filter.Recipient
	}
	if filter.Sender != "" {
		q["sender"] = filter.Sender
	}
	return c.fetchRows(ctx, sess, "/api/messages", q)
}

// ============================================================================
// Account
// ============================================================================

// Login exchanges e-mail and password for a token and user id.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, nil, "POST", "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	fields, err := rowFields("login", data)
	if err != nil {
		return nil, &TransportError{Method: "POST", Path: "/api/auth/login", Message: "invalid response", Err: err}
	}
	d := &fieldDecoder{entity: "login", fields: fields}
	var token Opt[string]
	var userID, userIDAlt Opt[ID]
	var res LoginResult
	field(d, "token", &token)
	field(d, "user_id", &userID)
	field(d, "userID", &userIDAlt)
	field(d, "isEmailVerified", &res.EmailVerified)
	if err := d.err(); err != nil {
		return nil, &TransportError{Method: "POST", Path: "/api/auth/login", Message: "invalid response", Err: err}
	}
	res.Token = token.Value
	res.UserID = resolveKey(userID, userIDAlt)
	return &res, nil
}

func (c *Client) CreateAccount(ctx context.Context, opts *AccountOptions) error {
	_, err := c.doRequest(ctx, nil, "POST", "/api/users", opts, nil)
	return err
}

func (c *Client) SendPasswordReminder(ctx context.Context, email string) error {
	_, err := c.doRequest(ctx, nil, "POST", "/api/auth/password-reminder", map[string]string{"email": email}, nil)
	return err
}

// ============================================================================
// Writes
// ============================================================================

// CreatePost creates a post under a client-generated key and returns the
// stored row when the server echoes it.
func (c *Client) CreatePost(ctx context.Context, sess *Session, postID string, in *PostInput) (Row, error) {
	payload := map[string]any{
		"post_id":    postID,
		"user_id":    sess.UserID,
		"text":       in.Text,
		"photoURL":   in.PhotoURL,
		"youtubeURL": in.YoutubeURL,
		"isPhoto":    in.IsPhoto,
		"isYoutube":  in.IsYoutube,
	}
	data, err := c.doRequest(ctx, sess, "POST", "/api/posts", payload, nil)
	if err != nil {
		return nil, err
	}
	return optionalRow(data), nil
}

func (c *Client) UpdatePost(ctx context.Context, sess *Session, postID string, patch *PostPatch) error {
	_, err := c.doRequest(ctx, sess, "PUT", "/api/posts/"+url.PathEscape(postID), patch.body(), nil)
	return err
}

// SendMessage sends a message under a client-generated key.
func (c *Client) SendMessage(ctx context.Context, sess *Session, id string, in *MessageInput) (Row, error) {
	payload := map[string]any{
		"message_id": id,
		"sender":     sess.UserID,
		"recipient":  in.Recipient,
		"text":       in.Text,
		"photoURL":   in.PhotoURL,
		"isPhoto":    in.IsPhoto,
	}
	data, err := c.doRequest(ctx, sess, "POST", "/api/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return optionalRow(data), nil
}

func (c *Client) MarkMessageRead(ctx context.Context, sess *Session, id string) error {
	_, err := c.doRequest(ctx, sess, "PUT", "/api/messages/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (c *Client) UpdateProfile(ctx context.Context, sess *Session, patch *ProfilePatch) error {
	_, err := c.doRequest(ctx, sess, "PUT", "/api/users/"+url.PathEscape(sess.UserID), patch.body(), nil)
	return err
}

func (c *Client) SetPresence(ctx context.Context, sess *Session, online bool) error {
	_, err := c.doRequest(ctx, sess, "PUT", "/api/users/"+url.PathEscape(sess.UserID)+"/presence",
		map[string]bool{"isOnline": online}, nil)
	return err
}

// ============================================================================
// Request bodies
// ============================================================================

// body encodes only the set fields. Sequences travel as JSON-encoded strings,
// the same way the server stores them.
func (p *PostPatch) body() map[string]any {
	b := map[string]any{}
	if v, ok := p.Text.Get(); ok {
		b["text"] = v
	}
	if v, ok := p.PhotoURL.Get(); ok {
		b["photoURL"] = v
	}
	if v, ok := p.YoutubeURL.Get(); ok {
		b["youtubeURL"] = v
	}
	if v, ok := p.IsPhoto.Get(); ok {
		b["isPhoto"] = v
	}
	if v, ok := p.IsYoutube.Get(); ok {
		b["isYoutube"] = v
	}
	if v, ok := p.Comments.Get(); ok {
		b["comments"] = string(rawJSON(nonNil(v)))
	}
	if v, ok := p.Likes.Get(); ok {
		b["likes"] = string(rawJSON(nonNil(v)))
	}
	return b
}

func (p *ProfilePatch) body() map[string]any {
	b := map[string]any{}
	if v, ok := p.Firstname.Get(); ok {
		b["firstname"] = v
	}
	if v, ok := p.Lastname.Get(); ok {
		b["lastname"] = v
	}
	if v, ok := p.ProfilePictureURL.Get(); ok {
		b["profilePictureURL"] = v
	}
	if v, ok := p.BackgroundPictureURL.Get(); ok {
		b["backgroundPictureURL"] = v
	}
	if v, ok := p.Photos.Get(); ok {
		b["photos"] = string(rawJSON(nonNil(v)))
	}
	return b
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
