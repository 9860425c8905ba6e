package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fakebook-app/feedsync"
)

// app bundles what a command needs to talk to the server.
type app struct {
	cfg    *Config
	client *feedsync.Client
	store  *feedsync.FileStore
	mirror *feedsync.SQLiteStore
	feed   *feedsync.Feed
}

type appOptions struct {
	push      bool
	lifecycle feedsync.LifecycleSource
}

// newApp wires the client, the session file and the local mirror.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	base := valueOrDefault(cfg.Default.BaseURL, feedsync.DefaultBaseURL)

	sessionPath, err := configPath("session.toml")
	if err != nil {
		return nil, err
	}
	mirrorPath, err := configPath("mirror.db")
	if err != nil {
		return nil, err
	}
	mirror, err := feedsync.OpenSQLiteStore(ctx, mirrorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}

	a := &app{
		cfg:    cfg,
		client: feedsync.NewClient(feedsync.WithBaseURL(base), feedsync.WithLogger(logger)),
		store:  feedsync.NewFileStore(sessionPath),
		mirror: mirror,
	}
	fc := feedsync.FeedConfig{
		API:       a.client,
		Store:     a.store,
		Lifecycle: opts.lifecycle,
		Logger:    &logger,
	}
	if opts.push {
		fc.Transport = transportFor(cfg, base)
	}
	a.feed = feedsync.NewFeed(fc)
	return a, nil
}

func transportFor(cfg *Config, base string) feedsync.TransportFunc {
	return func(sess *feedsync.Session) feedsync.PushTransport {
		rc := &feedsync.RealtimeConfig{
			Token:                feedsync.StaticToken(sess.Token),
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               &logger,
		}
		if cfg.Default.Transport == "sse" {
			return feedsync.NewSSETransport(base, rc)
		}
		return feedsync.NewWSTransport(base, rc)
	}
}

// restore resumes the stored session.
func (a *app) restore(ctx context.Context) error {
	err := a.feed.Restore(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, feedsync.ErrNotAuthenticated):
		return fmt.Errorf("not signed in; run 'feedsync login <email>' first")
	case errors.Is(err, feedsync.ErrSessionExpired):
		return fmt.Errorf("session expired; run 'feedsync login <email>' again")
	default:
		return fmt.Errorf("failed to restore session: %w", err)
	}
}

// close mirrors the caches of a live session and releases the database.
func (a *app) close(ctx context.Context) {
	if a.feed.Session() != nil {
		if err := a.feed.Mirror(ctx, a.mirror); err != nil {
			logger.Warn().Err(err).Msg("mirror caches")
		}
	}
	if err := a.mirror.Close(); err != nil {
		logger.Warn().Err(err).Msg("close mirror")
	}
}

// name returns the display name of a user key, falling back to the key.
func (a *app) name(userID string) string {
	if u, ok := a.feed.Users().Get(userID); ok {
		return u.FullName()
	}
	return userID
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
