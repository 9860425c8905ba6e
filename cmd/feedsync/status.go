package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fakebook-app/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check if the stored token is expired, and fetch the live account.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.close(ctx)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(a.cfg.Default.BaseURL, feedsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(a.cfg.Default.Transport, "ws (default)"))

		creds, err := a.store.Load(ctx)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Session:")
		if !creds.Valid() {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  User ID:     %s\n", creds.UserID)
		fmt.Printf("  Token:       %s\n", maskToken(creds.Token))

		tokenStatus := "present (no expiry)"
		if exp, ok := feedsync.TokenExpiry(creds.Token); ok {
			if time.Now().Before(exp) {
				tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
			} else {
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Expiry:      %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		if err := a.restore(ctx); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		me, _ := a.feed.CurrentUser()
		unread := 0
		for _, m := range a.feed.IncomingMessages().Snapshot() {
			if !m.IsRead {
				unread++
			}
		}
		fmt.Printf("  Name:        %s\n", me.FullName())
		fmt.Printf("  Profile:     %s\n", feedsync.ProfileLink(me.Firstname+"."+me.Lastname, me.Index))
		fmt.Printf("  Users:       %d\n", a.feed.Users().Len())
		fmt.Printf("  Posts:       %d\n", a.feed.Posts().Len())
		fmt.Printf("  Inbox:       %d (%d unread)\n", a.feed.IncomingMessages().Len(), unread)
		fmt.Printf("  Sent:        %d\n", a.feed.OutgoingMessages().Len())
		return nil
	},
}
