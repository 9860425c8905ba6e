package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fakebook-app/feedsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// feed
	feedLimit   int
	feedOffline bool

	// post
	postPhoto   string
	postYoutube string

	// messages
	messagesSent bool

	// profile
	profileFirstname string
	profileLastname  string
	profilePicture   string
	profileCover     string
)

func init() {
	feedCmd.Flags().IntVarP(&feedLimit, "limit", "n", 20, "Number of posts to show")
	feedCmd.Flags().BoolVar(&feedOffline, "offline", false, "Read the local mirror without contacting the server")
	postCmd.Flags().StringVar(&postPhoto, "photo", "", "Photo URL to attach")
	postCmd.Flags().StringVar(&postYoutube, "youtube", "", "YouTube URL to attach")
	messagesCmd.Flags().BoolVar(&messagesSent, "sent", false, "Show sent messages instead of the inbox")
	profileCmd.Flags().StringVar(&profileFirstname, "firstname", "", "New first name")
	profileCmd.Flags().StringVar(&profileLastname, "lastname", "", "New last name")
	profileCmd.Flags().StringVar(&profilePicture, "picture", "", "New profile picture URL")
	profileCmd.Flags().StringVar(&profileCover, "cover", "", "New background picture URL")

	for _, c := range []*cobra.Command{feedCmd, postCmd, editCmd, sendCmd, messagesCmd, readCmd, profileCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
		rootCmd.AddCommand(c)
	}
}

// withSession runs fn against a restored session.
func withSession(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if err := a.restore(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

// ============================================================================
// feed
// ============================================================================

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the newest posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if feedOffline {
			ctx := context.Background()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if err := a.feed.LoadMirror(ctx, a.mirror); err != nil {
				logger.Warn().Err(err).Msg("load mirror")
			}
			return printFeed(a)
		}
		return withSession(func(ctx context.Context, a *app) error {
			return printFeed(a)
		})
	},
}

func printFeed(a *app) error {
	posts := a.feed.Posts().Snapshot()
	if len(posts) > feedLimit {
		posts = posts[:feedLimit]
	}
	if jsonOutput {
		return printJSON(posts)
	}
	if len(posts) == 0 {
		fmt.Println("No posts.")
		return nil
	}
	for _, p := range posts {
		fmt.Printf("[%s] %s  %s\n", p.PostID, a.name(p.UserID), p.Timestamp.Local().Format(time.DateTime))
		if p.Text != "" {
			fmt.Printf("  %s\n", p.Text)
		}
		if p.IsPhoto {
			fmt.Printf("  photo: %s\n", p.PhotoURL)
		}
		if p.IsYoutube {
			fmt.Printf("  video: %s\n", p.YoutubeURL)
		}
		fmt.Printf("  %d likes, %d comments\n", len(p.Likes), len(p.Comments))
	}
	return nil
}

// ============================================================================
// post / edit
// ============================================================================

var postCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Publish a post",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			post, err := a.feed.CreatePost(ctx, feedsync.PostInput{
				Text:       strings.Join(args, " "),
				PhotoURL:   postPhoto,
				YoutubeURL: postYoutube,
				IsPhoto:    postPhoto != "",
				IsYoutube:  postYoutube != "",
			})
			if err != nil {
				return fmt.Errorf("post failed: %w", err)
			}
			if jsonOutput {
				return printJSON(post)
			}
			fmt.Printf("Posted %s\n", post.PostID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <post-id> <text>",
	Short: "Change the text of a post",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			patch := feedsync.PostPatch{Text: feedsync.Some(strings.Join(args[1:], " "))}
			if err := a.feed.UpdatePost(ctx, args[0], patch); err != nil {
				return fmt.Errorf("edit failed: %w", err)
			}
			if jsonOutput {
				p, _ := a.feed.Posts().Get(args[0])
				return printJSON(p)
			}
			fmt.Printf("Updated %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// messages
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text>",
	Short: "Send a private message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			msg, err := a.feed.SendMessage(ctx, feedsync.MessageInput{
				Recipient: args[0],
				Text:      strings.Join(args[1:], " "),
			})
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			if jsonOutput {
				return printJSON(msg)
			}
			fmt.Printf("Sent %s to %s\n", msg.ID, a.name(msg.Recipient))
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List received (or sent) messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			view := a.feed.IncomingMessages()
			if messagesSent {
				view = a.feed.OutgoingMessages()
			}
			msgs := view.Snapshot()
			if jsonOutput {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, m := range msgs {
				marker := " "
				if !m.IsRead && !messagesSent {
					marker = "*"
				}
				peer := a.name(m.Sender)
				if messagesSent {
					peer = "to " + a.name(m.Recipient)
				}
				fmt.Printf("%s [%s] %s  %s\n    %s\n", marker, m.ID, peer, m.Timestamp.Local().Format(time.DateTime), m.Text)
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			if err := a.feed.MarkMessageRead(ctx, args[0]); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Marked %s as read\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// profile
// ============================================================================

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, a *app) error {
			var patch feedsync.ProfilePatch
			changed := false
			set := func(flag string, dst *feedsync.Opt[string], v string) {
				if cmd.Flags().Changed(flag) {
					*dst = feedsync.Some(v)
					changed = true
				}
			}
			set("firstname", &patch.Firstname, profileFirstname)
			set("lastname", &patch.Lastname, profileLastname)
			set("picture", &patch.ProfilePictureURL, profilePicture)
			set("cover", &patch.BackgroundPictureURL, profileCover)
			if changed {
				if err := a.feed.UpdateProfile(ctx, patch); err != nil {
					return fmt.Errorf("update failed: %w", err)
				}
			}

			me, _ := a.feed.CurrentUser()
			if jsonOutput {
				return printJSON(me)
			}
			fmt.Printf("User ID:    %s\n", me.UserID)
			fmt.Printf("Name:       %s\n", me.FullName())
			fmt.Printf("Profile:    %s\n", feedsync.ProfileLink(me.Firstname+"."+me.Lastname, me.Index))
			fmt.Printf("Picture:    %s\n", me.ProfilePictureURL)
			fmt.Printf("Cover:      %s\n", me.BackgroundPictureURL)
			fmt.Printf("Photos:     %d\n", len(me.Photos))
			fmt.Printf("Posts:      %d\n", len(me.Posts))
			fmt.Printf("Verified:   %t\n", me.IsEmailVerified)
			return nil
		})
	},
}
