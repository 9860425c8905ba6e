package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fakebook-app/feedsync"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and print live changes",
	Long: `Restore the session, open the push channel and print every cache change
until interrupted.

Signals map to lifecycle events:
  SIGUSR1   hidden  (reports offline)
  SIGUSR2   visible (reports online)
  SIGINT    unload (reports offline), then exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		bus := feedsync.NewLifecycleBus().WithLogger(logger)
		a, err := newApp(ctx, appOptions{push: true, lifecycle: bus})
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		a.feed.OnStateChange(func(s feedsync.SessionState) {
			fmt.Printf("%s  session %s\n", time.Now().Format(time.TimeOnly), s)
		})
		a.feed.OnChange(func(entity string) {
			fmt.Printf("%s  %s changed (%s)\n", time.Now().Format(time.TimeOnly), entity, countOf(a.feed, entity))
		})

		if err := a.restore(ctx); err != nil {
			return err
		}
		fmt.Printf("Watching as %s (push %s). Ctrl-C to stop.\n", a.name(a.feed.Session().UserID), a.feed.PushState())

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		for sig := range sigs {
			switch sig {
			case syscall.SIGUSR1:
				bus.Emit(feedsync.LifecycleHidden)
			case syscall.SIGUSR2:
				bus.Emit(feedsync.LifecycleVisible)
			default:
				bus.Emit(feedsync.LifecycleUnload)
				return nil
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func countOf(f *feedsync.Feed, entity string) string {
	switch entity {
	case feedsync.EntityUsers:
		return fmt.Sprintf("%d users", f.Users().Len())
	case feedsync.EntityPosts:
		return fmt.Sprintf("%d posts", f.Posts().Len())
	case feedsync.EntityIncomingMessages:
		return fmt.Sprintf("%d received", f.IncomingMessages().Len())
	case feedsync.EntityOutgoingMessages:
		return fmt.Sprintf("%d sent", f.OutgoingMessages().Len())
	case feedsync.EntityCurrentUser:
		if u, ok := f.CurrentUser(); ok {
			return u.FullName()
		}
		return "cleared"
	}
	return ""
}
