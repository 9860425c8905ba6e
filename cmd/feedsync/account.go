package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fakebook-app/feedsync"
	"github.com/spf13/cobra"
)

var (
	loginPassword string

	registerEmail     string
	registerPassword  string
	registerFirstname string
	registerLastname  string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (default $FEEDSYNC_PASSWORD)")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "E-mail address")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password (default $FEEDSYNC_PASSWORD)")
	registerCmd.Flags().StringVar(&registerFirstname, "firstname", "", "First name")
	registerCmd.Flags().StringVar(&registerLastname, "lastname", "", "Last name")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("firstname")
	_ = registerCmd.MarkFlagRequired("lastname")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, remindCmd)
}

func password(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("FEEDSYNC_PASSWORD"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no password given; use --password or FEEDSYNC_PASSWORD")
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password(loginPassword)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.feed.Login(ctx, args[0], pw); err != nil {
			if errors.Is(err, feedsync.ErrEmailNotVerified) {
				return fmt.Errorf("please verify your e-mail address before signing in")
			}
			return fmt.Errorf("login failed: %w", err)
		}

		me, _ := a.feed.CurrentUser()
		fmt.Println("Signed in!")
		fmt.Printf("  User ID: %s\n", me.UserID)
		fmt.Printf("  Name:    %s\n", me.FullName())
		fmt.Printf("  Session: %s\n", a.store.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.restore(ctx); err != nil {
			// Nothing live to sign out of; make sure no credentials linger.
			if err := a.store.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		}
		if err := a.feed.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		if err := a.mirror.ClearMirror(ctx); err != nil {
			logger.Warn().Err(err).Msg("clear mirror")
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password(registerPassword)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.close(ctx)

		err = a.feed.CreateAccount(ctx, feedsync.AccountOptions{
			Email:     registerEmail,
			Password:  pw,
			Firstname: registerFirstname,
			Lastname:  registerLastname,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Println("Check your inbox to verify your e-mail address, then run 'feedsync login'.")
		return nil
	},
}

var remindCmd = &cobra.Command{
	Use:   "remind <email>",
	Short: "Send a password reminder e-mail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.feed.SendPasswordReminder(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Password reminder sent to %s\n", args[0])
		return nil
	},
}
