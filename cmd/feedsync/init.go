package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initTransport string

func init() {
	initCmd.Flags().StringVar(&initTransport, "transport", "ws", "Push transport: ws or sse")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Point feedsync at a Fakebook server",
	Long: `Write the server URL and push transport to ~/.feedsync/config.toml.
Settings already in the file are kept unless given here.`,
	Example: "  feedsync init https://fakebook.example --transport sse",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, "default.base_url", args[0]); err != nil {
			return err
		}
		if cmd.Flags().Changed("transport") || cfg.Default.Transport == "" {
			if err := setConfigValue(cfg, "default.transport", initTransport); err != nil {
				return err
			}
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		path, err := configPath("config.toml")
		if err != nil {
			return err
		}
		fmt.Printf("Using %s over %s (saved to %s)\n", cfg.Default.BaseURL, cfg.Default.Transport, path)
		fmt.Println("Next: feedsync login <email>")
		return nil
	},
}
