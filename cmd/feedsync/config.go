package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configShowJSON bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Print the effective configuration as JSON")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change client settings",
	Long: `Settings live in ~/.feedsync/config.toml. Environment variables override
the file for a single run:

  FEEDSYNC_BASE_URL    default.base_url
  FEEDSYNC_TRANSPORT   default.transport (ws or sse)`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configShowJSON {
			return printJSON(cfg)
		}

		path, err := configPath("config.toml")
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("%s (not created yet, run 'feedsync init <base-url>')\n", path)
		} else {
			fmt.Println(path)
		}
		for _, s := range settings {
			value, source := *s.ptr(cfg), "file"
			switch {
			case os.Getenv(s.env) != "":
				source = "env " + s.env
			case *s.ptr(file) == "":
				value, source = "-", "unset"
			}
			fmt.Printf("  %-18s %-36s (%s)\n", s.key, value, source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Example: `  feedsync config set default.transport sse
  feedsync config set default.base_url https://fakebook.example`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		s, err := lookupSetting(args[0])
		if err != nil {
			return err
		}
		old := *s.ptr(cfg)
		if err := s.set(cfg, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s: %s -> %s\n", s.key, valueOrDefault(old, "(unset)"), *s.ptr(cfg))
		return nil
	},
}
