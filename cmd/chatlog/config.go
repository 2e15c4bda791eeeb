package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/config"
	"github.com/mschirtzinger/chatlog/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect the chatlog config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Long: `Write a TOML config file containing every setting with its default.

The file is written to ./chatlog.toml unless a path is given. An existing
file is only replaced with --force.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		channels, _ := cmd.Flags().GetStringSlice("channel")

		path := config.DefaultFileName + ".toml"
		if len(args) == 1 {
			path = args[0]
		}

		c := config.Default()
		for _, ch := range channels {
			c.Channels = append(c.Channels, schema.NormalizeChannelName(ch))
		}
		c.Store.DSN = cfg.Store.DSN
		if c.Store.DSN == "" {
			c.Store.DSN = "chatlog.db"
		}

		if err := c.WriteFile(path, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.NewTheme(os.Stdout).OK.Render("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, CHATLOG_*
environment variables and flags have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.File != "" {
			fmt.Printf("# loaded from %s\n", cfg.File)
		}
		if err := cfg.EncodeTOML(os.Stdout); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "\nWarning: configuration is not valid:\n%v\n", err)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().StringSlice("channel", nil, "channels to sync")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
