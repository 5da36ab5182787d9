package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ubysbot",
		Short: "UBYS grade monitor with Telegram alerts",
		Long: `ubysbot watches the UBYS grade page of each configured student account and
sends a Telegram message whenever a course or an exam score changes.

The daemon ("ubysbot run") polls on a schedule and serves bot commands;
"ubysbot check" does a single poll from the terminal without touching
Telegram. Account edits made with "ubysbot accounts" are picked up by a
running daemon through its config watcher, no restart needed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to the config file (JSON or YAML)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newAccountsCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)
	return root
}
