package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ubysbot/internal/config"
	"ubysbot/internal/task/scheduler"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage monitored accounts in the config file",
		Long: `Edits monitor.accounts in the config file atomically, keeping the file's
format (JSON or YAML by extension). A running daemon picks the change up
through its config watcher; no restart is needed.`,
	}
	cmd.AddCommand(
		newAccountsListCmd(),
		newAccountsAddCmd(),
		newAccountsRemoveCmd(),
		newAccountsEnableCmd(),
		newAccountsDisableCmd(),
	)
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if len(cfg.Monitor.Accounts) == 0 {
				fmt.Println("no accounts configured")
				return nil
			}
			// Passwords never leave the config file.
			for _, a := range cfg.Monitor.Accounts {
				state := "enabled"
				if !a.Enabled {
					state = "disabled"
				}
				chat := "default chat"
				if a.ChatID != 0 {
					chat = fmt.Sprintf("chat %d", a.ChatID)
				}
				sched := ""
				if strings.TrimSpace(a.Schedule) != "" {
					sched = " schedule=" + strings.TrimSpace(a.Schedule)
				}
				fmt.Printf("%-20s %-9s user=%s %s%s\n", a.Name, state, a.Username, chat, sched)
			}
			return nil
		},
	}
}

var (
	addUsername  string
	addPassword  string
	addGradesURL string
	addChatID    int64
	addSchedule  string
	addDisabled  bool
)

func newAccountsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Long: `Adds one student account. The password comes from --password or, when the
flag is omitted, from a no-echo prompt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if s := strings.TrimSpace(addSchedule); s != "" {
				if _, err := scheduler.ParseSchedule(s); err != nil {
					return fmt.Errorf("--schedule: %w", err)
				}
			}
			pass := addPassword
			if pass == "" {
				p, err := promptPassword("password for " + addUsername + ": ")
				if err != nil {
					return err
				}
				pass = p
			}
			acct := config.Account{
				Name:      name,
				Username:  addUsername,
				Password:  pass,
				GradesURL: addGradesURL,
				ChatID:    addChatID,
				Schedule:  addSchedule,
				Enabled:   !addDisabled,
			}
			if err := config.AddAccount(cfgPath, acct); err != nil {
				return err
			}
			fmt.Printf("account %q added\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&addUsername, "username", "", "portal login (student number)")
	cmd.Flags().StringVar(&addPassword, "password", "", "portal password (prompted when omitted)")
	cmd.Flags().StringVar(&addGradesURL, "grades-url", "", "full URL of the course grades page")
	cmd.Flags().Int64Var(&addChatID, "chat-id", 0, "Telegram chat override for this account's alerts")
	cmd.Flags().StringVar(&addSchedule, "schedule", "", `poll schedule override: duration, HH:MM or cron (e.g. "55m", "0 8-22 * * *")`)
	cmd.Flags().BoolVar(&addDisabled, "disabled", false, "add the account without enabling polling")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("grades-url")
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove an account",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RemoveAccount(cfgPath, args[0]); err != nil {
				return err
			}
			fmt.Printf("account %q removed\n", args[0])
			return nil
		},
	}
}

func newAccountsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Resume polling for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetAccountEnabled(cfgPath, args[0], true); err != nil {
				return err
			}
			fmt.Printf("account %q enabled\n", args[0])
			return nil
		},
	}
}

func newAccountsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Pause polling for an account without losing its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetAccountEnabled(cfgPath, args[0], false); err != nil {
				return err
			}
			fmt.Printf("account %q disabled\n", args[0])
			return nil
		},
	}
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no --password flag and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", errors.New("empty password")
	}
	return string(b), nil
}
