// Package main runs the SMS notifier for the food-delivery vendor dashboard:
// an HTTP service that reconciles dashboard snapshots and dispatches customer
// SMS, plus CLI commands for settings, logins and one-off sends.
package main

import (
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// cli carries what every command needs to build the app.
type cli struct {
	getenv func(string) string
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	c := &cli{getenv: getenv}
	root := &cobra.Command{
		Use:           "snappyar",
		Short:         "SMS notifications for vendor dashboard orders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		c.serveCmd(),
		c.dateCmd(),
		c.reconcileCmd(),
		c.sendCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.accountsCmd(),
		c.logsCmd(),
		c.settingsCmd(),
	)
	return root
}

// open builds the app for cmd. Logs go to stderr so command output stays
// clean, except for serve where they are the output.
func (c *cli) open(cmd *cobra.Command, logs io.Writer) (*app, config, error) {
	cfg := loadConfig(c.getenv)
	logger := newLogger(cfg.LogFormat, logs)
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, cfg, err
	}
	return a, cfg, nil
}
