package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subflow/internal/app"
	"github.com/mihaimyh/subflow/pkg/config"
)

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "subflow",
		Short: "Stripe subscription webhooks and billing API",
		Long: `subflow receives Stripe webhooks, keeps an audit log of every verified
event, mirrors subscription state into local entitlements and exposes a small
billing API (checkout sessions, customers, subscriptions, prices).

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	cmd.AddCommand(
		newServeCmd(opts),
		newLogsCmd(opts),
		newCustomersCmd(opts),
		newSyncCmd(opts),
	)
	return cmd
}

// load reads configuration and builds the logger, applying flag overrides.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, app.NewLogger(cfg.LogLevel), nil
}
