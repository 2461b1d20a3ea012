package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subflow/internal/app"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <userId>",
		Short: "Rebuild a user's entitlement from Stripe",
		Long: `sync reads the user's current subscriptions from Stripe and stores the
resulting entitlement in the configured store. Use it when a webhook
delivery was missed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			container, err := app.NewContainer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Close(); err != nil {
					logger.Error().Err(err).Msg("failed to close storage")
				}
			}()

			ent, err := container.Provider.SyncEntitlement(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logger.Info().Str("user_id", ent.UserID).Bool("active", ent.Active).Msg("entitlement synced")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ent)
		},
	}
}
