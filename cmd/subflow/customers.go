package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subflow/pkg/billing"
	zerologadapter "github.com/mihaimyh/subflow/pkg/billing/logger/zerolog"
	"github.com/mihaimyh/subflow/pkg/billing/stripe"
)

func newCustomersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customers",
		Short: "Inspect Stripe customers",
	}
	cmd.AddCommand(newCustomersExportCmd(opts))
	return cmd
}

func newCustomersExportCmd(opts *rootOptions) *cobra.Command {
	var (
		maxCustomers int
		format       string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export customers as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("%w: unknown format %q", billing.ErrInvalidArgument, format)
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			provider, err := stripe.NewProvider(stripe.Config{
				Config: billing.Config{
					APIKey: cfg.StripeSecretKey,
					Sink:   billing.NewMemorySink(),
					Logger: zerologadapter.NewLogger(logger),
				},
				APIURL: cfg.StripeAPIURL,
			})
			if err != nil {
				return err
			}

			customers, err := provider.ListAllCustomers(cmd.Context(), maxCustomers)
			if err != nil {
				return err
			}
			logger.Info().Int("count", len(customers)).Msg("customers exported")

			if format == "csv" {
				return writeCustomersCSV(cmd.OutOrStdout(), customers)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(customers)
		},
	}

	cmd.Flags().IntVar(&maxCustomers, "max", 1000, "maximum number of customers to export")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json or csv)")
	return cmd
}

func writeCustomersCSV(w io.Writer, customers []*billing.Customer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "email", "name", "created", "user_id"}); err != nil {
		return err
	}
	for _, c := range customers {
		created := ""
		if c.Created > 0 {
			created = time.Unix(c.Created, 0).UTC().Format(time.RFC3339)
		}
		row := []string{c.ID, c.Email, c.Name, created, c.Metadata["user_id"]}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
