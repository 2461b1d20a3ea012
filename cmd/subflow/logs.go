package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subflow/internal/app"
	"github.com/mihaimyh/subflow/pkg/billing"
)

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the webhook event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}

			sink, closeSink, err := app.OpenSink(cfg)
			if err != nil {
				return err
			}
			defer closeSink()

			content, err := sink.ReadAll(cmd.Context())
			if errors.Is(err, billing.ErrNotFound) {
				return fmt.Errorf("no webhook events recorded yet")
			}
			if err != nil {
				return err
			}
			return printLog(cmd.OutOrStdout(), content, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per event")
	return cmd
}

// printLog writes the raw log, or one JSON record per parsed line.
func printLog(w io.Writer, content string, asJSON bool) error {
	if !asJSON {
		_, err := io.WriteString(w, content)
		return err
	}

	enc := json.NewEncoder(w)
	for _, line := range strings.FieldsFunc(content, func(r rune) bool { return r == '\n' }) {
		record, err := billing.ParseEventRecord(line)
		if err != nil {
			return err
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return nil
}
