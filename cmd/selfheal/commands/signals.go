package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/selfheal/selfheal/pkg/ingest"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/spf13/cobra"
)

func newSignalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Ingest and inspect failure signals",
	}
	cmd.AddCommand(newSignalsIngestCommand())
	cmd.AddCommand(newSignalsListCommand())
	cmd.AddCommand(newSignalsStatsCommand())
	return cmd
}

func newSignalsIngestCommand() *cobra.Command {
	var (
		source string
		topic  string
		shop   string
	)

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a webhook payload from a file or stdin",
		Long: `Ingest one webhook payload. The body is normalized exactly as the
matching /webhooks/{source} endpoint would do it.`,
		Example: `  # Ingest a generic signal
  echo '{"type":"checkout_event","merchant_id":"m_1","title":"Checkout down"}' | selfheal signals ingest

  # Replay a Shopify delivery
  selfheal signals ingest --source shopify --topic checkouts/update --shop acme.myshopify.com body.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			header := http.Header{}
			header.Set("X-Shopify-Topic", topic)
			header.Set("X-Shopify-Shop-Domain", shop)
			signal, err := ingest.Normalize(source, header, body)
			if err != nil {
				return err
			}

			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				stored, err := a.engine.Ingestor.Ingest(ctx, signal)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(stored)
				}
				printStatus("Ingested signal %s (%s, %s)", stored.ID, stored.Type, stored.Severity)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", ingest.SourceGeneric, "webhook source: stripe, shopify, zendesk, freshdesk or generic")
	cmd.Flags().StringVar(&topic, "topic", "", "Shopify topic")
	cmd.Flags().StringVar(&shop, "shop", "", "Shopify shop domain")

	return cmd
}

func newSignalsListCommand() *cobra.Command {
	var (
		processed  string
		signalType string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent signals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.SignalFilter{Limit: limit}
			switch processed {
			case "":
			case "true", "false":
				p := processed == "true"
				filter.Processed = &p
			default:
				return fmt.Errorf("--processed must be true or false")
			}
			if signalType != "" {
				t := models.SignalType(signalType)
				if !t.Valid() {
					return fmt.Errorf("unknown signal type %q", signalType)
				}
				filter.Type = &t
			}

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				signals, err := a.store.ListSignals(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(signals)
				}

				t := newTable("ID", "Type", "Subject", "Severity", "Title", "Processed", "Received")
				for _, s := range signals {
					t.AppendRow([]interface{}{s.ID, s.Type, s.SubjectID, s.Severity, ellipsis(s.Title, 48), s.Processed, formatTime(s.Timestamp)})
				}
				t.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&processed, "processed", "", "filter by processed state (true or false)")
	cmd.Flags().StringVar(&signalType, "type", "", "filter by signal type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of signals")

	return cmd
}

func newSignalsStatsCommand() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize signals by type and severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				stats, err := a.store.SignalStats(ctx, time.Now().Add(-window))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(stats)
				}

				printStatus("Signals since %s: %d (%d unprocessed)", formatTime(stats.Since), stats.Total, stats.Unprocessed)
				t := newTable("Dimension", "Value", "Count")
				for _, k := range sortedKeys(stats.ByType) {
					t.AppendRow([]interface{}{"type", k, stats.ByType[k]})
				}
				for _, k := range sortedKeys(stats.BySeverity) {
					t.AppendRow([]interface{}{"severity", k, stats.BySeverity[k]})
				}
				t.Render()
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to look")

	return cmd
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
