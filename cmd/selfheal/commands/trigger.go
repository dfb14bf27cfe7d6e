package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/selfheal/selfheal/pkg/ingest"
	"github.com/spf13/cobra"
)

func newTriggerCommand() *cobra.Command {
	var (
		params []string
		seed   int64
	)

	kinds := make([]string, 0, len(ingest.Kinds()))
	for _, k := range ingest.Kinds() {
		kinds = append(kinds, string(k))
	}

	cmd := &cobra.Command{
		Use:       "trigger <kind>",
		Short:     "Ingest a synthetic failure signal",
		Long:      "Generate and ingest a realistic failure for demos and end-to-end checks.\n\nKinds: " + strings.Join(kinds, ", ") + "\n\nVariants:\n" + variantHelp(),
		Example:   "  selfheal trigger checkout-failure --param merchant_id=m_42 --param error_type=timeout",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ingest.ParseKind(args[0])
			if err != nil {
				return err
			}

			values := make(map[string]string, len(params))
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --param %q, expected key=value", p)
				}
				values[k] = v
			}

			signal, err := ingest.NewGenerator(seed).Generate(kind, values)
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
				printStatus("Triggered %s: signal %s for %s (%s)", kind, stored.ID, stored.SubjectID, stored.Severity)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "generator parameter as key=value (repeatable)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 seeds from the clock")

	return cmd
}

func variantHelp() string {
	variants := ingest.Variants()
	keys := make([]string, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, strings.Join(variants[k], ", "))
	}
	return b.String()
}
