package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenfcs/internal/engine"
)

// runQuery opens the configured graph, runs fn against a fresh engine and
// prints its result as indented JSON.
func runQuery(cmd *cobra.Command, opts *globalOpts, fn func(context.Context, *engine.Engine) (any, error)) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := fn(ctx, a.engine())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <token>",
		Short: "Print the identity-weighted holder total of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, e *engine.Engine) (any, error) {
				return e.WeightedHolderStats(ctx, args[0])
			})
		},
	}
}

func newDistributionCmd(opts *globalOpts) *cobra.Command {
	var extra []float64
	cmd := &cobra.Command{
		Use:   "distribution <token>",
		Short: "Print the reputation score distribution of a token's holders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, e *engine.Engine) (any, error) {
				return e.ReputationDistribution(ctx, args[0], extra...)
			})
		},
	}
	cmd.Flags().Float64SliceVar(&extra, "percentile", nil, "Extra percentile to report, e.g. 25")
	return cmd
}

func newLeaderboardCmd(opts *globalOpts) *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "leaderboard <token>",
		Short: "Print one page of a token's holder identities ranked by balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, e *engine.Engine) (any, error) {
				return e.Leaderboard(ctx, args[0], limit, cursor)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", engine.MaxPageSize, "Page size (at most 100)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor returned by the previous page")
	return cmd
}

func newCompareCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <token> [token...]",
		Short: "Print weighted holder stats for several tokens side by side",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, e *engine.Engine) (any, error) {
				return e.CompareTokens(ctx, args)
			})
		},
	}
}
