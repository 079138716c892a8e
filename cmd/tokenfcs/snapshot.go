package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

func newSnapshotCmd() *cobra.Command {
	var (
		fixture string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Convert a YAML graph fixture into a binary snapshot",
		Long: `Builds the in-memory graph from a YAML fixture and saves it as a gob
snapshot that serve and the query commands load with --graph.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := graph.LoadFixture(fixture)
			if err != nil {
				return err
			}
			if err := m.SaveSnapshot(output); err != nil {
				return err
			}
			info := graph.GetSnapshotInfo(output)
			log.Info().
				Str("path", info.Path).
				Int64("size_bytes", info.SizeBytes).
				Msg("snapshot written")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", info.Path, info.SizeBytes)
			return err
		},
	}

	cmd.Flags().StringVar(&fixture, "fixture", "", "YAML fixture to convert")
	cmd.Flags().StringVar(&output, "output", "graph.gob", "Snapshot output path")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}
