package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenfcs/internal/bus"
)

func newNotifyCmd(opts *globalOpts) *cobra.Command {
	var (
		tokens  []string
		wallets []string
		fids    []int64
		full    bool
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a graph update event so running servers drop cached results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := bus.GraphUpdated{
				Tokens:  tokens,
				Wallets: wallets,
				FIDs:    fids,
				Full:    full,
			}
			if !full && len(tokens) == 0 && len(wallets) == 0 && len(fids) == 0 {
				return fmt.Errorf("nothing to notify: pass --token, --wallet, --fid or --full")
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			producer, err := bus.NewProducer(cfg.Kafka.Brokers,
				bus.WithInstanceID(cfg.General.InstanceID),
				bus.WithLinger(cfg.Kafka.Linger()))
			if err != nil {
				return err
			}
			defer producer.Close()

			ev.BaseEvent = bus.NewBaseEvent(cfg.General.InstanceID)
			if err := producer.PublishJSON(cmd.Context(), bus.Topics.GraphUpdates(), "", ev); err != nil {
				return err
			}
			producer.Flush(5 * time.Second)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", ev.EventID)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&tokens, "token", nil, "Token whose holdings changed")
	cmd.Flags().StringSliceVar(&wallets, "wallet", nil, "Wallet whose links changed")
	cmd.Flags().Int64SliceVar(&fids, "fid", nil, "Identity whose links or score changed")
	cmd.Flags().BoolVar(&full, "full", false, "Drop every cached result")
	return cmd
}
