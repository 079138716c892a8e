package bus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Invalidator drops cached results.
type Invalidator interface {
	Invalidate(ctx context.Context, tokens ...string) error
	InvalidateAll(ctx context.Context) error
}

// InvalidationHandler returns a MessageHandler that turns GraphUpdated events
// into cache invalidations. Wallet or identity changes cannot be mapped to
// tokens without a traversal, so they drop everything.
func InvalidationHandler(inv Invalidator) MessageHandler {
	return func(ctx context.Context, msg Message) error {
		if msg.Topic != Topics.GraphUpdates() {
			return nil
		}
		ev, err := DecodeGraphUpdated(msg.Value)
		if err != nil {
			return err
		}

		if ev.TokenScoped() {
			log.Debug().
				Str("event_id", ev.EventID).
				Strs("tokens", ev.Tokens).
				Msg("graph update: invalidating tokens")
			if err := inv.Invalidate(ctx, ev.Tokens...); err != nil {
				return fmt.Errorf("invalidate %d tokens: %w", len(ev.Tokens), err)
			}
			return nil
		}

		log.Info().
			Str("event_id", ev.EventID).
			Bool("full", ev.Full).
			Int("wallets", len(ev.Wallets)).
			Int("fids", len(ev.FIDs)).
			Msg("graph update: invalidating all results")
		if err := inv.InvalidateAll(ctx); err != nil {
			return fmt.Errorf("invalidate all: %w", err)
		}
		return nil
	}
}
