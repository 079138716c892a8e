package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every event this service emits.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// --- Graph Events ---

// GraphUpdated announces that part of the wallet/identity graph changed.
// Consumers drop cached results for the named tokens, or everything when
// Full is set or the change touched wallets/identities whose tokens are
// unknown.
type GraphUpdated struct {
	BaseEvent
	Tokens  []string `json:"tokens,omitempty"`
	Wallets []string `json:"wallets,omitempty"`
	FIDs    []int64  `json:"fids,omitempty"`
	Full    bool     `json:"full,omitempty"`
}

// TokenScoped reports whether the update can be handled per token.
func (e GraphUpdated) TokenScoped() bool {
	return !e.Full && len(e.Wallets) == 0 && len(e.FIDs) == 0 && len(e.Tokens) > 0
}

// --- Stats Events ---

// StatsComputed is emitted each time weighted holder stats are computed.
type StatsComputed struct {
	BaseEvent
	Token               string    `json:"token"`
	Symbol              string    `json:"symbol"`
	WeightedHolderTotal float64   `json:"weighted_holder_total"`
	RawHolderTotal      int       `json:"raw_holder_total"`
	LinkedIdentities    int       `json:"linked_identities"`
	UnlinkedWallets     int       `json:"unlinked_wallets"`
	ComputedAt          time.Time `json:"computed_at"`
}

// DecodeGraphUpdated parses a GraphUpdated payload.
func DecodeGraphUpdated(data []byte) (GraphUpdated, error) {
	var ev GraphUpdated
	if err := json.Unmarshal(data, &ev); err != nil {
		return GraphUpdated{}, fmt.Errorf("decode graph update: %w", err)
	}
	return ev, nil
}
