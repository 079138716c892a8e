package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenfcs/internal/bus"
)

// StatsRow is one holder_stats row.
type StatsRow struct {
	EventID             string
	ComputedAt          time.Time
	Token               string
	Symbol              string
	WeightedHolderTotal float64
	RawHolderTotal      uint32
	LinkedIdentities    uint32
	UnlinkedWallets     uint32
}

func (r StatsRow) values() []any {
	return []any{
		r.EventID, r.ComputedAt, r.Token, r.Symbol,
		r.WeightedHolderTotal, r.RawHolderTotal, r.LinkedIdentities, r.UnlinkedWallets,
	}
}

// StatsRowFromEvent converts a StatsComputed event to a row.
func StatsRowFromEvent(ev bus.StatsComputed) StatsRow {
	return StatsRow{
		EventID:             ev.EventID,
		ComputedAt:          ev.ComputedAt,
		Token:               ev.Token,
		Symbol:              ev.Symbol,
		WeightedHolderTotal: ev.WeightedHolderTotal,
		RawHolderTotal:      uint32(ev.RawHolderTotal),
		LinkedIdentities:    uint32(ev.LinkedIdentities),
		UnlinkedWallets:     uint32(ev.UnlinkedWallets),
	}
}

// StatsWriter batches holder stats rows and flushes them to ClickHouse
// periodically or when the batch is full.
type StatsWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buf    []StatsRow
	closed bool

	flushCount atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewStatsWriter creates a batch writer that flushes on size or interval.
func NewStatsWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *StatsWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &StatsWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make([]StatsRow, 0, batchSize),
	}
}

func (w *StatsWriter) table() string {
	return qualify(w.database, "holder_stats")
}

// RecordStats buffers ev, flushing when the batch is full.
func (w *StatsWriter) RecordStats(ctx context.Context, ev bus.StatsComputed) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("stats writer is closed")
	}
	w.buf = append(w.buf, StatsRowFromEvent(ev))
	needsFlush := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start begins the background flush loop.
func (w *StatsWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("table", w.table()).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("stats writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("stats writer: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows to ClickHouse.
func (w *StatsWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.buf
	w.buf = make([]StatsRow, 0, w.batchSize)
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	if err := w.write(ctx, rows); err != nil {
		w.errorCount.Add(1)
		log.Error().Err(err).Int("count", len(rows)).Msg("stats writer: flush failed")
		return err
	}

	w.flushCount.Add(1)
	log.Debug().
		Int("rows", len(rows)).
		Int64("total_flushes", w.flushCount.Load()).
		Msg("stats writer flushed")
	return nil
}

func (w *StatsWriter) write(ctx context.Context, rows []StatsRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = r.values()
		}
		return w.flushHook(ctx, w.table(), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (event_id, computed_at, token, symbol, weighted_holder_total, "+
			"raw_holder_total, linked_identities, unlinked_wallets)",
		w.table())

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare stats batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.values()...); err != nil {
			return fmt.Errorf("append stats row: %w", err)
		}
	}
	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *StatsWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("stats writer: final flush on close failed")
		return err
	}

	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("stats writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *StatsWriter) Stats() (flushCount, errorCount int64, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount.Load(), w.errorCount.Load(), len(w.buf)
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *StatsWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
