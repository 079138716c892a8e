package graph

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Memory graph persistence: gob-encoded snapshots
// ---------------------------------------------------------------------------

// graphSnapshot is the serializable state of a Memory graph.
type graphSnapshot struct {
	Tokens     map[string]*Token
	Holdings   map[string]map[string]decimal.Decimal
	Wallets    map[string]*Wallet
	Identities map[int64]*Identity
	Accounts   map[string]ExternalAccount
	Apps       map[string]App
	Created    map[int64][]string
	Rewards    map[string][]decimal.Decimal
	Links      map[NodeRef]map[NodeRef]bool
	LinkCount  int64
	CreatedAt  time.Time
}

// SaveSnapshot persists the graph to a gob-encoded file.
func (m *Memory) SaveSnapshot(path string) error {
	m.mu.RLock()
	snap := graphSnapshot{
		Tokens:     m.tokens,
		Holdings:   m.holdings,
		Wallets:    m.wallets,
		Identities: m.identities,
		Accounts:   m.accounts,
		Apps:       m.apps,
		Created:    m.created,
		Rewards:    m.rewards,
		Links:      m.links,
		LinkCount:  m.linkCount.Load(),
		CreatedAt:  time.Now(),
	}
	defer m.mu.RUnlock()

	// Write to temp file first, then rename (atomic).
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("graph: create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("graph: create snapshot file: %w", err)
	}

	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("graph: encode snapshot: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("graph: close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("graph: rename snapshot: %w", err)
	}

	log.Info().
		Int("tokens", len(snap.Tokens)).
		Int("identities", len(snap.Identities)).
		Int64("links", snap.LinkCount).
		Str("path", path).
		Msg("graph: snapshot saved")

	return nil
}

// LoadSnapshot replaces the graph contents with a gob-encoded snapshot.
// A missing or empty file leaves the graph unchanged.
func (m *Memory) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("graph: no snapshot found, starting empty")
			return nil
		}
		return fmt.Errorf("graph: open snapshot: %w", err)
	}
	defer f.Close()

	var snap graphSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			log.Warn().Str("path", path).Msg("graph: empty snapshot, starting empty")
			return nil
		}
		return fmt.Errorf("graph: decode snapshot: %w", err)
	}

	fresh := NewMemory()
	m.mu.Lock()
	m.tokens = orDefault(snap.Tokens, fresh.tokens)
	m.holdings = orDefault(snap.Holdings, fresh.holdings)
	m.wallets = orDefault(snap.Wallets, fresh.wallets)
	m.identities = orDefault(snap.Identities, fresh.identities)
	m.accounts = orDefault(snap.Accounts, fresh.accounts)
	m.apps = orDefault(snap.Apps, fresh.apps)
	m.created = orDefault(snap.Created, fresh.created)
	m.rewards = orDefault(snap.Rewards, fresh.rewards)
	m.links = orDefault(snap.Links, fresh.links)
	m.linkCount.Store(snap.LinkCount)
	m.mu.Unlock()

	log.Info().
		Int("tokens", len(snap.Tokens)).
		Int("identities", len(snap.Identities)).
		Time("created_at", snap.CreatedAt).
		Str("path", path).
		Msg("graph: snapshot loaded")

	return nil
}

// LoadMemory builds a Memory graph from a snapshot or YAML fixture,
// chosen by file extension (.gob snapshot, anything else fixture).
func LoadMemory(path string) (*Memory, error) {
	if filepath.Ext(path) == ".gob" {
		m := NewMemory()
		if err := m.LoadSnapshot(path); err != nil {
			return nil, err
		}
		return m, nil
	}
	return LoadFixture(path)
}

// SnapshotInfo describes a snapshot file without loading it.
type SnapshotInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Exists    bool      `json:"exists"`
}

func GetSnapshotInfo(path string) SnapshotInfo {
	info, err := os.Stat(path)
	if err != nil {
		return SnapshotInfo{Path: path, Exists: false}
	}
	return SnapshotInfo{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Exists:    true,
	}
}

// Fix nil maps from older or partial snapshots.
func orDefault[K comparable, V any](got, def map[K]V) map[K]V {
	if got == nil {
		return def
	}
	return got
}
