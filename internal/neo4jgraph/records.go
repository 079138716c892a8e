package neo4jgraph

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// Numeric properties arrive as int64, float64 or string depending on how the
// indexer wrote them. The helpers below accept all three.

func recordValue(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

func recordString(rec *neo4j.Record, key string) string {
	switch v := recordValue(rec, key).(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func recordInt(rec *neo4j.Record, key string) int64 {
	switch v := recordValue(rec, key).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// recordFloatPtr returns nil for a missing or non-numeric property.
func recordFloatPtr(rec *neo4j.Record, key string) *float64 {
	var f float64
	switch v := recordValue(rec, key).(type) {
	case float64:
		f = v
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// recordDecimal decodes a balance. Missing values decode as zero.
func recordDecimal(rec *neo4j.Record, key string) (decimal.Decimal, error) {
	switch v := recordValue(rec, key).(type) {
	case nil:
		return decimal.Zero, nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("%s: non-finite value", key)
		}
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

func neighborRef(rec *neo4j.Record) (graph.NodeRef, bool) {
	key := recordString(rec, "ref")
	if key == "" {
		return graph.NodeRef{}, false
	}
	switch kind := graph.NodeKind(recordString(rec, "kind")); kind {
	case graph.KindWallet, graph.KindIdentity, graph.KindAccount:
		return graph.NodeRef{Kind: kind, Key: key}, true
	default:
		return graph.NodeRef{}, false
	}
}

type refBatch struct {
	kind  graph.NodeKind
	query string
	keys  []any
}

// batchRefs groups refs by kind into one query each. Identity keys are sent
// as integers to match the fid property; unparseable ones are skipped.
func batchRefs(refs []graph.NodeRef) []refBatch {
	var wallets, identities, accounts []any
	for _, r := range refs {
		switch r.Kind {
		case graph.KindWallet:
			wallets = append(wallets, r.Key)
		case graph.KindIdentity:
			if fid, ok := r.FID(); ok {
				identities = append(identities, fid)
			}
		case graph.KindAccount:
			accounts = append(accounts, r.Key)
		}
	}

	var out []refBatch
	if len(wallets) > 0 {
		out = append(out, refBatch{kind: graph.KindWallet, query: walletNeighborsQuery, keys: wallets})
	}
	if len(identities) > 0 {
		out = append(out, refBatch{kind: graph.KindIdentity, query: identityNeighborsQuery, keys: identities})
	}
	if len(accounts) > 0 {
		out = append(out, refBatch{kind: graph.KindAccount, query: accountNeighborsQuery, keys: accounts})
	}
	return out
}

func dedupeRefs(refs []graph.NodeRef) []graph.NodeRef {
	seen := make(map[graph.NodeRef]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}
