package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// HoldingsReader serves the token and holding half of graph.Reader from
// the indexer tables:
//
//	tokens(address, name, symbol, holder_count)
//	token_balances(token, wallet, balance, updated_at)
//
// token_balances is append-only; the latest row per wallet wins.
type HoldingsReader struct {
	conn     driver.Conn
	database string
}

var _ graph.HoldingsSource = (*HoldingsReader)(nil)

// NewHoldingsReader creates a reader over client's connection. An empty
// database uses the one named in the client's DSN.
func NewHoldingsReader(client *Client, database string) *HoldingsReader {
	if database == "" {
		database = client.Database()
	}
	return &HoldingsReader{conn: client.Conn(), database: database}
}

func (r *HoldingsReader) tokenQuery() string {
	return fmt.Sprintf(
		"SELECT address, name, symbol, holder_count FROM %s WHERE address = ? LIMIT 1",
		qualify(r.database, "tokens"))
}

func (r *HoldingsReader) holdersQuery() string {
	return fmt.Sprintf(
		"SELECT wallet, toString(argMax(balance, updated_at)) AS latest "+
			"FROM %s WHERE token = ? GROUP BY wallet "+
			"HAVING argMax(balance, updated_at) > 0 ORDER BY wallet",
		qualify(r.database, "token_balances"))
}

// Token implements graph.HoldingsSource.
func (r *HoldingsReader) Token(ctx context.Context, address string) (graph.Token, error) {
	var (
		tok         graph.Token
		holderCount uint64
	)
	err := r.conn.QueryRow(ctx, r.tokenQuery(), address).Scan(&tok.Address, &tok.Name, &tok.Symbol, &holderCount)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Token{}, fmt.Errorf("%w: %s", graph.ErrInvalidToken, address)
	}
	if err != nil {
		return graph.Token{}, fmt.Errorf("%w: clickhouse token %s: %w", graph.ErrUnavailable, address, err)
	}
	tok.HolderCount = int(holderCount)
	return tok, nil
}

// HoldersOf implements graph.HoldingsSource. An unknown token has no
// holders; callers tell it apart from an empty one with Token.
func (r *HoldingsReader) HoldersOf(ctx context.Context, token string) ([]graph.Holding, error) {
	rows, err := r.conn.Query(ctx, r.holdersQuery(), token)
	if err != nil {
		return nil, fmt.Errorf("%w: clickhouse holders of %s: %w", graph.ErrUnavailable, token, err)
	}
	defer rows.Close()

	var out []graph.Holding
	for rows.Next() {
		var wallet, raw string
		if err := rows.Scan(&wallet, &raw); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		h, ok, err := parseHolding(wallet, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: clickhouse holders of %s: %w", graph.ErrUnavailable, token, err)
	}
	return out, nil
}

// Ping implements graph.HoldingsSource.
func (r *HoldingsReader) Ping(ctx context.Context) error {
	if err := r.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: clickhouse ping: %w", graph.ErrUnavailable, err)
	}
	return nil
}

// parseHolding decodes a balance rendered with toString. Rows with a
// non-positive balance are skipped.
func parseHolding(wallet, raw string) (graph.Holding, bool, error) {
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return graph.Holding{}, false, fmt.Errorf("balance of %s: %w", wallet, err)
	}
	if bal.Sign() <= 0 || wallet == "" {
		return graph.Holding{}, false, nil
	}
	return graph.Holding{Wallet: wallet, Balance: bal}, true, nil
}
