package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// ErrMarketNotFound is returned by Get for tickers never seen by the collector.
var ErrMarketNotFound = errors.New("market not found")

// MarketStore persists market metadata. Markets are created on first sight
// and never deleted; every status change is appended to
// market_status_history so the full lifecycle is auditable.
type MarketStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewMarketStore creates a MarketStore.
func NewMarketStore(db *pgxpool.Pool, logger *slog.Logger) *MarketStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketStore{db: db, logger: logger}
}

// Upsert inserts a market on first sight or updates its status. A status
// change also appends a history row in the same transaction.
func (s *MarketStore) Upsert(ctx context.Context, m model.Market) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if m.Metadata == nil {
		meta = []byte("{}")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM markets WHERE ticker = $1 FOR UPDATE`,
		m.Ticker,
	).Scan(&oldStatus)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO markets (ticker, event_ticker, status, metadata, discovered_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, m.Ticker, m.EventTicker, string(m.Status), meta, m.DiscoveredAt)
		if err != nil {
			return fmt.Errorf("insert market %s: %w", m.Ticker, err)
		}

	case err != nil:
		return fmt.Errorf("lock market %s: %w", m.Ticker, err)

	default:
		if oldStatus == string(m.Status) {
			return tx.Commit(ctx)
		}
		_, err = tx.Exec(ctx, `
			UPDATE markets SET status = $2, updated_at = $3 WHERE ticker = $1
		`, m.Ticker, string(m.Status), m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update market %s: %w", m.Ticker, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO market_status_history (ticker, old_status, new_status, changed_at)
			VALUES ($1, $2, $3, $4)
		`, m.Ticker, oldStatus, string(m.Status), m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert status history %s: %w", m.Ticker, err)
		}
	}

	return tx.Commit(ctx)
}

// Get returns a single market by ticker.
func (s *MarketStore) Get(ctx context.Context, ticker string) (model.Market, error) {
	var (
		m    model.Market
		meta []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT ticker, event_ticker, status, metadata, discovered_at, updated_at
		FROM markets WHERE ticker = $1
	`, ticker).Scan(&m.Ticker, &m.EventTicker, (*string)(&m.Status), &meta, &m.DiscoveredAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Market{}, ErrMarketNotFound
	}
	if err != nil {
		return model.Market{}, fmt.Errorf("get market %s: %w", ticker, err)
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return model.Market{}, fmt.Errorf("unmarshal metadata for %s: %w", ticker, err)
	}
	return m, nil
}

// List returns all markets ordered by ticker.
func (s *MarketStore) List(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticker, event_ticker, status, metadata, discovered_at, updated_at
		FROM markets ORDER BY ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	return scanMarkets(rows)
}

// ActiveTickers returns the tickers of all markets whose status is not
// terminal. The subscription manager rebuilds its state from this set on
// every (re)connect.
func (s *MarketStore) ActiveTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticker FROM markets
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY discovered_at
	`, string(model.StatusClosed), string(model.StatusDetermined), string(model.StatusSettled))
	if err != nil {
		return nil, fmt.Errorf("active tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

func scanMarkets(rows pgx.Rows) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		var (
			m    model.Market
			meta []byte
		)
		if err := rows.Scan(&m.Ticker, &m.EventTicker, (*string)(&m.Status), &meta, &m.DiscoveredAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", m.Ticker, err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
