package reconstruct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
	"github.com/clouvelai/kalshibook-sub001/internal/storage"
)

// Page limits for delta queries.
const (
	DefaultPageLimit = 500
	MaxPageLimit     = 5000
)

// Config holds reconstruction settings.
type Config struct {
	// StrictIntegrity selects PolicyStrict for replay: an inconsistent
	// stored stream fails the query instead of producing a clamped book.
	StrictIntegrity bool
}

// Book is a reconstructed order book at one instant.
type Book struct {
	Ticker          string             `json:"ticker"`
	At              time.Time          `json:"at"`
	BasisCapturedAt time.Time          `json:"basis_captured_at"`
	BasisSequence   int64              `json:"basis_sequence"`
	LastSeq         int64              `json:"last_seq"`
	YesLevels       []model.PriceLevel `json:"yes_levels"`
	NoLevels        []model.PriceLevel `json:"no_levels"`
	DeltasApplied   int                `json:"deltas_applied"`

	// Discontinuity is set when a recorded sequence gap falls inside the
	// replay window: the book is best-effort, not exact.
	Discontinuity bool `json:"discontinuity"`
}

// DeltaQuery selects a window of raw deltas for one market.
type DeltaQuery struct {
	Ticker string
	From   time.Time
	To     time.Time
	Cursor string // empty for the first page
	Limit  int    // 0 uses DefaultPageLimit
}

// DeltaPage is one page of deltas. NextCursor is empty on the last page.
type DeltaPage struct {
	Deltas     []model.OrderbookDelta
	NextCursor string
	HasMore    bool
}

// querier is the slice of the pgx pool the service reads through,
// narrowed so query assembly is testable without a database.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service reconstructs books and serves raw delta windows from storage.
type Service struct {
	db      querier
	markets *storage.MarketStore
	cache   *Cache // nil disables caching
	cfg     Config
	logger  *slog.Logger
}

// NewService creates a reconstruction service. cache may be nil.
func NewService(db *pgxpool.Pool, cache *Cache, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:      db,
		markets: storage.NewMarketStore(db, logger),
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With("component", "reconstruct"),
	}
}

// Reconstruct returns the order book for ticker as of at, truncated to the
// top depth levels per side (depth <= 0 keeps all).
func (s *Service) Reconstruct(ctx context.Context, ticker string, at time.Time, depth int) (*Book, error) {
	at = at.UTC()
	key := cacheKey(ticker, at, depth)
	if s.cache != nil {
		if book, ok := s.cache.get(ctx, key); ok {
			return book, nil
		}
	}

	basis, err := s.basisSnapshot(ctx, ticker, at)
	if err != nil {
		return nil, err
	}

	deltas, err := s.replayDeltas(ctx, ticker, basis.CapturedAt, at)
	if err != nil {
		return nil, err
	}

	policy := PolicyClamp
	if s.cfg.StrictIntegrity {
		policy = PolicyStrict
	}
	yes, no, err := Replay(basis, deltas, policy)
	if err != nil {
		return nil, err
	}

	lastSeq := basis.Sequence
	for _, d := range deltas {
		if d.Seq > lastSeq {
			lastSeq = d.Seq
		}
	}

	discontinuity, err := s.gapInWindow(ctx, ticker, basis.CapturedAt, at)
	if err != nil {
		return nil, err
	}

	book := &Book{
		Ticker:          ticker,
		At:              at,
		BasisCapturedAt: basis.CapturedAt,
		BasisSequence:   basis.Sequence,
		LastSeq:         lastSeq,
		YesLevels:       truncateDepth(yes, depth),
		NoLevels:        truncateDepth(no, depth),
		DeltasApplied:   len(deltas),
		Discontinuity:   discontinuity,
	}

	if s.cache != nil {
		s.cache.set(ctx, key, book)
	}
	return book, nil
}

// QueryDeltas returns one page of raw deltas ordered by (ts, id).
func (s *Service) QueryDeltas(ctx context.Context, q DeltaQuery) (*DeltaPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	query := `
		SELECT id, ticker, ts, seq, price_cents, delta_amount, side, received_at
		FROM orderbook_deltas
		WHERE ticker = $1 AND ts >= $2 AND ts <= $3
	`
	args := []any{q.Ticker, q.From.UTC(), q.To.UTC()}

	if q.Cursor != "" {
		curTS, curID, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (ts, id) > ($4, $5)`
		args = append(args, curTS, curID)
	}
	// Fetch one extra row to learn whether another page exists.
	query += fmt.Sprintf(` ORDER BY ts, id LIMIT %d`, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var deltas []model.OrderbookDelta
	for rows.Next() {
		var d model.OrderbookDelta
		if err := rows.Scan(&d.ID, &d.Ticker, &d.TS, &d.Seq, &d.PriceCents,
			&d.DeltaAmount, (*string)(&d.Side), &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deltas: %w", err)
	}

	page := &DeltaPage{}
	if len(deltas) > limit {
		last := deltas[limit-1]
		page.Deltas = deltas[:limit]
		page.NextCursor = encodeCursor(last.TS, last.ID)
		page.HasMore = true
	} else {
		page.Deltas = deltas
	}
	return page, nil
}

// ListMarkets returns metadata for every known market.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.markets.List(ctx)
}

// GetMarket returns metadata for one market.
func (s *Service) GetMarket(ctx context.Context, ticker string) (model.Market, error) {
	m, err := s.markets.Get(ctx, ticker)
	if errors.Is(err, storage.ErrMarketNotFound) {
		return model.Market{}, ErrMarketUnknown
	}
	return m, err
}

// basisSnapshot finds the latest snapshot at or before at.
func (s *Service) basisSnapshot(ctx context.Context, ticker string, at time.Time) (model.OrderbookSnapshot, error) {
	var (
		snap     model.OrderbookSnapshot
		yesRaw   []byte
		noRaw    []byte
		earliest *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT ticker, captured_at, sequence, yes_levels, no_levels, received_at
		FROM orderbook_snapshots
		WHERE ticker = $1 AND captured_at <= $2
		ORDER BY captured_at DESC, sequence DESC
		LIMIT 1
	`, ticker, at).Scan(&snap.Ticker, &snap.CapturedAt, &snap.Sequence, &yesRaw, &noRaw, &snap.ReceivedAt)
	if err == nil {
		if err := json.Unmarshal(yesRaw, &snap.YesLevels); err != nil {
			return snap, fmt.Errorf("decode yes levels: %w", err)
		}
		if err := json.Unmarshal(noRaw, &snap.NoLevels); err != nil {
			return snap, fmt.Errorf("decode no levels: %w", err)
		}
		return snap, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return snap, fmt.Errorf("query basis snapshot: %w", err)
	}

	// No basis: distinguish an unknown market from one whose history simply
	// starts later than the requested instant.
	err = s.db.QueryRow(ctx, `
		SELECT min(captured_at) FROM orderbook_snapshots WHERE ticker = $1
	`, ticker).Scan(&earliest)
	if err != nil {
		return snap, fmt.Errorf("query earliest snapshot: %w", err)
	}
	if earliest != nil {
		return snap, &NoDataError{Ticker: ticker, EarliestAvailable: earliest.UTC()}
	}

	var known bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM markets WHERE ticker = $1)
	`, ticker).Scan(&known)
	if err != nil {
		return snap, fmt.Errorf("query market: %w", err)
	}
	if known {
		return snap, &NoDataError{Ticker: ticker}
	}
	return snap, ErrMarketUnknown
}

// replayDeltas loads the deltas between the basis and the requested
// instant, ordered by sequence.
func (s *Service) replayDeltas(ctx context.Context, ticker string, after, until time.Time) ([]model.OrderbookDelta, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ticker, ts, seq, price_cents, delta_amount, side, received_at
		FROM orderbook_deltas
		WHERE ticker = $1 AND ts > $2 AND ts <= $3
		ORDER BY seq
	`, ticker, after, until)
	if err != nil {
		return nil, fmt.Errorf("query replay deltas: %w", err)
	}
	defer rows.Close()

	var deltas []model.OrderbookDelta
	for rows.Next() {
		var d model.OrderbookDelta
		if err := rows.Scan(&d.ID, &d.Ticker, &d.TS, &d.Seq, &d.PriceCents,
			&d.DeltaAmount, (*string)(&d.Side), &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan replay delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read replay deltas: %w", err)
	}
	return deltas, nil
}

// gapInWindow reports whether a sequence gap was detected inside the replay
// window.
func (s *Service) gapInWindow(ctx context.Context, ticker string, after, until time.Time) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sequence_gaps
			WHERE ticker = $1 AND detected_at > $2 AND detected_at <= $3
		)
	`, ticker, after, until).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("query gaps: %w", err)
	}
	return found, nil
}
