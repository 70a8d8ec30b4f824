// Package postgres persists the trade journal and decision audit log.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/signal"
	"github.com/quantgate/quantgate/internal/persistence"
)

// Journal implements persistence.Journal on PostgreSQL.
type Journal struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects and verifies the database.
func Open(dsn string, timeout time.Duration) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Journal{db: db, timeout: timeout}, nil
}

// NewJournal wraps an existing connection (used by tests with sqlmock).
func NewJournal(db *sqlx.DB, timeout time.Duration) *Journal {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Journal{db: db, timeout: timeout}
}

// AppendTrade inserts one closed trade into the append-only history.
func (j *Journal) AppendTrade(ctx context.Context, t position.ClosedTrade) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	query := `
		INSERT INTO closed_trades
			(id, symbol, direction, strategy, entry_price, exit_price,
			 stop_loss, take_profit, size_lots, risk_pct,
			 opened_at, closed_at, close_reason, pnl, pnl_pct, r_multiple)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := j.db.ExecContext(ctx, query,
		t.ID, t.Symbol, string(t.Direction), t.Strategy, t.EntryPrice, t.ExitPrice,
		t.StopLoss, t.TakeProfit, t.SizeLots, t.RiskPct,
		t.OpenedAt, t.ClosedAt, string(t.Reason), t.PnL, t.PnLPct, t.RMultiple)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate closed trade %s: %w", t.ID, err)
		}
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// AppendDecision inserts one evaluation outcome.
func (j *Journal) AppendDecision(ctx context.Context, rec persistence.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	query := `
		INSERT INTO decisions
			(id, ts, symbol, strategy, direction, approved,
			 reason_code, reason, quality, size_pct, size_lots)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := j.db.ExecContext(ctx, query,
		rec.ID, rec.Timestamp, rec.Symbol, rec.Strategy, rec.Direction, rec.Approved,
		rec.ReasonCode, rec.Reason, rec.Quality, rec.SizePct, rec.SizeLots)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentTrades returns the most recent closed trades, newest first. Feeds
// offline analysis jobs; never called from the decision path.
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]position.ClosedTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	rows, err := j.db.QueryxContext(ctx, `
		SELECT id, symbol, direction, strategy, entry_price, exit_price,
		       stop_loss, take_profit, size_lots, risk_pct,
		       opened_at, closed_at, close_reason, pnl, pnl_pct, r_multiple
		FROM closed_trades ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	var out []position.ClosedTrade
	for rows.Next() {
		var t position.ClosedTrade
		var direction, reason string
		if err := rows.Scan(&t.ID, &t.Symbol, &direction, &t.Strategy, &t.EntryPrice, &t.ExitPrice,
			&t.StopLoss, &t.TakeProfit, &t.SizeLots, &t.RiskPct,
			&t.OpenedAt, &t.ClosedAt, &reason, &t.PnL, &t.PnLPct, &t.RMultiple); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		t.Direction = signal.Direction(direction)
		t.Reason = position.CloseReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (j *Journal) Close() error { return j.db.Close() }
