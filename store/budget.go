package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nbd-wtf/keyguard"
)

const budgetWindow = 24 * time.Hour

type budgetRow struct {
	ConnectionID    int64  `db:"connection_id"`
	DailyLimitSats  *int64 `db:"daily_limit_sats"`
	SpentTodaySats  int64  `db:"spent_today_sats"`
	WindowStartedAt int64  `db:"window_started_at"`
}

// SetBudget creates or updates the budget of a connection. Changing the limit
// keeps the current window and spend.
func (s *Store) SetBudget(ctx context.Context, connectionID int64, dailyLimitSats *int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nwc_budgets (connection_id, daily_limit_sats, window_started_at) VALUES (?, ?, ?)
		 ON CONFLICT (connection_id) DO UPDATE SET daily_limit_sats = excluded.daily_limit_sats`,
		connectionID, dailyLimitSats, s.now().Unix())
	return err
}

// Budget fetches the budget of a connection.
func (s *Store) Budget(ctx context.Context, connectionID int64) (*keyguard.NwcBudget, error) {
	var row budgetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM nwc_budgets WHERE connection_id = ?`, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &keyguard.NwcBudget{
		ConnectionID:    row.ConnectionID,
		DailyLimitSats:  row.DailyLimitSats,
		SpentTodaySats:  row.SpentTodaySats,
		WindowStartedAt: time.Unix(row.WindowStartedAt, 0),
	}, nil
}

// DeleteBudget removes the budget of a connection.
func (s *Store) DeleteBudget(ctx context.Context, connectionID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nwc_budgets WHERE connection_id = ?`, connectionID)
	return err
}

// Spend atomically rolls a stale window and then commits amountSats against
// the limit. It reports whether the spend fit: the check and the increment
// are a single UPDATE with the bound in the WHERE clause, so concurrent calls
// can never push the counter past the limit. Budgets without a limit never
// authorize here; they go through the permission path instead.
func (s *Store) Spend(ctx context.Context, connectionID int64, amountSats int64, now time.Time) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE nwc_budgets SET spent_today_sats = 0, window_started_at = ?
		 WHERE connection_id = ? AND ? - window_started_at >= ?`,
		now.Unix(), connectionID, now.Unix(), int64(budgetWindow/time.Second)); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nwc_budgets SET spent_today_sats = spent_today_sats + ?
		 WHERE connection_id = ? AND daily_limit_sats IS NOT NULL
		   AND spent_today_sats + ? <= daily_limit_sats`,
		amountSats, connectionID, amountSats)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AppendNwcLog appends one audit entry for a ledger decision.
func (s *Store) AppendNwcLog(ctx context.Context, entry keyguard.NwcLog) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nwc_logs (connection_id, method, ok, reason, amount_sats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ConnectionID, entry.Method, entry.OK, entry.Reason, entry.AmountSats, createdAt.Unix())
	return err
}

// ListNwcLogs returns the audit trail of a connection, oldest first.
func (s *Store) ListNwcLogs(ctx context.Context, connectionID int64) ([]keyguard.NwcLog, error) {
	var rows []struct {
		ID           int64  `db:"id"`
		ConnectionID int64  `db:"connection_id"`
		Method       string `db:"method"`
		OK           bool   `db:"ok"`
		Reason       string `db:"reason"`
		AmountSats   int64  `db:"amount_sats"`
		CreatedAt    int64  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM nwc_logs WHERE connection_id = ? ORDER BY id`, connectionID); err != nil {
		return nil, err
	}
	logs := make([]keyguard.NwcLog, len(rows))
	for i, row := range rows {
		logs[i] = keyguard.NwcLog{
			ID:           row.ID,
			ConnectionID: row.ConnectionID,
			Method:       row.Method,
			OK:           row.OK,
			Reason:       row.Reason,
			AmountSats:   row.AmountSats,
			CreatedAt:    time.Unix(row.CreatedAt, 0),
		}
	}
	return logs, nil
}
