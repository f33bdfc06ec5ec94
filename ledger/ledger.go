// Package ledger enforces the NWC spending budget: a rolling 24h cap per
// connection, committed atomically at authorize time so concurrent payment
// requests can never overspend. Every decision lands in the append-only
// nwc_logs audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/store"
)

// Result of an authorization attempt.
type Result int

const (
	// Denied means the payment would exceed the daily limit.
	Denied Result = iota

	// Authorized means the amount fit and has already been committed against
	// the window.
	Authorized

	// RequiresApproval means the ledger cannot decide by itself: either no
	// budget is configured or the budget has no limit. Absence of a limit is
	// not absence of a check; the permission flow decides.
	RequiresApproval
)

func (r Result) String() string {
	switch r {
	case Authorized:
		return "authorized"
	case RequiresApproval:
		return "requires approval"
	default:
		return "denied"
	}
}

// Ledger authorizes payments against per-connection budgets. Amounts are
// integer satoshis throughout; there is no floating point in this package.
type Ledger struct {
	store *store.Store
	log   *zap.Logger
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger; the default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over the given store.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{store: st, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Authorize decides one payment request. With a configured limit it first
// rolls the window if it is at least 24h old, then commits the amount as part
// of the check: Authorized means the spend is already booked. The commit
// point is authorization, not settlement, so a crash between the two leaves
// the budget conservatively consumed rather than overspendable.
func (l *Ledger) Authorize(ctx context.Context, connectionID int64, amountSats int64) (Result, error) {
	if amountSats <= 0 {
		return Denied, fmt.Errorf("invalid amount %d", amountSats)
	}

	budget, err := l.store.Budget(ctx, connectionID)
	if errors.Is(err, keyguard.ErrNotFound) {
		l.audit(ctx, connectionID, amountSats, RequiresApproval, "no budget configured")
		return RequiresApproval, nil
	}
	if err != nil {
		return Denied, err
	}

	if budget.DailyLimitSats == nil {
		l.audit(ctx, connectionID, amountSats, RequiresApproval, "no spending limit")
		return RequiresApproval, nil
	}

	ok, err := l.store.Spend(ctx, connectionID, amountSats, l.now())
	if err != nil {
		return Denied, err
	}
	if !ok {
		l.audit(ctx, connectionID, amountSats, Denied, "budget exceeded")
		return Denied, nil
	}

	l.audit(ctx, connectionID, amountSats, Authorized, "")
	return Authorized, nil
}

// Revoke deletes the budget and the connection itself, invalidating every
// stored permission. In-flight requests for the connection must resolve
// Rejected from here on; the manager short-circuits its pending asks when it
// sees the revocation.
func (l *Ledger) Revoke(ctx context.Context, connectionID int64) error {
	if err := l.store.DeleteConnection(ctx, connectionID); err != nil {
		return err
	}
	l.log.Info("connection revoked", zap.Int64("connection", connectionID))
	return l.store.AppendNwcLog(ctx, keyguard.NwcLog{
		ConnectionID: connectionID,
		Method:       "revoke",
		OK:           true,
	})
}

// Audit writes an entry for NWC methods the ledger itself does not gate
// (get_balance, get_info), keeping "what has this app done" answerable from
// one table.
func (l *Ledger) Audit(ctx context.Context, connectionID int64, method string, ok bool, reason string) error {
	return l.store.AppendNwcLog(ctx, keyguard.NwcLog{
		ConnectionID: connectionID,
		Method:       method,
		OK:           ok,
		Reason:       reason,
	})
}

func (l *Ledger) audit(ctx context.Context, connectionID int64, amountSats int64, result Result, reason string) {
	l.log.Debug("payment authorization",
		zap.Int64("connection", connectionID),
		zap.Int64("sats", amountSats),
		zap.Stringer("result", result))

	if err := l.store.AppendNwcLog(ctx, keyguard.NwcLog{
		ConnectionID: connectionID,
		Method:       "pay_invoice",
		OK:           result == Authorized,
		Reason:       reason,
		AmountSats:   amountSats,
	}); err != nil {
		l.log.Warn("failed to append audit entry", zap.Error(err))
	}
}
