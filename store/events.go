package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/fieldstore"
)

type eventRow struct {
	EventID     string            `db:"event_id"`
	SessionID   string            `db:"session_id"`
	Type        string            `db:"type"`
	State       int               `db:"state"`
	Kind        int               `db:"kind"`
	RequestedAt int64             `db:"requested_at"`
	CompletedAt *int64            `db:"completed_at"`
	Payload     fieldstore.Sealed `db:"payload"`
	Response    fieldstore.Sealed `db:"response"`
}

func eventFromRow(row eventRow) *keyguard.SessionEvent {
	ev := &keyguard.SessionEvent{
		EventID:     row.EventID,
		SessionID:   row.SessionID,
		Type:        keyguard.RequestType(row.Type),
		State:       keyguard.RequestState(row.State),
		Kind:        row.Kind,
		RequestedAt: time.Unix(row.RequestedAt, 0),
		Payload:     row.Payload,
		Response:    row.Response,
	}
	if row.CompletedAt != nil {
		t := time.Unix(*row.CompletedAt, 0)
		ev.CompletedAt = &t
	}
	return ev
}

// insertPendingEvent records the first sighting of a request. Redelivery of
// an id already on file is a no-op.
func (s *Store) insertPendingEvent(ctx context.Context, ev *keyguard.SessionEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (event_id, session_id, type, state, kind, requested_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.SessionID, string(ev.Type), int(keyguard.StatePending), ev.Kind,
		ev.RequestedAt.Unix(), ev.Payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// completeEvent moves a pending exchange to its terminal state. An id that is
// already terminal (or unknown) matches no row.
func (s *Store) completeEvent(ctx context.Context, eventID string, state keyguard.RequestState, completedAt time.Time, response fieldstore.Sealed) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_events SET state = ?, completed_at = ?, response = ?
		 WHERE event_id = ? AND state = ?`,
		int(state), completedAt.Unix(), response, eventID, int(keyguard.StatePending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// insertCompletedEvent records a response that arrived without a prior
// request sighting.
func (s *Store) insertCompletedEvent(ctx context.Context, ev *keyguard.SessionEvent) error {
	var completedAt *int64
	if ev.CompletedAt != nil {
		u := ev.CompletedAt.Unix()
		completedAt = &u
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (event_id, session_id, type, state, kind, requested_at, completed_at, response)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.SessionID, string(ev.Type), int(ev.State), ev.Kind,
		ev.RequestedAt.Unix(), completedAt, ev.Response)
	return err
}

// SessionEvent fetches one exchange by its request event id.
func (s *Store) SessionEvent(ctx context.Context, eventID string) (*keyguard.SessionEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM session_events WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return eventFromRow(row), nil
}

// ListSessionEvents returns every exchange of a session in request order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]*keyguard.SessionEvent, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM session_events WHERE session_id = ? ORDER BY requested_at, event_id`, sessionID); err != nil {
		return nil, err
	}
	events := make([]*keyguard.SessionEvent, len(rows))
	for i, row := range rows {
		events[i] = eventFromRow(row)
	}
	return events, nil
}

// CountPendingEvents reports how many exchanges of a session never completed.
func (s *Store) CountPendingEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM session_events WHERE session_id = ? AND state = ?`,
		sessionID, int(keyguard.StatePending))
	return n, err
}
