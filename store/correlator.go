package store

import (
	"context"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/fieldstore"
)

// Correlator matches inbound requests to their responses by event id and
// persists the pair as one SessionEvent. It is idempotent under redelivery:
// the same request id yields exactly one record, and a response for an
// already-terminal id is a no-op. Connect and Ping exchanges are never
// persisted.
type Correlator struct {
	store *Store
}

// NewCorrelator creates a Correlator writing through the given store.
func NewCorrelator(st *Store) *Correlator {
	return &Correlator{store: st}
}

// ObserveRequest records the first sighting of a request as a Pending
// SessionEvent. kind is the sign_event kind, keyguard.NoKind for everything
// else; it has to be captured here because some transports only expose it at
// request time. payload is sealed before it touches the database.
func (c *Correlator) ObserveRequest(ctx context.Context, sessionID, eventID string, typ keyguard.RequestType, kind int, payload string) error {
	if typ.Ephemeral() {
		return nil
	}

	var sealed fieldstore.Sealed
	if payload != "" {
		var err error
		if sealed, err = c.store.cipher.SealString(payload); err != nil {
			return err
		}
	}

	_, err := c.store.insertPendingEvent(ctx, &keyguard.SessionEvent{
		EventID:     eventID,
		SessionID:   sessionID,
		Type:        typ,
		Kind:        kind,
		RequestedAt: c.store.now(),
		Payload:     sealed,
	})
	return err
}

// ObserveResponse finalizes the exchange carrying the same event id:
// Pending becomes Approved on success or Rejected on error, stamping
// completedAt. A response with no prior request record is still recorded,
// with requestedAt synthesized from completedAt. Redelivery after completion
// is a no-op.
func (c *Correlator) ObserveResponse(ctx context.Context, sessionID, eventID string, typ keyguard.RequestType, ok bool, response string) error {
	if typ.Ephemeral() {
		return nil
	}

	state := keyguard.StateRejected
	if ok {
		state = keyguard.StateApproved
	}

	var sealed fieldstore.Sealed
	if response != "" {
		var err error
		if sealed, err = c.store.cipher.SealString(response); err != nil {
			return err
		}
	}

	now := c.store.now()
	transitioned, err := c.store.completeEvent(ctx, eventID, state, now, sealed)
	if err != nil || transitioned {
		return err
	}

	// either a redelivery of a completed exchange (the conflict clause makes
	// this a no-op) or a response whose request we never saw
	return c.store.insertCompletedEvent(ctx, &keyguard.SessionEvent{
		EventID:     eventID,
		SessionID:   sessionID,
		Type:        typ,
		State:       state,
		Kind:        keyguard.NoKind,
		RequestedAt: now,
		CompletedAt: &now,
		Response:    sealed,
	})
}
