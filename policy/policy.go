// Package policy resolves what to do with a request: a stored permission for
// the exact scope wins, otherwise a default derived from the connection's
// trust tier. Remote connections have no tier and always default to Ask.
package policy

import (
	"context"

	"github.com/nbd-wtf/keyguard"
)

// Store is the slice of persistence the resolver needs.
type Store interface {
	// Permission returns the stored action for (connection, scope) and
	// whether such a rule exists.
	Permission(ctx context.Context, connectionID int64, scope string) (keyguard.Action, bool, error)

	// SetPermission upserts a rule so repeat requests auto-resolve.
	SetPermission(ctx context.Context, connectionID int64, scope string, action keyguard.Action) error
}

// DefaultFunc produces the action for a scope with no stored rule. It must be
// a pure function of (trust level, channel, scope).
type DefaultFunc func(conn *keyguard.Connection, scope string) keyguard.Action

// Resolver answers Approve, Deny or Ask for one (connection, scope) pair.
type Resolver struct {
	store    Store
	defaults DefaultFunc
}

// NewResolver creates a Resolver. A nil defaults falls back to Defaults.
func NewResolver(store Store, defaults DefaultFunc) *Resolver {
	if defaults == nil {
		defaults = Defaults
	}
	return &Resolver{store: store, defaults: defaults}
}

// Resolve looks up a stored permission for the scope; absent one, it applies
// the default policy.
func (r *Resolver) Resolve(ctx context.Context, conn *keyguard.Connection, scope string) (keyguard.Action, error) {
	action, found, err := r.store.Permission(ctx, conn.ID, scope)
	if err != nil {
		return keyguard.ActionAsk, err
	}
	if found {
		return action, nil
	}
	return r.defaults(conn, scope), nil
}

// Remember upserts a permission so the same scope auto-resolves next time.
func (r *Resolver) Remember(ctx context.Context, conn *keyguard.Connection, scope string, action keyguard.Action) error {
	return r.store.SetPermission(ctx, conn.ID, scope, action)
}

// readOnly are the connect-adjacent scopes that reveal nothing and mutate
// nothing the client didn't already have.
var readOnly = map[string]bool{
	string(keyguard.RequestConnect):      true,
	string(keyguard.RequestPing):         true,
	string(keyguard.RequestGetPublicKey): true,
	string(keyguard.RequestGetRelays):    true,
}

// Defaults is the built-in default policy.
//
// Local connections resolve by trust tier: Full approves everything (payments
// remain subject to the budget ledger), Medium approves read-only calls and
// asks for signing/encryption, Low asks for everything. Remote connections
// always resolve Ask: there is no implicit trust for relay strangers until a
// permission row exists.
func Defaults(conn *keyguard.Connection, scope string) keyguard.Action {
	if conn.Channel != keyguard.ChannelLocal {
		return keyguard.ActionAsk
	}

	switch conn.Trust {
	case keyguard.TrustFull:
		return keyguard.ActionApprove
	case keyguard.TrustMedium:
		if readOnly[scope] {
			return keyguard.ActionApprove
		}
		return keyguard.ActionAsk
	default:
		return keyguard.ActionAsk
	}
}
