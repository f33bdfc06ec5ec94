package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbd-wtf/keyguard"
)

type memStore struct {
	rules map[int64]map[string]keyguard.Action
}

func newMemStore() *memStore {
	return &memStore{rules: make(map[int64]map[string]keyguard.Action)}
}

func (m *memStore) Permission(_ context.Context, connectionID int64, scope string) (keyguard.Action, bool, error) {
	action, ok := m.rules[connectionID][scope]
	return action, ok, nil
}

func (m *memStore) SetPermission(_ context.Context, connectionID int64, scope string, action keyguard.Action) error {
	if m.rules[connectionID] == nil {
		m.rules[connectionID] = make(map[string]keyguard.Action)
	}
	m.rules[connectionID][scope] = action
	return nil
}

func local(trust keyguard.TrustLevel) *keyguard.Connection {
	return &keyguard.Connection{ID: 1, Channel: keyguard.ChannelLocal, Trust: trust}
}

func remote() *keyguard.Connection {
	return &keyguard.Connection{ID: 2, Channel: keyguard.ChannelRemote}
}

func TestStoredPermissionWins(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	r := NewResolver(st, nil)

	conn := local(keyguard.TrustFull)
	require.NoError(t, r.Remember(ctx, conn, keyguard.SignEventScope(1), keyguard.ActionDeny))

	// Full trust would default to Approve, but the stored rule wins.
	action, err := r.Resolve(ctx, conn, keyguard.SignEventScope(1))
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionDeny, action)

	// unrelated scope still falls back to the default
	action, err = r.Resolve(ctx, conn, keyguard.SignEventScope(30023))
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionApprove, action)
}

func TestRememberUpserts(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newMemStore(), nil)
	conn := remote()

	require.NoError(t, r.Remember(ctx, conn, "sign_event:1", keyguard.ActionAsk))
	require.NoError(t, r.Remember(ctx, conn, "sign_event:1", keyguard.ActionApprove))

	action, err := r.Resolve(ctx, conn, "sign_event:1")
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionApprove, action)
}

func TestDefaultsArePureFunctionOfTierChannelScope(t *testing.T) {
	for _, tc := range []struct {
		name   string
		conn   *keyguard.Connection
		scope  string
		expect keyguard.Action
	}{
		{"remote always asks", remote(), "get_public_key", keyguard.ActionAsk},
		{"remote asks even for ping", remote(), "ping", keyguard.ActionAsk},
		{"full approves signing", local(keyguard.TrustFull), keyguard.SignEventScope(1), keyguard.ActionApprove},
		{"full approves encryption", local(keyguard.TrustFull), keyguard.CipherScope(keyguard.RequestNip44Encrypt, "abc"), keyguard.ActionApprove},
		{"medium approves read-only", local(keyguard.TrustMedium), "get_public_key", keyguard.ActionApprove},
		{"medium approves connect", local(keyguard.TrustMedium), "connect", keyguard.ActionApprove},
		{"medium asks for signing", local(keyguard.TrustMedium), keyguard.SignEventScope(1), keyguard.ActionAsk},
		{"medium asks for decryption", local(keyguard.TrustMedium), keyguard.CipherScope(keyguard.RequestNip04Decrypt, "abc"), keyguard.ActionAsk},
		{"low asks for everything", local(keyguard.TrustLow), "get_public_key", keyguard.ActionAsk},
		{"low asks for signing", local(keyguard.TrustLow), keyguard.SignEventScope(0), keyguard.ActionAsk},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Defaults(tc.conn, tc.scope))
		})
	}
}

func TestResolveWithoutStoredRuleUsesDefaults(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newMemStore(), nil)

	action, err := r.Resolve(ctx, remote(), keyguard.SignEventScope(1))
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionAsk, action)

	action, err = r.Resolve(ctx, local(keyguard.TrustMedium), "get_relays")
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionApprove, action)
}

func TestCustomDefaultFunc(t *testing.T) {
	ctx := context.Background()
	denyAll := func(*keyguard.Connection, string) keyguard.Action { return keyguard.ActionDeny }
	r := NewResolver(newMemStore(), denyAll)

	action, err := r.Resolve(ctx, local(keyguard.TrustFull), "ping")
	require.NoError(t, err)
	assert.Equal(t, keyguard.ActionDeny, action)
}
