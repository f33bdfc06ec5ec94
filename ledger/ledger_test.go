package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/fieldstore"
	"github.com/nbd-wtf/keyguard/store"
)

func testSetup(t *testing.T) (*store.Store, *keyguard.Connection) {
	t.Helper()
	key, err := fieldstore.DeriveKey([]byte("ledger test secret"), "ledger")
	require.NoError(t, err)
	st, err := store.Open(":memory:", fieldstore.NewCipher(key))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conn := &keyguard.Connection{
		ClientPubKey: "c11e47",
		SignerPubKey: "5167e5",
		UserPubKey:   "05e7",
		Channel:      keyguard.ChannelRemote,
	}
	require.NoError(t, st.CreateConnection(context.Background(), conn))
	return st, conn
}

func TestAuthorizeScenario(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	limit := int64(100000)
	require.NoError(t, st.SetBudget(ctx, conn.ID, &limit))

	// preload 90000 of spend
	res, err := l.Authorize(ctx, conn.ID, 90000)
	require.NoError(t, err)
	require.Equal(t, Authorized, res)

	res, err = l.Authorize(ctx, conn.ID, 15000)
	require.NoError(t, err)
	assert.Equal(t, Denied, res)

	res, err = l.Authorize(ctx, conn.ID, 9000)
	require.NoError(t, err)
	assert.Equal(t, Authorized, res)

	budget, err := st.Budget(ctx, conn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 99000, budget.SpentTodaySats)
}

func TestNoBudgetRequiresApproval(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	res, err := l.Authorize(ctx, conn.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, RequiresApproval, res)
}

func TestUnlimitedBudgetStillRequiresApproval(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	require.NoError(t, st.SetBudget(ctx, conn.ID, nil))

	res, err := l.Authorize(ctx, conn.ID, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, RequiresApproval, res)

	budget, err := st.Budget(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, budget.SpentTodaySats, "nothing is committed without a limit")
}

func TestWindowRollover(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)

	now := time.Now()
	clock := func() time.Time { return now }
	l := New(st, WithClock(func() time.Time { return clock() }))

	limit := int64(1000)
	require.NoError(t, st.SetBudget(ctx, conn.ID, &limit))

	res, err := l.Authorize(ctx, conn.ID, 1000)
	require.NoError(t, err)
	require.Equal(t, Authorized, res)

	res, err = l.Authorize(ctx, conn.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Denied, res)

	// 23h59m later the window is still the same
	clock = func() time.Time { return now.Add(24*time.Hour - time.Minute) }
	res, err = l.Authorize(ctx, conn.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Denied, res)

	// 24h after the window started the counter resets before evaluating
	clock = func() time.Time { return now.Add(24 * time.Hour) }
	res, err = l.Authorize(ctx, conn.ID, 600)
	require.NoError(t, err)
	require.Equal(t, Authorized, res)

	budget, err := st.Budget(ctx, conn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 600, budget.SpentTodaySats)
}

func TestBudgetInvariantUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	limit := int64(100)
	require.NoError(t, st.SetBudget(ctx, conn.ID, &limit))

	var wg sync.WaitGroup
	results := make(chan Result, 50)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Authorize(ctx, conn.ID, 10)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	authorized := 0
	for res := range results {
		if res == Authorized {
			authorized++
		}
	}
	assert.Equal(t, 10, authorized, "exactly limit/amount calls may pass")

	budget, err := st.Budget(ctx, conn.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, budget.SpentTodaySats, limit)
	assert.EqualValues(t, 100, budget.SpentTodaySats)
}

func TestInvalidAmount(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	_, err := l.Authorize(ctx, conn.ID, 0)
	require.Error(t, err)
	_, err = l.Authorize(ctx, conn.ID, -5)
	require.Error(t, err)
}

func TestRevokeDeletesConnectionAndBudget(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	limit := int64(1000)
	require.NoError(t, st.SetBudget(ctx, conn.ID, &limit))
	require.NoError(t, l.Revoke(ctx, conn.ID))

	_, err := st.Connection(ctx, conn.ID)
	require.ErrorIs(t, err, keyguard.ErrNotFound)
	_, err = st.Budget(ctx, conn.ID)
	require.ErrorIs(t, err, keyguard.ErrNotFound)

	// the revocation itself is on the audit trail
	logs, err := st.ListNwcLogs(ctx, conn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "revoke", logs[len(logs)-1].Method)
}

func TestEveryDecisionIsAudited(t *testing.T) {
	ctx := context.Background()
	st, conn := testSetup(t)
	l := New(st)

	limit := int64(100)
	require.NoError(t, st.SetBudget(ctx, conn.ID, &limit))

	_, err := l.Authorize(ctx, conn.ID, 60)
	require.NoError(t, err)
	_, err = l.Authorize(ctx, conn.ID, 60)
	require.NoError(t, err)

	logs, err := st.ListNwcLogs(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].OK)
	assert.EqualValues(t, 60, logs[0].AmountSats)
	assert.False(t, logs[1].OK)
	assert.Equal(t, "budget exceeded", logs[1].Reason)
}
