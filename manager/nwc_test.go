package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/store"
)

type fakeWallet struct {
	balanceMsat uint64
	payErr      error
	payments    int
	lastInvoice string
	lastAmount  uint64
}

func (w *fakeWallet) PayInvoice(_ context.Context, invoice string, amountMsat uint64) (PayResult, error) {
	if w.payErr != nil {
		return PayResult{}, w.payErr
	}
	w.payments++
	w.lastInvoice = invoice
	w.lastAmount = amountMsat
	return PayResult{Preimage: "0123abcd", FeesPaidMsat: 1000}, nil
}

func (w *fakeWallet) Balance(context.Context) (uint64, error) { return w.balanceMsat, nil }

func (w *fakeWallet) Info(context.Context) (WalletInfo, error) {
	return WalletInfo{Alias: "testwallet", Network: "mainnet", Methods: []string{"pay_invoice", "get_balance", "get_info"}}, nil
}

// nwcHarness bundles one paired NWC app with its manager and wallet fakes.
type nwcHarness struct {
	m      *Manager
	st     *store.Store
	wallet *fakeWallet
	client *remoteClient
	conn   *keyguard.Connection
	out    *captureSender
}

func newNwcHarness(t *testing.T, opts ...Option) *nwcHarness {
	t.Helper()
	st := testStore(t)
	keyer := newTestKeyer(t)

	handlerSecret := nostr.GeneratePrivateKey()
	handlerPub, err := nostr.GetPublicKey(handlerSecret)
	require.NoError(t, err)

	wallet := &fakeWallet{balanceMsat: 21_000_000_000}
	opts = append([]Option{
		WithWallet(wallet),
		WithHandlerSecretKey(func(string) (string, error) { return handlerSecret, nil }),
	}, opts...)
	m := New(st, keyer, opts...)

	client := newRemoteClient(t, handlerPub)
	conn := &keyguard.Connection{
		ClientPubKey: client.pub,
		SignerPubKey: handlerPub,
		UserPubKey:   keyer.pub,
		Channel:      keyguard.ChannelRemote,
		Secret:       "walletconnectsecret",
	}
	require.NoError(t, m.Register(context.Background(), conn))

	return &nwcHarness{m: m, st: st, wallet: wallet, client: client, conn: conn, out: newCaptureSender()}
}

func (h *nwcHarness) request(t *testing.T, body string) *nostr.Event {
	t.Helper()
	ciphertext, err := nip44.Encrypt(body, h.client.conv)
	require.NoError(t, err)
	evt := nostr.Event{
		Kind:      nostr.KindNWCWalletRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", h.client.handlerPub}},
		Content:   ciphertext,
	}
	require.NoError(t, evt.Sign(h.client.secret))
	return &evt
}

func (h *nwcHarness) roundtrip(t *testing.T, body string) walletResponse {
	t.Helper()
	req := h.request(t, body)
	require.NoError(t, h.m.HandleEvent(context.Background(), req, h.out))
	evt := h.out.next(t)
	assert.Equal(t, nostr.KindNWCWalletResponse, evt.Kind)
	require.NotNil(t, evt.Tags.Find("e"))
	assert.Equal(t, req.ID, evt.Tags.Find("e")[1])

	plain, err := nip44.Decrypt(evt.Content, h.client.conv)
	require.NoError(t, err)
	var resp walletResponse
	require.NoError(t, json.Unmarshal([]byte(plain), &resp))
	return resp
}

func sats(n int64) *int64 { return &n }

func TestWalletPayWithinBudgetAutoApproves(t *testing.T) {
	ctx := context.Background()
	prompted := false
	h := newNwcHarness(t, WithAskHandler(func(Prompt) { prompted = true }))
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(100_000)))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc50u1...","amount":50000000}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pay_invoice", resp.ResultType)
	assert.Equal(t, 1, h.wallet.payments)
	assert.Equal(t, uint64(50_000_000), h.wallet.lastAmount)
	assert.False(t, prompted, "an in-budget payment is pre-authorized")

	budget, err := h.st.Budget(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), budget.SpentTodaySats)

	logs, err := h.st.ListNwcLogs(ctx, h.conn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "pay_invoice", logs[0].Method)
	assert.True(t, logs[0].OK)
	assert.Equal(t, int64(50_000), logs[0].AmountSats)
}

func TestWalletPayOverBudgetQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	h := newNwcHarness(t)
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(1000)))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc20m1...","amount":2000000000}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "QUOTA_EXCEEDED", resp.Error.Code)
	assert.Zero(t, h.wallet.payments, "wallet must not be reached past the budget")

	budget, err := h.st.Budget(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, budget.SpentTodaySats)
}

func TestWalletPayMsatRoundsUpAgainstBudget(t *testing.T) {
	ctx := context.Background()
	h := newNwcHarness(t)
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(1)))

	// 1001 msat is more than one sat, so a 1-sat budget cannot cover it
	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc1...","amount":1001}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "QUOTA_EXCEEDED", resp.Error.Code)
}

func TestWalletPayWithoutBudgetAsksHuman(t *testing.T) {
	prompts := make(chan Prompt, 1)
	var m *Manager
	h := newNwcHarness(t, WithAskHandler(func(p Prompt) {
		prompts <- p
		go m.Decide(p.EventID, Decision{Approve: true})
	}))
	m = h.m

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc10u1...","amount":1000000}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.wallet.payments)

	p := <-prompts
	assert.Equal(t, int64(1000), p.AmountSats)
	assert.Equal(t, "pay_invoice", p.Scope)
}

func TestWalletPayRejectedByHuman(t *testing.T) {
	var m *Manager
	h := newNwcHarness(t, WithAskHandler(func(p Prompt) {
		go m.Decide(p.EventID, Decision{Approve: false})
	}))
	m = h.m

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc10u1...","amount":1000000}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RESTRICTED", resp.Error.Code)
	assert.Zero(t, h.wallet.payments)
}

func TestWalletPayDeniedPermission(t *testing.T) {
	ctx := context.Background()
	prompted := false
	h := newNwcHarness(t, WithAskHandler(func(Prompt) { prompted = true }))
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "pay_invoice", keyguard.ActionDeny))
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(100_000)))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc10u1...","amount":1000000}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RESTRICTED", resp.Error.Code)
	assert.False(t, prompted)
	assert.Zero(t, h.wallet.payments)

	// a denied exchange never touches the window
	budget, err := h.st.Budget(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, budget.SpentTodaySats)
}

func TestWalletPayAmountlessInvoiceNeedsHumanWhenLimited(t *testing.T) {
	ctx := context.Background()
	prompts := make(chan Prompt, 1)
	var m *Manager
	h := newNwcHarness(t, WithAskHandler(func(p Prompt) {
		prompts <- p
		go m.Decide(p.EventID, Decision{Approve: false})
	}))
	m = h.m

	// a standing Approve plus a limit: the invoice carries its own amount,
	// so the ledger cannot bound it and the human must
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "pay_invoice", keyguard.ActionApprove))
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(1000)))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc20m1..."}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RESTRICTED", resp.Error.Code)
	assert.Zero(t, h.wallet.payments)

	p := <-prompts
	assert.Zero(t, p.AmountSats)

	budget, err := h.st.Budget(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, budget.SpentTodaySats)
}

func TestWalletPayAmountlessInvoiceApprovedWithoutLimit(t *testing.T) {
	ctx := context.Background()
	prompted := false
	h := newNwcHarness(t, WithAskHandler(func(Prompt) { prompted = true }))
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "pay_invoice", keyguard.ActionApprove))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc20m1..."}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.wallet.payments)
	assert.False(t, prompted)
}

func TestWalletPayMissingInvoice(t *testing.T) {
	h := newNwcHarness(t)
	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"amount":1000000}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL", resp.Error.Code)
	assert.Zero(t, h.wallet.payments)
}

func TestWalletPaymentFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	h := newNwcHarness(t)
	h.wallet.payErr = errors.New("no route")
	require.NoError(t, h.st.SetBudget(ctx, h.conn.ID, sats(100_000)))

	resp := h.roundtrip(t, `{"method":"pay_invoice","params":{"invoice":"lnbc10u1...","amount":1000000}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL", resp.Error.Code)
	assert.Equal(t, "pay_invoice failed", resp.Error.Message)

	logs, err := h.st.ListNwcLogs(ctx, h.conn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "payment failed", logs[len(logs)-1].Reason)
}

func TestWalletBalanceAndInfo(t *testing.T) {
	ctx := context.Background()
	h := newNwcHarness(t)
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "get_balance", keyguard.ActionApprove))
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "get_info", keyguard.ActionApprove))

	resp := h.roundtrip(t, `{"method":"get_balance","params":{}}`)
	require.Nil(t, resp.Error)
	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "21000000000")

	resp = h.roundtrip(t, `{"method":"get_info","params":{}}`)
	require.Nil(t, resp.Error)
	encoded, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "testwallet")

	logs, err := h.st.ListNwcLogs(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestWalletBalanceDeniedPermission(t *testing.T) {
	ctx := context.Background()
	h := newNwcHarness(t)
	require.NoError(t, h.st.SetPermission(ctx, h.conn.ID, "get_balance", keyguard.ActionDeny))

	resp := h.roundtrip(t, `{"method":"get_balance","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RESTRICTED", resp.Error.Code)
}

func TestWalletUnknownMethodNotImplemented(t *testing.T) {
	h := newNwcHarness(t)
	resp := h.roundtrip(t, `{"method":"make_invoice","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_IMPLEMENTED", resp.Error.Code)
}

func TestNoWalletConfigured(t *testing.T) {
	st := testStore(t)
	keyer := newTestKeyer(t)
	handlerSecret := nostr.GeneratePrivateKey()
	handlerPub, _ := nostr.GetPublicKey(handlerSecret)

	m := New(st, keyer,
		WithHandlerSecretKey(func(string) (string, error) { return handlerSecret, nil }))

	client := newRemoteClient(t, handlerPub)
	require.NoError(t, m.Register(context.Background(), &keyguard.Connection{
		ClientPubKey: client.pub,
		SignerPubKey: handlerPub,
		UserPubKey:   keyer.pub,
		Channel:      keyguard.ChannelRemote,
	}))

	ciphertext, err := nip44.Encrypt(`{"method":"pay_invoice","params":{"invoice":"lnbc1..."}}`, client.conv)
	require.NoError(t, err)
	evt := nostr.Event{
		Kind:      nostr.KindNWCWalletRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", handlerPub}},
		Content:   ciphertext,
	}
	require.NoError(t, evt.Sign(client.secret))

	out := newCaptureSender()
	require.NoError(t, m.HandleEvent(context.Background(), &evt, out))
	respEvt := out.next(t)
	plain, err := nip44.Decrypt(respEvt.Content, client.conv)
	require.NoError(t, err)
	var resp walletResponse
	require.NoError(t, json.Unmarshal([]byte(plain), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_IMPLEMENTED", resp.Error.Code)
}

func TestWalletStrangerDropped(t *testing.T) {
	h := newNwcHarness(t)

	stranger := newRemoteClient(t, h.client.handlerPub)
	ciphertext, err := nip44.Encrypt(`{"method":"get_balance","params":{}}`, stranger.conv)
	require.NoError(t, err)
	evt := nostr.Event{
		Kind:      nostr.KindNWCWalletRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"p", stranger.handlerPub}},
		Content:   ciphertext,
	}
	require.NoError(t, evt.Sign(stranger.secret))

	require.NoError(t, h.m.HandleEvent(context.Background(), &evt, h.out))
	h.out.quiet(t)
}
