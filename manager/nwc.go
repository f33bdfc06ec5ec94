package manager

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/ledger"
)

// WalletService is the payment capability behind NWC. The engine never
// touches lightning directly; it only authorizes and forwards.
type WalletService interface {
	// PayInvoice settles a bolt11 invoice. amountMsat is zero when the
	// invoice carries its own amount.
	PayInvoice(ctx context.Context, invoice string, amountMsat uint64) (PayResult, error)

	// Balance returns the spendable balance in millisatoshis.
	Balance(ctx context.Context) (uint64, error)

	// Info describes the wallet service.
	Info(ctx context.Context) (WalletInfo, error)
}

// PayResult is the outcome of a settled payment.
type PayResult struct {
	Preimage     string `json:"preimage"`
	FeesPaidMsat uint64 `json:"fees_paid"`
}

// WalletInfo is the get_info result.
type WalletInfo struct {
	Alias   string   `json:"alias"`
	Network string   `json:"network"`
	Methods []string `json:"methods"`
}

type walletRequest struct {
	Method string              `json:"method"`
	Params jsoniter.RawMessage `json:"params"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type walletResponse struct {
	ResultType string       `json:"result_type"`
	Error      *walletError `json:"error,omitempty"`
	Result     any          `json:"result,omitempty"`
}

// NIP-47 error codes the engine answers with.
const (
	codeRestricted     = "RESTRICTED"
	codeQuotaExceeded  = "QUOTA_EXCEEDED"
	codeNotImplemented = "NOT_IMPLEMENTED"
	codeInternal       = "INTERNAL"
)

// handleWalletEvent processes one kind-23194 NWC request under the same
// permission model as the signer channel, with the budget ledger gating
// payments. Ledger decisions land in the nwc_logs audit trail.
func (m *Manager) handleWalletEvent(ctx context.Context, evt *nostr.Event, out Sender) error {
	_, handlerSecret, err := m.handlerFor(evt)
	if err != nil {
		return err
	}

	conn, err := m.store.ConnectionByClient(ctx, evt.PubKey, keyguard.ChannelRemote)
	if err != nil {
		if errors.Is(err, keyguard.ErrNotFound) {
			m.log.Debug("dropping wallet event from unknown client",
				zap.String("client", shortKey(evt.PubKey)))
			return nil
		}
		return err
	}

	sess, ok := m.lookupSession(evt.PubKey, keyguard.ChannelRemote)
	if !ok {
		// NWC has no connect handshake: the pairing secret in the
		// nostr+walletconnect URI was the consent, so the session opens
		// Active
		if sess, err = m.openRemoteSession(ctx, conn, out, handlerSecret); err != nil {
			return err
		}
		sess.mu.Lock()
		sess.status = keyguard.SessionActive
		sess.mu.Unlock()
	}

	if sess.currentStatus() == keyguard.SessionEnded {
		return nil
	}

	req, usedNip44, err := parseWalletRequest(sess, evt)
	if err != nil {
		return fmt.Errorf("error parsing wallet request: %w", err)
	}

	resp := m.dispatchWallet(ctx, sess, evt.ID, req)

	if sess.currentStatus() == keyguard.SessionEnded {
		return nil
	}
	return m.respondWallet(ctx, sess, evt.ID, resp, usedNip44)
}

func parseWalletRequest(sess *session, evt *nostr.Event) (req walletRequest, usedNip44 bool, err error) {
	plain, err := nip44.Decrypt(evt.Content, sess.convKey)
	if err == nil {
		usedNip44 = true
	} else {
		plain, err = nip04.Decrypt(evt.Content, sess.sharedKey)
		if err != nil {
			return req, false, fmt.Errorf("failed to decrypt wallet request from %s: %w", evt.PubKey, err)
		}
	}
	err = json.Unmarshal([]byte(plain), &req)
	return req, usedNip44, err
}

func (m *Manager) dispatchWallet(ctx context.Context, sess *session, eventID string, req walletRequest) walletResponse {
	if m.wallet == nil {
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeNotImplemented, Message: "no wallet configured"}}
	}

	switch req.Method {
	case "get_info":
		return m.walletInfo(ctx, sess, eventID, req)
	case "get_balance":
		return m.walletBalance(ctx, sess, eventID, req)
	case "pay_invoice":
		return m.walletPay(ctx, sess, eventID, req)
	default:
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeNotImplemented, Message: fmt.Sprintf("method '%s' is not supported", req.Method)}}
	}
}

// authorizeWallet runs the permission flow for a wallet method, asking when
// nothing is stored.
func (m *Manager) authorizeWallet(ctx context.Context, sess *session, eventID string, method string, amountSats int64) (bool, error) {
	action, err := m.resolver.Resolve(ctx, sess.conn, keyguard.MethodScope(method))
	if err != nil {
		return false, err
	}

	switch action {
	case keyguard.ActionApprove:
		return true, nil
	case keyguard.ActionDeny:
		return false, nil
	}

	decision := m.ask(ctx, sess, Prompt{
		EventID:    eventID,
		SessionID:  sess.id,
		Connection: sess.conn,
		Type:       keyguard.RequestType(method),
		Scope:      keyguard.MethodScope(method),
		Kind:       keyguard.NoKind,
		AmountSats: amountSats,
	})
	if decision.Remember {
		remembered := keyguard.ActionDeny
		if decision.Approve {
			remembered = keyguard.ActionApprove
		}
		if err := m.resolver.Remember(ctx, sess.conn, keyguard.MethodScope(method), remembered); err != nil {
			m.log.Warn("failed to remember permission", zap.Error(err))
		}
	}
	return decision.Approve, nil
}

func (m *Manager) walletInfo(ctx context.Context, sess *session, eventID string, req walletRequest) walletResponse {
	approved, err := m.authorizeWallet(ctx, sess, eventID, req.Method, 0)
	if err != nil || !approved {
		m.auditWallet(ctx, sess, req.Method, false, "denied")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeRestricted, Message: keyguard.ErrDenied.Error()}}
	}

	info, err := m.wallet.Info(ctx)
	if err != nil {
		m.log.Warn("wallet info failed", zap.Error(err))
		m.auditWallet(ctx, sess, req.Method, false, "wallet error")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeInternal, Message: "get_info failed"}}
	}
	m.auditWallet(ctx, sess, req.Method, true, "")
	return walletResponse{ResultType: req.Method, Result: info}
}

func (m *Manager) walletBalance(ctx context.Context, sess *session, eventID string, req walletRequest) walletResponse {
	approved, err := m.authorizeWallet(ctx, sess, eventID, req.Method, 0)
	if err != nil || !approved {
		m.auditWallet(ctx, sess, req.Method, false, "denied")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeRestricted, Message: keyguard.ErrDenied.Error()}}
	}

	msat, err := m.wallet.Balance(ctx)
	if err != nil {
		m.log.Warn("wallet balance failed", zap.Error(err))
		m.auditWallet(ctx, sess, req.Method, false, "wallet error")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeInternal, Message: "get_balance failed"}}
	}
	m.auditWallet(ctx, sess, req.Method, true, "")
	return walletResponse{ResultType: req.Method, Result: map[string]uint64{"balance": msat}}
}

func (m *Manager) walletPay(ctx context.Context, sess *session, eventID string, req walletRequest) walletResponse {
	invoice := gjson.GetBytes(req.Params, "invoice").String()
	if invoice == "" {
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeInternal, Message: "missing invoice"}}
	}
	amountMsat := gjson.GetBytes(req.Params, "amount").Uint()
	amountSats := int64((amountMsat + 999) / 1000)

	action, err := m.resolver.Resolve(ctx, sess.conn, keyguard.MethodScope(req.Method))
	if err != nil {
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeInternal, Message: "internal error"}}
	}
	if action == keyguard.ActionDeny {
		m.auditWallet(ctx, sess, req.Method, false, "denied")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeRestricted, Message: keyguard.ErrDenied.Error()}}
	}

	// the budget is the standing authorization: inside it, a limited budget
	// auto-approves; outside it, the payment is dead regardless of prompts
	needsHuman := action == keyguard.ActionAsk
	if amountSats > 0 {
		result, err := m.ledger.Authorize(ctx, sess.conn.ID, amountSats)
		if err != nil {
			return walletResponse{ResultType: req.Method,
				Error: &walletError{Code: codeInternal, Message: "internal error"}}
		}
		switch result {
		case ledger.Denied:
			return walletResponse{ResultType: req.Method,
				Error: &walletError{Code: codeQuotaExceeded, Message: keyguard.ErrBudgetExceeded.Error()}}
		case ledger.Authorized:
			needsHuman = false
		}
	} else {
		// an invoice-embedded amount is invisible to the ledger, so when a
		// limit is configured the human is the only bound left
		budget, err := m.store.Budget(ctx, sess.conn.ID)
		switch {
		case err == nil && budget.DailyLimitSats != nil:
			needsHuman = true
		case err != nil && !errors.Is(err, keyguard.ErrNotFound):
			return walletResponse{ResultType: req.Method,
				Error: &walletError{Code: codeInternal, Message: "internal error"}}
		}
	}

	if needsHuman {
		decision := m.ask(ctx, sess, Prompt{
			EventID:    eventID,
			SessionID:  sess.id,
			Connection: sess.conn,
			Type:       keyguard.RequestType(req.Method),
			Scope:      keyguard.MethodScope(req.Method),
			Kind:       keyguard.NoKind,
			AmountSats: amountSats,
		})
		if decision.Remember {
			remembered := keyguard.ActionDeny
			if decision.Approve {
				remembered = keyguard.ActionApprove
			}
			if err := m.resolver.Remember(ctx, sess.conn, keyguard.MethodScope(req.Method), remembered); err != nil {
				m.log.Warn("failed to remember permission", zap.Error(err))
			}
		}
		if !decision.Approve {
			m.auditWallet(ctx, sess, req.Method, false, "denied")
			return walletResponse{ResultType: req.Method,
				Error: &walletError{Code: codeRestricted, Message: keyguard.ErrDenied.Error()}}
		}
		m.auditWallet(ctx, sess, req.Method, true, "approved by user")
	}

	payResult, err := m.wallet.PayInvoice(ctx, invoice, amountMsat)
	if err != nil {
		m.log.Warn("payment failed", zap.String("session", sess.id), zap.Error(err))
		m.auditWallet(ctx, sess, req.Method, false, "payment failed")
		return walletResponse{ResultType: req.Method,
			Error: &walletError{Code: codeInternal, Message: "pay_invoice failed"}}
	}
	return walletResponse{ResultType: req.Method, Result: payResult}
}

func (m *Manager) auditWallet(ctx context.Context, sess *session, method string, ok bool, reason string) {
	if err := m.ledger.Audit(ctx, sess.conn.ID, method, ok, reason); err != nil {
		m.log.Warn("failed to append audit entry", zap.Error(err))
	}
}

// respondWallet encrypts, signs and emits one kind-23195 response tagged with
// the request event id.
func (m *Manager) respondWallet(ctx context.Context, sess *session, requestEventID string, resp walletResponse, useNip44 bool) error {
	if sess.out == nil {
		return nil
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var ciphertext string
	if useNip44 {
		ciphertext, err = nip44.Encrypt(string(encoded), sess.convKey)
	} else {
		ciphertext, err = nip04.Encrypt(string(encoded), sess.sharedKey)
	}
	if err != nil {
		return fmt.Errorf("failed to encrypt wallet response: %w", err)
	}

	evtResponse := nostr.Event{
		Content:   ciphertext,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNWCWalletResponse,
		Tags: nostr.Tags{
			nostr.Tag{"p", sess.conn.ClientPubKey},
			nostr.Tag{"e", requestEventID},
		},
	}
	if err := evtResponse.Sign(sess.handlerSecret); err != nil {
		return err
	}
	return sess.out.Send(ctx, evtResponse)
}
