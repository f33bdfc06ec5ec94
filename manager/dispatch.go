package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip46"
	"go.uber.org/zap"

	"github.com/nbd-wtf/keyguard"
)

// decoded is one arm of the closed method union. Adding a method means adding
// a case to decode and nothing else; anything outside the set is
// ErrUnknownMethod, never a silent fallthrough.
type decoded struct {
	typ     keyguard.RequestType
	scope   string
	kind    int
	payload string // persisted (encrypted) into the SessionEvent
	execute func(ctx context.Context) (string, error)
}

func (m *Manager) decode(sess *session, req nip46.Request) (decoded, error) {
	switch typ := keyguard.RequestType(req.Method); typ {
	case keyguard.RequestGetPublicKey:
		return decoded{
			typ:   typ,
			scope: keyguard.MethodScope(req.Method),
			kind:  keyguard.NoKind,
			execute: func(ctx context.Context) (string, error) {
				return m.keyer.GetPublicKey(ctx)
			},
		}, nil

	case keyguard.RequestSignEvent:
		if len(req.Params) != 1 {
			return decoded{}, fmt.Errorf("%w: wrong number of arguments to 'sign_event'", keyguard.ErrMalformedParams)
		}
		evt := nostr.Event{}
		if err := easyjson.Unmarshal([]byte(req.Params[0]), &evt); err != nil {
			return decoded{}, fmt.Errorf("%w: failed to decode event: %s", keyguard.ErrMalformedParams, err)
		}
		return decoded{
			typ: typ,
			// the kind must be taken here: once the response exists some
			// transports only carry the id
			scope:   keyguard.SignEventScope(int(evt.Kind)),
			kind:    int(evt.Kind),
			payload: req.Params[0],
			execute: func(ctx context.Context) (string, error) {
				if err := m.keyer.SignEvent(ctx, &evt); err != nil {
					return "", err
				}
				signed, err := easyjson.Marshal(evt)
				return string(signed), err
			},
		}, nil

	case keyguard.RequestGetRelays:
		return decoded{
			typ:   typ,
			scope: keyguard.MethodScope(req.Method),
			kind:  keyguard.NoKind,
			execute: func(ctx context.Context) (string, error) {
				relays := make(map[string]nip46.RelayReadWrite, len(sess.conn.Relays))
				for _, url := range sess.conn.Relays {
					relays[url] = nip46.RelayReadWrite{Read: true, Write: true}
				}
				encoded, err := json.Marshal(relays)
				return string(encoded), err
			},
		}, nil

	case keyguard.RequestNip44Encrypt, keyguard.RequestNip44Decrypt:
		thirdParty, data, err := cipherParams(req)
		if err != nil {
			return decoded{}, err
		}
		execute := func(ctx context.Context) (string, error) {
			if typ == keyguard.RequestNip44Encrypt {
				return m.keyer.Encrypt(ctx, data, thirdParty)
			}
			return m.keyer.Decrypt(ctx, data, thirdParty)
		}
		return decoded{
			typ:     typ,
			scope:   keyguard.CipherScope(typ, thirdParty),
			kind:    keyguard.NoKind,
			payload: data,
			execute: execute,
		}, nil

	case keyguard.RequestNip04Encrypt, keyguard.RequestNip04Decrypt:
		thirdParty, data, err := cipherParams(req)
		if err != nil {
			return decoded{}, err
		}
		legacy, ok := m.keyer.(Nip04Cipher)
		if !ok {
			return decoded{}, fmt.Errorf("%w: nip04 is not supported by this signer", keyguard.ErrUnknownMethod)
		}
		execute := func(ctx context.Context) (string, error) {
			if typ == keyguard.RequestNip04Encrypt {
				return legacy.Nip04Encrypt(ctx, data, thirdParty)
			}
			return legacy.Nip04Decrypt(ctx, data, thirdParty)
		}
		return decoded{
			typ:     typ,
			scope:   keyguard.CipherScope(typ, thirdParty),
			kind:    keyguard.NoKind,
			payload: data,
			execute: execute,
		}, nil

	default:
		return decoded{}, fmt.Errorf("%w: '%s'", keyguard.ErrUnknownMethod, req.Method)
	}
}

func cipherParams(req nip46.Request) (thirdParty string, data string, err error) {
	if len(req.Params) != 2 {
		return "", "", fmt.Errorf("%w: wrong number of arguments to '%s'", keyguard.ErrMalformedParams, req.Method)
	}
	if !nostr.IsValid32ByteHex(req.Params[0]) {
		return "", "", fmt.Errorf("%w: first argument to '%s' is not a pubkey string", keyguard.ErrMalformedParams, req.Method)
	}
	return req.Params[0], req.Params[1], nil
}

// dispatch runs one exchange end to end and returns the response plus
// whether it succeeded. Capability and storage failures are converted to
// error responses here; nothing propagates across sessions.
func (m *Manager) dispatch(ctx context.Context, sess *session, req nip46.Request) (nip46.Response, bool) {
	status := sess.currentStatus()
	if status == keyguard.SessionEnded {
		// terminal; late requests never become new Pending events
		return nip46.Response{ID: req.ID, Error: keyguard.ErrSessionEnded.Error()}, false
	}

	switch keyguard.RequestType(req.Method) {
	case keyguard.RequestConnect:
		return m.handleConnect(ctx, sess, req)
	case keyguard.RequestPing:
		return nip46.Response{ID: req.ID, Result: "pong"}, true
	}

	if status != keyguard.SessionActive {
		return nip46.Response{ID: req.ID, Error: "not connected"}, false
	}

	d, err := m.decode(sess, req)
	if err != nil {
		m.log.Debug("rejecting request", zap.String("method", req.Method), zap.Error(err))
		return nip46.Response{ID: req.ID, Error: err.Error()}, false
	}

	// first sighting creates the Pending record; persistence trouble is
	// fatal for the record only, the exchange continues
	if err := m.correlator.ObserveRequest(ctx, sess.id, req.ID, d.typ, d.kind, d.payload); err != nil {
		m.log.Warn("failed to persist request", zap.String("id", req.ID), zap.Error(err))
	}

	result, opErr := m.authorizeAndRun(ctx, sess, req.ID, d)

	resp := nip46.Response{ID: req.ID}
	ok := opErr == nil
	recorded := result
	if ok {
		resp.Result = result
	} else {
		resp.Error = responseError(opErr)
		recorded = resp.Error
		m.log.Info("request rejected",
			zap.String("session", sess.id),
			zap.String("method", req.Method),
			zap.Error(opErr))
	}

	if err := m.correlator.ObserveResponse(ctx, sess.id, req.ID, d.typ, ok, recorded); err != nil {
		m.log.Warn("failed to persist response", zap.String("id", req.ID), zap.Error(err))
	}

	return resp, ok
}

// authorizeAndRun resolves the permission and, on approval, invokes the
// capability. The Ask wait happens here, outside any lock.
func (m *Manager) authorizeAndRun(ctx context.Context, sess *session, eventID string, d decoded) (string, error) {
	action, err := m.resolver.Resolve(ctx, sess.conn, d.scope)
	if err != nil {
		return "", err
	}

	switch action {
	case keyguard.ActionDeny:
		return "", keyguard.ErrDenied

	case keyguard.ActionAsk:
		decision := m.ask(ctx, sess, Prompt{
			EventID:    eventID,
			SessionID:  sess.id,
			Connection: sess.conn,
			Type:       d.typ,
			Scope:      d.scope,
			Kind:       d.kind,
		})
		if decision.Remember {
			remembered := keyguard.ActionDeny
			if decision.Approve {
				remembered = keyguard.ActionApprove
			}
			if err := m.resolver.Remember(ctx, sess.conn, d.scope, remembered); err != nil {
				m.log.Warn("failed to remember permission", zap.String("scope", d.scope), zap.Error(err))
			}
		}
		if !decision.Approve {
			if sess.currentStatus() == keyguard.SessionEnded {
				return "", keyguard.ErrSessionEnded
			}
			return "", keyguard.ErrDenied
		}
	}

	result, err := d.execute(ctx)
	if err != nil {
		// log the cause, answer with a generic failure so nothing sensitive
		// leaks into the response payload
		m.log.Warn("capability call failed",
			zap.String("session", sess.id),
			zap.String("scope", d.scope),
			zap.Error(err))
		return "", fmt.Errorf("%s failed", d.typ)
	}
	return result, nil
}

// handleConnect is the handshake: Connecting becomes Active when the connect
// request resolves Approve. Connect exchanges are never persisted.
func (m *Manager) handleConnect(ctx context.Context, sess *session, req nip46.Request) (nip46.Response, bool) {
	// a pairing secret, when minted, must be echoed back
	if sess.conn.Secret != "" {
		if len(req.Params) < 2 || req.Params[1] != sess.conn.Secret {
			return nip46.Response{ID: req.ID, Error: "invalid secret"}, false
		}
	}

	action, err := m.resolver.Resolve(ctx, sess.conn, keyguard.MethodScope(req.Method))
	if err != nil {
		return nip46.Response{ID: req.ID, Error: "internal error"}, false
	}

	if action == keyguard.ActionAsk {
		decision := m.ask(ctx, sess, Prompt{
			EventID:    req.ID,
			SessionID:  sess.id,
			Connection: sess.conn,
			Type:       keyguard.RequestConnect,
			Scope:      keyguard.MethodScope(req.Method),
			Kind:       keyguard.NoKind,
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
		if decision.Approve {
			action = keyguard.ActionApprove
		} else {
			action = keyguard.ActionDeny
		}
	}

	if action != keyguard.ActionApprove {
		return nip46.Response{ID: req.ID, Error: keyguard.ErrDenied.Error()}, false
	}

	sess.mu.Lock()
	if sess.status == keyguard.SessionConnecting {
		sess.status = keyguard.SessionActive
	}
	ended := sess.status == keyguard.SessionEnded
	sess.mu.Unlock()
	if ended {
		return nip46.Response{ID: req.ID, Error: keyguard.ErrSessionEnded.Error()}, false
	}

	m.log.Info("handshake acknowledged",
		zap.String("session", sess.id),
		zap.String("client", shortKey(sess.conn.ClientPubKey)))
	return nip46.Response{ID: req.ID, Result: "ack"}, true
}

func responseError(err error) string {
	switch {
	case errors.Is(err, keyguard.ErrDenied):
		return keyguard.ErrDenied.Error()
	case errors.Is(err, keyguard.ErrSessionEnded):
		return keyguard.ErrSessionEnded.Error()
	case errors.Is(err, keyguard.ErrBudgetExceeded):
		return keyguard.ErrBudgetExceeded.Error()
	default:
		return err.Error()
	}
}
