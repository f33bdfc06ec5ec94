package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip46"
	"go.uber.org/zap"

	"github.com/nbd-wtf/keyguard"
)

// handleSignerEvent processes one kind-24133 request event: decrypt with the
// session keys, dispatch, then answer on the originating channel with the
// same encryption the client used.
func (m *Manager) handleSignerEvent(ctx context.Context, evt *nostr.Event, out Sender) error {
	handlerPubkey, handlerSecret, err := m.handlerFor(evt)
	if err != nil {
		return err
	}

	conn, err := m.store.ConnectionByClient(ctx, evt.PubKey, keyguard.ChannelRemote)
	if err != nil {
		if errors.Is(err, keyguard.ErrNotFound) {
			// a relay stranger; nothing to answer with, nothing to record
			m.log.Debug("dropping event from unknown client",
				zap.String("client", shortKey(evt.PubKey)))
			return nil
		}
		return err
	}
	if conn.SignerPubKey != handlerPubkey {
		return fmt.Errorf("event addressed to %s but connection is handled by %s",
			shortKey(handlerPubkey), shortKey(conn.SignerPubKey))
	}

	sess, ok := m.lookupSession(evt.PubKey, keyguard.ChannelRemote)
	if !ok {
		if sess, err = m.openRemoteSession(ctx, conn, out, handlerSecret); err != nil {
			return err
		}
	}

	req, usedNip44, err := parseRequest(sess, evt)
	if err != nil {
		return fmt.Errorf("error parsing request: %w", err)
	}

	resp, _ := m.dispatch(ctx, sess, req)

	if sess.currentStatus() == keyguard.SessionEnded {
		// the channel is gone; the rejection is already on record
		return nil
	}
	return m.respond(ctx, sess, resp, usedNip44)
}

func (m *Manager) handlerFor(evt *nostr.Event) (pubkey string, secret string, err error) {
	if m.handlerSecretKey == nil {
		return "", "", errors.New("no handler secret key source configured")
	}
	handler := evt.Tags.Find("p")
	if handler == nil || !nostr.IsValid32ByteHex(handler[1]) {
		return "", "", fmt.Errorf("invalid \"p\" tag")
	}
	secret, err = m.handlerSecretKey(handler[1])
	if err != nil {
		return "", "", fmt.Errorf("no private key for %s: %w", handler[1], err)
	}
	return handler[1], secret, nil
}

// openRemoteSession computes the per-client conversation keys once and opens
// the session in Connecting state.
func (m *Manager) openRemoteSession(ctx context.Context, conn *keyguard.Connection, out Sender, handlerSecret string) (*session, error) {
	sess, err := m.openSession(ctx, conn, out, handlerSecret, false)
	if err != nil {
		return nil, err
	}

	sess.sharedKey, err = nip04.ComputeSharedSecret(conn.ClientPubKey, handlerSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	sess.convKey, err = nip44.GenerateConversationKey(conn.ClientPubKey, handlerSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}
	return sess, nil
}

// parseRequest decrypts the envelope, trying nip44 first and falling back to
// nip04, and remembers which one worked so the response speaks the same
// dialect.
func parseRequest(sess *session, evt *nostr.Event) (req nip46.Request, usedNip44 bool, err error) {
	plain, err := nip44.Decrypt(evt.Content, sess.convKey)
	if err == nil {
		usedNip44 = true
	} else {
		plain, err = nip04.Decrypt(evt.Content, sess.sharedKey)
		if err != nil {
			return req, false, fmt.Errorf("failed to decrypt event from %s: %w", evt.PubKey, err)
		}
	}
	err = json.Unmarshal([]byte(plain), &req)
	return req, usedNip44, err
}

// respond encrypts, signs and emits one response event on the session's
// channel.
func (m *Manager) respond(ctx context.Context, sess *session, resp nip46.Response, useNip44 bool) error {
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
		return fmt.Errorf("failed to encrypt response: %w", err)
	}

	evtResponse := nostr.Event{
		Content:   ciphertext,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{nostr.Tag{"p", sess.conn.ClientPubKey}},
	}
	if err := evtResponse.Sign(sess.handlerSecret); err != nil {
		return err
	}
	return sess.out.Send(ctx, evtResponse)
}
