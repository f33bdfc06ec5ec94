// Package manager orchestrates the whole engine: it decodes inbound protocol
// messages, walks each one through the permission resolver, invokes the
// crypto capability or the budget ledger (or suspends for a human decision),
// emits the response on the originating channel and hands the exchange to the
// correlator for persistence.
//
// Each session is a small state machine, Connecting to Active to Ended.
// Mutations are serialized per session; sessions are independent of each
// other. The Ask path never holds the session lock: it parks the exchange in
// an explicit pending registry keyed by event id, and resolving or cancelling
// that entry is the only way out.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip46"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/ledger"
	"github.com/nbd-wtf/keyguard/policy"
	"github.com/nbd-wtf/keyguard/store"
)

var json = jsoniter.ConfigFastest

// Sender is the outbound half of a transport channel. The manager writes
// signed response events to it; receiving is push-based, transports call
// HandleEvent with whatever arrives.
type Sender interface {
	Send(ctx context.Context, evt nostr.Event) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, evt nostr.Event) error

func (f SenderFunc) Send(ctx context.Context, evt nostr.Event) error { return f(ctx, evt) }

// Nip04Cipher is an optional upgrade of the crypto capability for legacy
// nip04 third-party operations. Keyers that don't implement it make
// nip04_encrypt/nip04_decrypt fail as unsupported.
type Nip04Cipher interface {
	Nip04Encrypt(ctx context.Context, plaintext string, recipientPubKey string) (string, error)
	Nip04Decrypt(ctx context.Context, ciphertext string, senderPubKey string) (string, error)
}

// Prompt is what the human-approval surface gets to see for an Ask decision.
// It intentionally carries no plaintext beyond the scope being asked about.
type Prompt struct {
	EventID    string
	SessionID  string
	Connection *keyguard.Connection
	Type       keyguard.RequestType
	Scope      string
	Kind       int   // sign_event kind, keyguard.NoKind otherwise
	AmountSats int64 // pay_invoice only
}

// Decision resolves a Prompt. Remember upserts a permission so the same
// scope auto-resolves from now on.
type Decision struct {
	Approve  bool
	Remember bool
}

// pendingAsk is one suspended exchange. Duplicate deliveries of the same
// request id share a single entry, so one Decide resolves every waiter; the
// decision is published by closing decided exactly once.
type pendingAsk struct {
	prompt   Prompt
	decision Decision
	decided  chan struct{}
	once     sync.Once
}

func (p *pendingAsk) resolve(d Decision) {
	p.once.Do(func() {
		p.decision = d
		close(p.decided)
	})
}

// session is the live, in-memory side of a persisted Session row.
type session struct {
	id            string
	conn          *keyguard.Connection
	out           Sender // nil on the local channel
	handlerSecret string

	sharedKey []byte   // nip04, remote only
	convKey   [32]byte // nip44, remote only

	mu     sync.Mutex
	status keyguard.SessionStatus
	ended  chan struct{}
}

func (s *session) key() string {
	return string(s.conn.Channel) + ":" + s.conn.ClientPubKey
}

// markEnded transitions to Ended exactly once and reports whether this call
// did it.
func (s *session) markEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == keyguard.SessionEnded {
		return false
	}
	s.status = keyguard.SessionEnded
	close(s.ended)
	return true
}

func (s *session) currentStatus() keyguard.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Manager wires the store, resolver, correlator, ledger and capabilities
// together.
type Manager struct {
	store      *store.Store
	resolver   *policy.Resolver
	correlator *store.Correlator
	ledger     *ledger.Ledger
	keyer      nostr.Keyer
	wallet     WalletService

	handlerSecretKey func(handlerPubkey string) (string, error)
	onAsk            func(Prompt)
	defaults         policy.DefaultFunc

	sessions *xsync.MapOf[string, *session]
	pending  *xsync.MapOf[string, *pendingAsk]

	log        *zap.Logger
	now        func() time.Time
	askTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWallet plugs in the wallet backend for NWC requests.
func WithWallet(w WalletService) Option {
	return func(m *Manager) { m.wallet = w }
}

// WithHandlerSecretKey provides the secret key for the handler pubkey a
// remote event is addressed to. Required for remote channels.
func WithHandlerSecretKey(fn func(handlerPubkey string) (string, error)) Option {
	return func(m *Manager) { m.handlerSecretKey = fn }
}

// WithAskHandler is notified whenever an exchange suspends for a human
// decision. The handler must not block; it should surface the prompt and
// eventually call Decide.
func WithAskHandler(fn func(Prompt)) Option {
	return func(m *Manager) { m.onAsk = fn }
}

// WithDefaultPolicy replaces the built-in trust-level default policy.
func WithDefaultPolicy(fn policy.DefaultFunc) Option {
	return func(m *Manager) { m.defaults = fn }
}

// WithAskTimeout bounds how long an Ask may stay pending. The default is no
// timeout: humans answer at human speed.
func WithAskTimeout(d time.Duration) Option {
	return func(m *Manager) { m.askTimeout = d }
}

// New creates a Manager over the given store and crypto capability.
func New(st *store.Store, keyer nostr.Keyer, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		keyer:    keyer,
		sessions: xsync.NewMapOf[string, *session](),
		pending:  xsync.NewMapOf[string, *pendingAsk](),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resolver = policy.NewResolver(st, m.defaults)
	m.correlator = store.NewCorrelator(st)
	m.ledger = ledger.New(st, ledger.WithLogger(m.log), ledger.WithClock(m.now))
	return m
}

// Ledger exposes the budget ledger, e.g. for configuring limits.
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Resolver exposes the permission resolver, e.g. for pre-seeding rules.
func (m *Manager) Resolver() *policy.Resolver { return m.resolver }

// Register creates the trust relationship for a client. For remote
// connections this happens when the user mints a bunker URI or an NWC pairing
// secret; for local ones, when the OS surface introduces an installed app.
func (m *Manager) Register(ctx context.Context, conn *keyguard.Connection) error {
	return m.store.CreateConnection(ctx, conn)
}

// Decide resolves a pending Ask. It reports whether anything was waiting on
// that event id; a false return means the exchange already ended (cancelled,
// timed out, or never asked).
func (m *Manager) Decide(eventID string, d Decision) bool {
	entry, ok := m.pending.LoadAndDelete(eventID)
	if !ok {
		return false
	}
	entry.resolve(d)
	return true
}

// PendingPrompts lists every exchange currently suspended for a decision.
func (m *Manager) PendingPrompts() []Prompt {
	prompts := make([]Prompt, 0, 4)
	m.pending.Range(func(_ string, entry *pendingAsk) bool {
		prompts = append(prompts, entry.prompt)
		return true
	})
	return prompts
}

// ask parks the exchange in the pending registry and waits. No session lock
// is held here; the wait is unbounded unless WithAskTimeout was set. Ending
// the session short-circuits to a rejection.
func (m *Manager) ask(ctx context.Context, sess *session, p Prompt) Decision {
	// a redelivery of an id that is already suspended joins the live entry
	// instead of prompting again, so the registry holds one entry per id and
	// a single Decide resolves every delivery
	entry, joined := m.pending.LoadOrStore(p.EventID, &pendingAsk{prompt: p, decided: make(chan struct{})})
	defer m.pending.Delete(p.EventID)

	if !joined && m.onAsk != nil {
		m.onAsk(p)
	}

	var timeout <-chan time.Time
	if m.askTimeout > 0 {
		timer := time.NewTimer(m.askTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-entry.decided:
		return entry.decision
	case <-sess.ended:
		return Decision{}
	case <-ctx.Done():
		return Decision{}
	case <-timeout:
		return Decision{}
	}
}

func (m *Manager) lookupSession(clientPubKey string, channel keyguard.Channel) (*session, bool) {
	return m.sessions.Load(string(channel) + ":" + clientPubKey)
}

// endSession transitions a session to Ended, persists the end timestamp and
// cancels its pending asks (the registry entries see the closed channel).
func (m *Manager) endSession(ctx context.Context, sess *session, reason string) {
	if !sess.markEnded() {
		return
	}
	m.sessions.Delete(sess.key())
	if err := m.store.EndSession(ctx, sess.id); err != nil {
		m.log.Warn("failed to persist session end", zap.String("session", sess.id), zap.Error(err))
	}
	m.log.Info("session ended",
		zap.String("session", sess.id),
		zap.String("client", shortKey(sess.conn.ClientPubKey)),
		zap.String("reason", reason))
}

// Disconnect ends the live session of a client on a channel, if any.
func (m *Manager) Disconnect(ctx context.Context, clientPubKey string, channel keyguard.Channel) {
	if sess, ok := m.lookupSession(clientPubKey, channel); ok {
		m.endSession(ctx, sess, "disconnect")
	}
}

// SetRelayCount updates the liveness signal of a remote session. Zero
// connected relays means the session has no way to hear or answer anything:
// it ends.
func (m *Manager) SetRelayCount(ctx context.Context, clientPubKey string, count int) {
	sess, ok := m.lookupSession(clientPubKey, keyguard.ChannelRemote)
	if !ok {
		return
	}
	if err := m.store.SetRelayCount(ctx, sess.id, count); err != nil {
		m.log.Warn("failed to persist relay count", zap.String("session", sess.id), zap.Error(err))
	}
	if count == 0 {
		m.endSession(ctx, sess, "relay exhaustion")
	}
}

// Revoke tears down the trust relationship: every live session of the
// connection ends, pending asks resolve Rejected, and the ledger deletes the
// budget and the connection row with all its permissions.
func (m *Manager) Revoke(ctx context.Context, connectionID int64) error {
	m.sessions.Range(func(_ string, sess *session) bool {
		if sess.conn.ID == connectionID {
			m.endSession(ctx, sess, "revoked")
		}
		return true
	})
	return m.ledger.Revoke(ctx, connectionID)
}

// openSession creates the in-memory session plus its persisted row. A
// concurrent open for the same client reuses whichever won.
func (m *Manager) openSession(ctx context.Context, conn *keyguard.Connection, out Sender, handlerSecret string, active bool) (*session, error) {
	row, err := m.store.CreateSession(ctx, conn.ID, conn.Channel)
	if err != nil {
		return nil, err
	}

	sess := &session{
		id:            row.ID,
		conn:          conn,
		out:           out,
		handlerSecret: handlerSecret,
		status:        keyguard.SessionConnecting,
		ended:         make(chan struct{}),
	}
	if active {
		sess.status = keyguard.SessionActive
	}

	if prev, loaded := m.sessions.LoadAndStore(sess.key(), sess); loaded {
		// reconnect: the store already ended the previous row, mirror that
		// in memory so its pending asks collapse
		prev.markEnded()
	}
	m.log.Info("session opened",
		zap.String("session", sess.id),
		zap.String("client", shortKey(conn.ClientPubKey)),
		zap.String("channel", string(conn.Channel)))
	return sess, nil
}

func shortKey(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}

// HandleEvent is the entrypoint for the remote channel: transports push every
// decoded relay event here. It blocks while an exchange waits on a human
// decision, so call it from the goroutine that owns the delivery.
func (m *Manager) HandleEvent(ctx context.Context, evt *nostr.Event, out Sender) error {
	switch evt.Kind {
	case nostr.KindNostrConnect:
		return m.handleSignerEvent(ctx, evt, out)
	case nostr.KindNWCWalletRequest:
		return m.handleWalletEvent(ctx, evt, out)
	default:
		return fmt.Errorf("%w: unexpected kind %d", keyguard.ErrUnknownMethod, evt.Kind)
	}
}

// HandleLocal is the entrypoint for the same-device channel. The request is
// already decoded (there is no relay crypto in-process); the response comes
// back synchronously on the same call.
func (m *Manager) HandleLocal(ctx context.Context, clientPubKey string, req nip46.Request) (nip46.Response, error) {
	conn, err := m.store.ConnectionByClient(ctx, clientPubKey, keyguard.ChannelLocal)
	if err != nil {
		return nip46.Response{}, err
	}

	sess, ok := m.lookupSession(clientPubKey, keyguard.ChannelLocal)
	if !ok {
		if sess, err = m.openSession(ctx, conn, nil, "", false); err != nil {
			return nip46.Response{}, err
		}
	}

	resp, _ := m.dispatch(ctx, sess, req)
	return resp, nil
}
