// Package keyguard models trust relationships between a Nostr keypair and the
// applications allowed to request signing, encryption and payment operations
// on its behalf. It is the shared vocabulary for the policy, store, ledger and
// manager subpackages: connections, permissions, sessions and the audit trail
// of every request/response exchange.
//
// The package itself holds no state and talks to no network. Transports push
// already-received events into the manager; the signing and encryption
// primitives are reached through a nostr.Keyer.
package keyguard

import (
	"time"

	"github.com/nbd-wtf/go-nostr/nip46"

	"github.com/nbd-wtf/keyguard/fieldstore"
)

// Channel distinguishes how an application reaches the signer.
type Channel string

const (
	// ChannelLocal is a same-device app trusted through an OS-level tier.
	ChannelLocal Channel = "local"

	// ChannelRemote is an arbitrary app connecting over relays (NIP-46).
	ChannelRemote Channel = "remote"
)

// TrustLevel is the coarse default-permission tier for local apps. Remote
// connections never carry a trust level; they start from zero trust.
type TrustLevel int

const (
	TrustLow TrustLevel = iota
	TrustMedium
	TrustFull
)

func (t TrustLevel) String() string {
	switch t {
	case TrustFull:
		return "full"
	case TrustMedium:
		return "medium"
	default:
		return "low"
	}
}

// Action is the outcome of resolving a permission for one scope.
type Action int

const (
	// ActionAsk suspends the exchange until a human decides. It is the zero
	// value on purpose: anything unresolved must be asked about.
	ActionAsk Action = iota
	ActionApprove
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionApprove:
		return "approve"
	case ActionDeny:
		return "deny"
	default:
		return "ask"
	}
}

// Connection is one trust relationship between a client application and a
// user key. (ClientPubKey, UserPubKey) is unique per channel.
type Connection struct {
	ID           int64      `db:"id"`
	ClientPubKey string     `db:"client_pubkey"`
	SignerPubKey string     `db:"signer_pubkey"` // handler key used to talk to this client
	UserPubKey   string     `db:"user_pubkey"`
	Channel      Channel    `db:"channel"`
	Relays       []string   `db:"-"` // remote only
	Name         string     `db:"name"`  // display only, untrusted
	URL          string     `db:"url"`   // display only, untrusted
	Image        string     `db:"image"` // display only, untrusted
	AutoStart    bool       `db:"auto_start"`
	Trust        TrustLevel `db:"trust"` // local only
	Secret       string     `db:"secret"` // NIP-46 handshake secret, may be empty
}

// Permission is a remembered decision for one scope on one connection.
// Absence of a row means the trust-level default applies.
type Permission struct {
	ConnectionID int64  `db:"connection_id"`
	Scope        string `db:"scope"`
	Action       Action `db:"action"`
}

// SessionStatus is the lifecycle of a session.
type SessionStatus int

const (
	SessionConnecting SessionStatus = iota
	SessionActive
	SessionEnded
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionEnded:
		return "ended"
	default:
		return "connecting"
	}
}

// Session is a bounded activity period for a connection over one channel.
type Session struct {
	ID           string     `db:"id"`
	ConnectionID int64      `db:"connection_id"`
	Channel      Channel    `db:"channel"`
	StartedAt    time.Time  `db:"started_at"`
	EndedAt      *time.Time `db:"ended_at"` // nil while the session is live
	RelayCount   int        `db:"relay_count"`
}

// Active reports whether the session has not ended yet.
func (s Session) Active() bool { return s.EndedAt == nil }

// RequestType is the wire method of a request. Connect and Ping exchanges are
// never persisted as SessionEvents.
type RequestType string

const (
	RequestConnect      RequestType = "connect"
	RequestGetPublicKey RequestType = "get_public_key"
	RequestSignEvent    RequestType = "sign_event"
	RequestGetRelays    RequestType = "get_relays"
	RequestNip04Encrypt RequestType = "nip04_encrypt"
	RequestNip04Decrypt RequestType = "nip04_decrypt"
	RequestNip44Encrypt RequestType = "nip44_encrypt"
	RequestNip44Decrypt RequestType = "nip44_decrypt"
	RequestPing         RequestType = "ping"
)

// Ephemeral reports whether exchanges of this type skip the SessionEvent log.
func (rt RequestType) Ephemeral() bool {
	return rt == RequestConnect || rt == RequestPing
}

// RequestState tracks one exchange. The only legal transition is
// Pending to one of the terminal states.
type RequestState int

const (
	StatePending RequestState = iota
	StateApproved
	StateRejected
)

func (s RequestState) Terminal() bool { return s != StatePending }

// NoKind marks a SessionEvent that is not a sign_event exchange. Kind 0 is a
// real event kind, so absence needs its own value.
const NoKind = -1

// SessionEvent is one request/response exchange, keyed by the request event
// id. Payload and Response are stored encrypted only; Response stays empty
// until the exchange completes.
type SessionEvent struct {
	EventID     string            `db:"event_id"`
	SessionID   string            `db:"session_id"`
	Type        RequestType       `db:"type"`
	State       RequestState      `db:"state"`
	Kind        int               `db:"kind"` // sign_event kind, NoKind otherwise
	RequestedAt time.Time         `db:"requested_at"`
	CompletedAt *time.Time        `db:"completed_at"`
	Payload     fieldstore.Sealed `db:"payload"`
	Response    fieldstore.Sealed `db:"response"`
}

// NwcBudget caps NWC spending for one connection over a rolling 24h window.
// A nil DailyLimitSats means unlimited, which still requires an explicit
// Permission before payments go through.
type NwcBudget struct {
	ConnectionID    int64     `db:"connection_id"`
	DailyLimitSats  *int64    `db:"daily_limit_sats"`
	SpentTodaySats  int64     `db:"spent_today_sats"`
	WindowStartedAt time.Time `db:"window_started_at"`
}

// NwcLog is one append-only audit entry for a ledger decision. It never holds
// payload plaintext; full payloads live encrypted in SessionEvents.
type NwcLog struct {
	ID           int64     `db:"id"`
	ConnectionID int64     `db:"connection_id"`
	Method       string    `db:"method"`
	OK           bool      `db:"ok"`
	Reason       string    `db:"reason"`
	AmountSats   int64     `db:"amount_sats"`
	CreatedAt    time.Time `db:"created_at"`
}

// IsValidBunkerURL reports whether input looks like a NIP-46 bunker:// URI,
// for validating remote connection registrations.
func IsValidBunkerURL(input string) bool {
	return nip46.IsValidBunkerURL(input)
}
