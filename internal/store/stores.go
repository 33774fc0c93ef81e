package store

import "time"

// Stores is the top-level container for the storage backends a daemon
// instance uses. Lucyd runs a single persona against a single workspace,
// so (unlike the multi-tenant platform this package is descended from)
// there is no per-agent or per-team store fan-out here.
type Stores struct {
	Sessions SessionStore
	Memory   MemoryStore
	Pairing  PairingStore
}

// PairingRecord describes a pending or approved pairing request from an
// external collaborator (a channel peer not yet on the allowlist).
type PairingRecord struct {
	Code      string
	UserID    string
	Channel   string
	ChatID    string
	AgentKey  string
	Approved  bool
	CreatedAt time.Time
}

// PairingStore tracks out-of-band approval of new channel contacts.
// A contact messaging an unconfigured channel receives a pairing code;
// the owner approves it out of band (CLI), after which IsPaired reports true.
type PairingStore interface {
	// RequestPairing issues (or returns the existing) pairing code for a
	// contact on a channel. agentKey scopes the pairing to a persona.
	RequestPairing(userID, channel, chatID, agentKey string) (code string, err error)

	// IsPaired reports whether userID has an approved pairing on channel.
	IsPaired(userID, channel string) bool

	// Approve marks the pairing identified by code as approved.
	Approve(code string) (*PairingRecord, error)

	// List returns all pending (unapproved) pairing requests.
	List() ([]*PairingRecord, error)
}
