// Package storage holds the relay-side collaborators: the durable message
// log, the public-key directory and the session token verifier.
//
// Records are opaque to this package. Content and IV are stored exactly as
// the sender produced them.
package storage

import (
	"context"
	"errors"
	"time"

	"hybrid-chat/common"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// MessageRecord is one persisted message envelope.
type MessageRecord struct {
	ID        string            `json:"id"`
	From      common.IdentityID `json:"fromUserId"`
	To        common.IdentityID `json:"toUserId"`
	Content   string            `json:"content"`
	IV        string            `json:"iv"`
	CreatedAt time.Time         `json:"timestamp"`
}

// MessageLog appends envelopes and returns a pair's history.
type MessageLog interface {
	Append(ctx context.Context, rec MessageRecord) error
	// History returns the records exchanged between a and b in either
	// direction, oldest first.
	History(ctx context.Context, a, b common.IdentityID) ([]MessageRecord, error)
}

// Directory publishes and looks up identity public keys.
type Directory interface {
	PublishKey(ctx context.Context, entry common.PublicKeyEntry) error
	LookupKey(ctx context.Context, id common.IdentityID) (common.PublicKeyEntry, error)
}

// SessionVerifier maps a session token to the identity it was issued for.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (common.IdentityID, error)
}

// pairBounds orders an unordered pair so both directions share one log.
func pairBounds(a, b common.IdentityID) (lo, hi common.IdentityID) {
	if a < b {
		return a, b
	}
	return b, a
}
