// Package sessiondb persists dispute sessions and the opponent preimages
// learned from chain, so a party can resume after a restart.
package sessiondb

import (
	"context"
	"errors"
	"time"

	"github.com/BitVM/BitVM-sub000/commit"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrMainBucketNotFound = errors.New("main bucket not found")
	ErrDuplicateEntry     = errors.New("session already stored")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusSettled  Status = "settled"
	StatusPunished Status = "punished"
	StatusTimedOut Status = "timed_out"
)

// Done reports whether no further round will be played.
func (s Status) Done() bool {
	return s == StatusSettled || s == StatusPunished || s == StatusTimedOut
}

// SessionRecord is the restartable state of one dispute.
type SessionRecord struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Role string `json:"role"`

	ProverKey   []byte `json:"prover_key"`
	VerifierKey []byte `json:"verifier_key"`
	Funding     string `json:"funding"`
	FundingAmt  int64  `json:"funding_amt"`

	// Round is the next round to play.
	Round  int    `json:"round"`
	Status Status `json:"status"`

	OpponentTable commit.DigestTable `json:"opponent_table"`
	// PeerSigs are the peer's presigned signatures keyed "round:leaf".
	PeerSigs map[string][]byte `json:"peer_sigs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionDB interface {
	CreateSession(ctx context.Context, rec *SessionRecord) error
	SaveSession(ctx context.Context, rec *SessionRecord) error
	FetchSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
	UpdateRound(ctx context.Context, id string, round int, status Status) error
	DeleteSession(ctx context.Context, id string) error

	// StorePreimage records an opponent preimage seen on chain.
	StorePreimage(ctx context.Context, sessionID, hashID string, preimage []byte) error
	FetchPreimages(ctx context.Context, sessionID string) (map[string][]byte, error)

	Close() error
}
