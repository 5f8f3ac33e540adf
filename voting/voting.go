// Package voting implements the Byzantine-tolerant voting round that each
// transaction passes through before it may enter the signing pipeline.
package voting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// ViolationKind classifies a detected Byzantine behavior, feeding C8's
// violation ledger.
type ViolationKind int

const (
	ViolationNone ViolationKind = iota
	ViolationDoubleVote
	ViolationMinorityFork
	ViolationTimeout
	ViolationInvalidSignature
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationDoubleVote:
		return "double_vote"
	case ViolationMinorityFork:
		return "minority_fork"
	case ViolationTimeout:
		return "timeout"
	case ViolationInvalidSignature:
		return "invalid_signature"
	default:
		return "none"
	}
}

// RoundDeadline is the fixed voting window from spec.md.
const RoundDeadline = 10 * time.Second

// Vote is one node's ballot in a voting round. TxID binds the ballot to the
// specific transaction the voter believes it is approving, so a vote
// signed for one tx can never be miscounted toward a different one (the
// minority_fork structural check SubmitVote runs below).
type Vote struct {
	RoundID   uuid.UUID
	TxID      uuid.UUID
	NodeID    identity.NodeID
	Approve   bool
	Signature []byte
	CastAt    time.Time
}

// SigningPayload returns the bytes a node signs to cast a vote, binding the
// round, transaction, node and choice together so a replayed or forged
// vote is detectable.
func (v *Vote) SigningPayload() []byte {
	b := make([]byte, 0, 16+16+4+1)
	b = append(b, v.RoundID[:]...)
	b = append(b, v.TxID[:]...)
	b = append(b, byte(v.NodeID), byte(v.NodeID>>8), byte(v.NodeID>>16), byte(v.NodeID>>24))
	if v.Approve {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// Round is one transaction's voting round.
type Round struct {
	ID          uuid.UUID
	TxID        uuid.UUID
	RoundNumber int
	Threshold   int // t
	OpenedAt    time.Time
	Deadline    time.Time
	Votes       map[identity.NodeID]Vote
	Closed      bool
	Approved    bool

	// Equivocated marks nodes caught casting conflicting votes in this
	// round; once set, nothing resubmitted under that NodeID is ever
	// recorded again, so a double-voter cannot buy back into the tally by
	// simply resending its first (or a third) ballot.
	Equivocated map[identity.NodeID]bool
}

// NewRound opens a fresh round with the standard 10s deadline.
func NewRound(txID uuid.UUID, threshold int, now time.Time) *Round {
	return &Round{
		ID:          uuid.New(),
		TxID:        txID,
		RoundNumber: 1,
		Threshold:   threshold,
		OpenedAt:    now,
		Deadline:    now.Add(RoundDeadline),
		Votes:       make(map[identity.NodeID]Vote),
		Equivocated: make(map[identity.NodeID]bool),
	}
}

// Verifier checks a vote's signature against the cluster's pinned keys.
type Verifier interface {
	VerifySignature(node identity.NodeID, msg, sig []byte) bool
}

// SubmitVote validates and records a vote, reporting a violation when the
// vote is malformed, late, signed for the wrong transaction
// (minority_fork), a duplicate with a different choice
// (equivocation/double_vote), or signed with an invalid signature. A
// duplicate vote that repeats the SAME choice is accepted idempotently, not
// a violation, matching the record_vote idempotency invariant in C1. Once a
// node is caught equivocating, both its conflicting votes are struck from
// the tally and nothing it submits afterward under the same NodeID is ever
// recorded again.
func (r *Round) SubmitVote(v Verifier, vote Vote, now time.Time) (ViolationKind, error) {
	if r.Closed {
		return ViolationNone, fmt.Errorf("voting: round %s is already closed", r.ID)
	}
	if now.After(r.Deadline) {
		return ViolationTimeout, fmt.Errorf("voting: vote from node %d arrived after deadline", vote.NodeID)
	}
	if !v.VerifySignature(vote.NodeID, vote.SigningPayload(), vote.Signature) {
		return ViolationInvalidSignature, fmt.Errorf("voting: bad signature from node %d", vote.NodeID)
	}
	if vote.TxID != r.TxID {
		return ViolationMinorityFork, fmt.Errorf("voting: vote from node %d references tx %s, round is for tx %s", vote.NodeID, vote.TxID, r.TxID)
	}
	if r.Equivocated[vote.NodeID] {
		return ViolationDoubleVote, fmt.Errorf("voting: node %d is already struck from this round for equivocation", vote.NodeID)
	}
	if existing, ok := r.Votes[vote.NodeID]; ok {
		if existing.Approve != vote.Approve {
			delete(r.Votes, vote.NodeID)
			r.Equivocated[vote.NodeID] = true
			return ViolationDoubleVote, fmt.Errorf("voting: node %d cast conflicting votes", vote.NodeID)
		}
		return ViolationNone, nil // idempotent re-delivery of the same vote
	}
	r.Votes[vote.NodeID] = vote
	return ViolationNone, nil
}

// Tally closes the round (deadline reached or unanimous-enough already) and
// reports whether t-of-N approval was reached. Votes struck for
// equivocation are never in r.Votes, so they can never count here.
func (r *Round) Tally(now time.Time) bool {
	if r.Closed {
		return r.Approved
	}
	approvals := 0
	for _, v := range r.Votes {
		if v.Approve {
			approvals++
		}
	}
	reachedThreshold := approvals >= r.Threshold
	deadlinePassed := !now.Before(r.Deadline)
	if reachedThreshold || deadlinePassed {
		r.Closed = true
		r.Approved = reachedThreshold
	}
	return r.Approved
}
