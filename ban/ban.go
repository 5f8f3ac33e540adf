// Package ban implements the violation and ban ledger: it turns a stream
// of detected Byzantine behaviors into a node's standing and, once enough
// violations accrue, a temporary ban.
package ban

import (
	"context"
	"fmt"
	"time"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/voting"
)

// BanThreshold and BanDuration come directly from spec.md's ledger rule.
const (
	BanThreshold = 5
	BanDuration  = 24 * time.Hour
)

// Violation is one durable record of observed Byzantine behavior.
type Violation struct {
	NodeID   identity.NodeID
	Kind     voting.ViolationKind
	SourceID string // round ID, session ID, or message ID the evidence came from
	At       time.Time
}

// Standing is a node's current reputation.
type Standing struct {
	NodeID          identity.NodeID
	TotalViolations int
	Banned          bool
	BannedUntil     time.Time
}

// Ledger is the narrow slice of C1 this component needs.
type Ledger interface {
	RecordViolation(ctx context.Context, v Violation) error
	CountViolations(ctx context.Context, node identity.NodeID) (int, error)
	UpsertNodeStatus(ctx context.Context, node identity.NodeID, banned bool, bannedUntil time.Time) error
	GetStanding(ctx context.Context, node identity.NodeID) (*Standing, error)
}

// OnBan is notified when a node crosses the ban threshold, so callers
// (the presignature pool, the coordinator) can react.
type OnBan func(ctx context.Context, node identity.NodeID, bannedUntil time.Time)

// Tracker applies the ban rule on top of a Ledger.
type Tracker struct {
	ledger Ledger
	onBan  OnBan
}

// NewTracker builds a Tracker. onBan may be nil.
func NewTracker(ledger Ledger, onBan OnBan) *Tracker {
	return &Tracker{ledger: ledger, onBan: onBan}
}

// Record records a violation and, if it pushes the node's total to
// BanThreshold or beyond, bans the node for BanDuration counted from the
// violation's At time.
func (t *Tracker) Record(ctx context.Context, v Violation) error {
	if v.Kind == voting.ViolationNone {
		return fmt.Errorf("ban: refusing to record a non-violation")
	}
	if err := t.ledger.RecordViolation(ctx, v); err != nil {
		return fmt.Errorf("ban: record violation: %w", err)
	}
	total, err := t.ledger.CountViolations(ctx, v.NodeID)
	if err != nil {
		return fmt.Errorf("ban: count violations: %w", err)
	}
	if total < BanThreshold {
		return nil
	}
	bannedUntil := v.At.Add(BanDuration)
	if err := t.ledger.UpsertNodeStatus(ctx, v.NodeID, true, bannedUntil); err != nil {
		return fmt.Errorf("ban: upsert banned status: %w", err)
	}
	if t.onBan != nil {
		t.onBan(ctx, v.NodeID, bannedUntil)
	}
	return nil
}

// IsBanned reports whether node is currently within an active ban window.
func (t *Tracker) IsBanned(ctx context.Context, node identity.NodeID, now time.Time) (bool, error) {
	standing, err := t.ledger.GetStanding(ctx, node)
	if err != nil {
		return false, fmt.Errorf("ban: get standing: %w", err)
	}
	if standing == nil || !standing.Banned {
		return false, nil
	}
	if now.After(standing.BannedUntil) {
		return false, nil
	}
	return true, nil
}
