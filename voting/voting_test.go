package voting

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

type alwaysValid struct{}

func (alwaysValid) VerifySignature(identity.NodeID, []byte, []byte) bool { return true }

type alwaysInvalid struct{}

func (alwaysInvalid) VerifySignature(identity.NodeID, []byte, []byte) bool { return false }

func TestRoundReachesThresholdApproval(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	for _, n := range []identity.NodeID{1, 2, 3, 4} {
		kind, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: n, Approve: true, CastAt: now}, now)
		require.NoError(t, err)
		require.Equal(t, ViolationNone, kind)
	}
	require.True(t, r.Tally(now))
	require.True(t, r.Closed)
}

func TestRoundClosesOnDeadlineWithoutThreshold(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	_, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.NoError(t, err)

	after := now.Add(RoundDeadline + time.Second)
	require.False(t, r.Tally(after))
	require.True(t, r.Closed)
}

func TestDoubleVoteIsDetectedAndExcludedFromTally(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 2, now)
	_, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.NoError(t, err)

	kind, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: false, CastAt: now}, now)
	require.Error(t, err)
	require.Equal(t, ViolationDoubleVote, kind)
	require.Empty(t, r.Votes)
	require.True(t, r.Equivocated[1])

	for _, n := range []identity.NodeID{2, 3} {
		_, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: n, Approve: true, CastAt: now}, now)
		require.NoError(t, err)
	}
	require.True(t, r.Tally(now))

	kind, err = r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.Error(t, err)
	require.Equal(t, ViolationDoubleVote, kind)
}

func TestDuplicateSameChoiceIsIdempotent(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	_, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.NoError(t, err)
	kind, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.NoError(t, err)
	require.Equal(t, ViolationNone, kind)
	require.Len(t, r.Votes, 1)
}

func TestInvalidSignatureIsRejected(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	kind, err := r.SubmitVote(alwaysInvalid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: now}, now)
	require.Error(t, err)
	require.Equal(t, ViolationInvalidSignature, kind)
}

func TestLateVoteIsTimeoutViolation(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	late := now.Add(RoundDeadline + time.Second)
	kind, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: r.TxID, NodeID: 1, Approve: true, CastAt: late}, late)
	require.Error(t, err)
	require.Equal(t, ViolationTimeout, kind)
}

func TestVoteForWrongTxIsMinorityFork(t *testing.T) {
	now := time.Now()
	r := NewRound(uuid.New(), 4, now)
	kind, err := r.SubmitVote(alwaysValid{}, Vote{RoundID: r.ID, TxID: uuid.New(), NodeID: 1, Approve: true, CastAt: now}, now)
	require.Error(t, err)
	require.Equal(t, ViolationMinorityFork, kind)
	require.Empty(t, r.Votes)
}
