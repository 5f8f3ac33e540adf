package txstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	m := NewMachine()
	steps := []State{Voting, ThresholdReached, Signing, Signed, Broadcasting, Confirmed}
	prev := Pending
	for _, next := range steps {
		require.NoError(t, m.Transition(prev, next))
		prev = next
	}
	require.True(t, m.State().Terminal())
}

func TestCASRejectsStaleExpectedState(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(Pending, Voting))
	err := m.Transition(Pending, Voting)
	require.Error(t, err)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := NewMachine()
	err := m.Transition(Pending, Confirmed)
	require.Error(t, err)
	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
}

func TestByzantineAbortFromVotingAndSigning(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(Pending, Voting))
	require.NoError(t, m.Transition(Voting, AbortedByzantine))
	require.True(t, m.State().Terminal())

	m2 := NewMachine()
	require.NoError(t, m2.Transition(Pending, Voting))
	require.NoError(t, m2.Transition(Voting, ThresholdReached))
	require.NoError(t, m2.Transition(ThresholdReached, Signing))
	require.NoError(t, m2.Transition(Signing, AbortedByzantine))
}
