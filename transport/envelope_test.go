package transport

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &Envelope{
		Command:   "VOTE",
		SessionID: uuid.New(),
		Round:     3,
		Sender:    identity.NodeID(2),
		Payload:   []byte("hello round"),
		Signature: bytes.Repeat([]byte{0xAB}, 64),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, e))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, e.Command, got.Command)
	require.Equal(t, e.SessionID, got.SessionID)
	require.Equal(t, e.Round, got.Round)
	require.Equal(t, e.Sender, got.Sender)
	require.Equal(t, e.Payload, got.Payload)
	require.Equal(t, e.Signature, got.Signature)
}

func TestReadEnvelopeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerLen))
	_, err := ReadEnvelope(&buf)
	require.Error(t, err)
}

func TestReadEnvelopeDetectsChecksumTamper(t *testing.T) {
	e := &Envelope{
		Command:   "PING",
		SessionID: uuid.New(),
		Sender:    identity.NodeID(1),
		Payload:   []byte("x"),
		Signature: bytes.Repeat([]byte{0x01}, 64),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, e))
	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xFF
	_, err := ReadEnvelope(bytes.NewReader(tampered))
	require.Error(t, err)
}

func TestBanScoreTripsAtLimit(t *testing.T) {
	var s banScore
	require.False(t, s.Add(scoreMalformedFrame))
	require.False(t, s.Add(scoreMalformedFrame))
	require.False(t, s.Add(scoreMalformedFrame))
	require.False(t, s.Add(scoreMalformedFrame))
	require.True(t, s.Add(scoreMalformedFrame))
}
