// Package transport implements C2, the secure transport: framed,
// ordered, authenticated message delivery between cluster nodes over TLS
// with certificate-fingerprint identity pinning.
package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// magic identifies this cluster's wire protocol, guarding against a
// misconfigured peer connecting to the wrong cluster on the same port.
const magic uint32 = 0x4d504357 // "MPCW"

const (
	commandLen = 12
	headerLen  = 4 + commandLen + 4 + 4 + 16 + 4 + 4 // magic+command+len+checksum+session+round+sender
	maxPayload = 16 << 20
)

// Envelope is one message on the wire: the framing header plus its CBOR
// payload and the sender's signature over (session, round, sender,
// payload), set by the router just before the message leaves the process.
type Envelope struct {
	Command   string
	SessionID uuid.UUID
	Round     uint32
	Sender    identity.NodeID
	Payload   []byte
	Signature []byte
}

// SignedBytes returns what the sender signs and what a receiver verifies:
// everything except the signature itself.
func (e *Envelope) SignedBytes() []byte {
	b := make([]byte, 0, 16+4+4+len(e.Payload))
	b = append(b, e.SessionID[:]...)
	var roundBuf, senderBuf [4]byte
	binary.BigEndian.PutUint32(roundBuf[:], e.Round)
	binary.BigEndian.PutUint32(senderBuf[:], uint32(e.Sender))
	b = append(b, roundBuf[:]...)
	b = append(b, senderBuf[:]...)
	b = append(b, e.Payload...)
	return b
}

// WriteEnvelope frames and writes an envelope, appending the signature
// after the payload.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	if len(e.Command) == 0 || len(e.Command) > commandLen {
		return fmt.Errorf("transport: command %q must be 1..%d bytes", e.Command, commandLen)
	}
	if len(e.Payload) > maxPayload {
		return fmt.Errorf("transport: payload too large: %d bytes", len(e.Payload))
	}
	body := append(append([]byte(nil), e.Payload...), e.Signature...)
	if len(body) > maxPayload {
		return fmt.Errorf("transport: signed envelope too large: %d bytes", len(body))
	}

	var cmd [commandLen]byte
	copy(cmd[:], e.Command)
	sum := sha256.Sum256(body)

	header := make([]byte, headerLen)
	off := 0
	binary.BigEndian.PutUint32(header[off:], magic)
	off += 4
	copy(header[off:], cmd[:])
	off += commandLen
	binary.BigEndian.PutUint32(header[off:], uint32(len(body)))
	off += 4
	copy(header[off:], sum[:4])
	off += 4
	copy(header[off:], e.SessionID[:])
	off += 16
	binary.BigEndian.PutUint32(header[off:], e.Round)
	off += 4
	binary.BigEndian.PutUint32(header[off:], uint32(e.Sender))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: write body: %w", err)
	}
	return nil
}

// The body carries no length prefix separating payload from signature. To
// keep WriteEnvelope/ReadEnvelope simple and symmetric, the signature
// length is fixed (ed25519, 64 bytes) and always trails the payload, so the
// reader splits the body 64 bytes from its end.
const signatureLen = 64

// ReadEnvelope reads and validates one framed envelope, splitting the body
// back into payload and trailing signature.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("transport: read header: %w", err)
	}
	off := 0
	gotMagic := binary.BigEndian.Uint32(header[off:])
	off += 4
	if gotMagic != magic {
		return nil, fmt.Errorf("transport: bad magic %08x", gotMagic)
	}
	cmd := trimNulls(header[off : off+commandLen])
	off += commandLen
	bodyLen := binary.BigEndian.Uint32(header[off:])
	off += 4
	checksum := header[off : off+4]
	off += 4
	var sessionID uuid.UUID
	copy(sessionID[:], header[off:off+16])
	off += 16
	round := binary.BigEndian.Uint32(header[off:])
	off += 4
	sender := binary.BigEndian.Uint32(header[off:])

	if bodyLen > maxPayload || bodyLen < signatureLen {
		return nil, fmt.Errorf("transport: implausible body length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	sum := sha256.Sum256(body)
	if string(sum[:4]) != string(checksum) {
		return nil, fmt.Errorf("transport: checksum mismatch")
	}

	payload := body[:len(body)-signatureLen]
	sig := body[len(body)-signatureLen:]

	return &Envelope{
		Command:   cmd,
		SessionID: sessionID,
		Round:     round,
		Sender:    identity.NodeID(sender),
		Payload:   append([]byte(nil), payload...),
		Signature: append([]byte(nil), sig...),
	}, nil
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
