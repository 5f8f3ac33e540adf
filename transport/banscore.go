package transport

import "sync"

// Local ban-score thresholds for transport-level misbehavior (malformed
// frames, checksum failures, oversized payloads). This is a per-connection
// throttle distinct from the cluster-wide Byzantine ban ledger in package
// ban: it only ever disconnects one peer socket, never writes a durable
// violation.
const (
	scoreMalformedFrame  = 20
	scoreChecksumFailure = 20
	scoreOversizedFrame  = 10
	banScoreLimit        = 100
)

// banScore tracks one peer connection's accumulated local penalty.
type banScore struct {
	mu    sync.Mutex
	total int
}

// Add increments the score and reports whether the peer has crossed the
// disconnect threshold.
func (b *banScore) Add(delta int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += delta
	return b.total >= banScoreLimit
}

// Value returns the current accumulated score.
func (b *banScore) Value() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
