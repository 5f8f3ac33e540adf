package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PingInterval and PongTimeout bound the transport-level liveness check,
// distinct from C10's KV-backed node status (this only detects a dead
// socket, not a degraded node).
const (
	PingInterval = 30 * time.Second
	PongTimeout  = 10 * time.Second
)

// RunPingLoop periodically sends a ping command on the peer and expects
// the read loop to observe a pong within PongTimeout; callers wire the
// actual send through Peer.sendControl and track the last pong via
// Peer.lastPong.
func (p *Peer) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sendControl(ctx, "PING", nil); err != nil {
				p.log.Warn("transport: ping send failed", zap.Uint32("peer", uint32(p.RemoteNode)), zap.Error(err))
				p.Close()
				return
			}
			if !p.awaitPong(PongTimeout) {
				p.log.Warn("transport: pong timeout, closing peer", zap.Uint32("peer", uint32(p.RemoteNode)))
				p.Close()
				return
			}
		}
	}
}

func (p *Peer) awaitPong(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	last := p.lastPong
	p.mu.Unlock()
	for time.Now().Before(deadline) {
		p.mu.Lock()
		current := p.lastPong
		p.mu.Unlock()
		if current.After(last) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
