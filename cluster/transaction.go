package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/ban"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/heartbeat"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/router"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/signing"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/txstate"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/voting"
)

// ErrNotCoordinator is returned when this node loses the coordinator lease
// race for a session; per spec.md's tie-break rule the loser aborts its
// session with no persistent effect, so callers should simply not retry
// against this node.
var ErrNotCoordinator = errors.New("cluster: lost coordinator election for this session")

// byzantineSigningError marks a signing failure that survived the
// single retry still looking Byzantine, the trigger for aborted_byzantine
// rather than the generic failed state.
type byzantineSigningError struct{ err error }

func (e *byzantineSigningError) Error() string {
	return fmt.Sprintf("cluster: byzantine signing failure: %v", e.err)
}

func (e *byzantineSigningError) Unwrap() error { return e.err }

// SubmitTransaction drives one transaction through its full lifecycle:
// coordinator election, voting, threshold signing, and broadcast. It is the
// entrypoint an out-of-scope API/CLI layer would call; everything below
// this point is internal to the core.
func (n *Node) SubmitTransaction(ctx context.Context, txID uuid.UUID, scheme signing.Scheme, sighash [32]byte) (*signing.Signature, error) {
	lease, err := n.elector.TryAcquire(ctx, txID.String(), n.self.Self)
	if err != nil {
		return nil, fmt.Errorf("cluster: acquire coordinator lease: %w", err)
	}
	if lease == nil {
		return nil, ErrNotCoordinator
	}
	sessCtx, cancelSession := context.WithCancel(ctx)
	leaseCtx, cancelLease := context.WithCancel(sessCtx)
	renewDone := lease.RunRenewLoop(leaseCtx)
	renewResult := make(chan struct{})
	go func() {
		if err := <-renewDone; err != nil {
			cancelSession() // lease lost: abort the local session
		}
		close(renewResult)
	}()
	defer func() {
		cancelLease()
		<-renewResult
		cancelSession()
		_ = lease.Release(context.Background())
	}()
	ctx = sessCtx

	machine := txstate.NewMachine()
	now := time.Now()
	if err := n.store.Retry(ctx, func(ctx context.Context) error {
		return n.store.SQL.InsertTransaction(ctx, txID, schemeLabel(scheme), sighash[:], now)
	}); err != nil {
		return nil, fmt.Errorf("cluster: insert transaction: %w", err)
	}

	if err := n.transition(ctx, machine, txID, txstate.Pending, txstate.Voting); err != nil {
		return nil, err
	}

	threshold := n.cfg.Threshold
	round := voting.NewRound(txID, threshold, now)
	if err := n.store.Retry(ctx, func(ctx context.Context) error { return n.store.SQL.OpenRound(ctx, round) }); err != nil {
		return nil, fmt.Errorf("cluster: open voting round: %w", err)
	}

	// Every configured node gets a ballot; only the smaller signing quorum
	// is selected below, once voting has actually reached threshold_reached.
	if err := n.runVotingRound(ctx, round, participantsOf(n.cfg)); err != nil {
		_ = n.transition(ctx, machine, txID, txstate.Voting, txstate.Failed)
		return nil, err
	}

	approved := round.Tally(time.Now())
	if !approved {
		_ = n.transition(ctx, machine, txID, txstate.Voting, txstate.Failed)
		return nil, fmt.Errorf("cluster: voting round %s did not reach threshold", round.ID)
	}
	if err := n.transition(ctx, machine, txID, txstate.Voting, txstate.ThresholdReached); err != nil {
		return nil, err
	}

	if err := n.transition(ctx, machine, txID, txstate.ThresholdReached, txstate.Signing); err != nil {
		return nil, err
	}

	participants, err := n.selectSigningParticipants(ctx, time.Now())
	if err != nil {
		_ = n.transition(ctx, machine, txID, txstate.Signing, txstate.Failed)
		return nil, fmt.Errorf("cluster: select signing participants: %w", err)
	}

	sig, err := n.signWithRetry(ctx, scheme, sighash, participants)
	if err != nil {
		to := txstate.Failed
		var byz *byzantineSigningError
		if errors.As(err, &byz) {
			to = txstate.AbortedByzantine
		}
		_ = n.transition(ctx, machine, txID, txstate.Signing, to)
		return nil, fmt.Errorf("cluster: signing failed: %w", err)
	}
	if err := n.transition(ctx, machine, txID, txstate.Signing, txstate.Signed); err != nil {
		return nil, err
	}

	if err := n.transition(ctx, machine, txID, txstate.Signed, txstate.Broadcasting); err != nil {
		return nil, err
	}
	if n.gw != nil {
		if _, err := n.gw.Broadcast(ctx, sig.Bytes); err != nil {
			_ = n.transition(ctx, machine, txID, txstate.Broadcasting, txstate.Failed)
			return nil, fmt.Errorf("cluster: broadcast: %w", err)
		}
	}
	if err := n.transition(ctx, machine, txID, txstate.Broadcasting, txstate.Confirmed); err != nil {
		return nil, err
	}
	return sig, nil
}

func (n *Node) transition(ctx context.Context, m *txstate.Machine, txID uuid.UUID, from, to txstate.State) error {
	if err := m.Transition(from, to); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := n.store.Retry(ctx, func(ctx context.Context) error {
		_, err := n.store.SQL.UpdateTxState(ctx, txID, from, to, time.Now())
		return err
	}); err != nil {
		n.log.Warn("cluster: failed to persist state transition", zap.String("from", from.String()), zap.String("to", to.String()), zap.Error(err))
	}
	return nil
}

// selectSigningParticipants implements spec.md section 4.5's ordering
// rule: the first Threshold nodes, ordered by NodeID, that are online, not
// banned, and acknowledge within the 500ms window. exclude removes nodes a
// prior Byzantine failure already implicated, so a retry can choose a
// fresh quorum without them.
func (n *Node) selectSigningParticipants(ctx context.Context, now time.Time, exclude ...identity.NodeID) ([]identity.NodeID, error) {
	excluded := make(map[identity.NodeID]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	candidates := participantsOf(n.cfg)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	selected := make([]identity.NodeID, 0, n.cfg.Threshold)
	for _, node := range candidates {
		if len(selected) >= n.cfg.Threshold {
			break
		}
		if excluded[node] {
			continue
		}
		banned, err := n.banTracker.IsBanned(ctx, node, now)
		if err != nil {
			return nil, fmt.Errorf("cluster: check ban standing for node %d: %w", node, err)
		}
		if banned {
			continue
		}
		if node != n.self.Self && !n.nodeAcknowledged(ctx, node, now) {
			continue
		}
		selected = append(selected, node)
	}
	if len(selected) < n.cfg.Threshold {
		return nil, fmt.Errorf("cluster: only %d of %d required nodes are eligible for signing", len(selected), n.cfg.Threshold)
	}
	return selected, nil
}

// nodeAcknowledged reports whether node is live enough to join a signing
// session. monitorLoop keeps n.hbMon's cache warm, so a node already known
// offline is rejected without a store round-trip; anything else gets one
// bounded 500ms Refresh to confirm it still acknowledges right now, plus a
// check that the router already holds a connection to it.
func (n *Node) nodeAcknowledged(ctx context.Context, node identity.NodeID, now time.Time) bool {
	if cached, ok := n.hbMon.Cached(node); ok && cached == heartbeat.Offline {
		return false
	}
	ackCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	status, err := n.hbMon.Refresh(ackCtx, node, now)
	if err != nil || status == heartbeat.Offline {
		return false
	}
	return n.isConnected(node)
}

func (n *Node) isConnected(node identity.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[node]
	return ok
}

// signWithRetry runs one signing attempt and, if a participant's partial
// fails local verification or the combined signature fails its round-trip
// check, records the invalid_signature violation and retries exactly once
// with a fresh participant set that excludes the offending node. A second
// Byzantine-looking failure is reported as a byzantineSigningError so the
// caller can move the transaction to aborted_byzantine instead of failed.
func (n *Node) signWithRetry(ctx context.Context, scheme signing.Scheme, sighash [32]byte, participants []identity.NodeID) (*signing.Signature, error) {
	sig, err := n.signTransaction(ctx, scheme, sighash, participants)
	if err == nil {
		return sig, nil
	}
	var partial *signing.InvalidPartialError
	byzantine := errors.As(err, &partial) || errors.Is(err, signing.ErrSignatureVerificationFailed)
	if !byzantine {
		return nil, err
	}
	if partial != nil {
		n.recordViolation(ctx, partial.Node, voting.ViolationInvalidSignature, "signing")
	}

	var exclude []identity.NodeID
	if partial != nil {
		exclude = append(exclude, partial.Node)
	}
	fresh, selErr := n.selectSigningParticipants(ctx, time.Now(), exclude...)
	if selErr != nil {
		return nil, fmt.Errorf("cluster: signing failed (%v) and no fresh participant set is available: %w", err, selErr)
	}

	sig, retryErr := n.signTransaction(ctx, scheme, sighash, fresh)
	if retryErr != nil {
		var retryPartial *signing.InvalidPartialError
		retryByzantine := errors.As(retryErr, &retryPartial) || errors.Is(retryErr, signing.ErrSignatureVerificationFailed)
		if retryPartial != nil {
			n.recordViolation(ctx, retryPartial.Node, voting.ViolationInvalidSignature, "signing retry")
		}
		if retryByzantine {
			return nil, &byzantineSigningError{err: retryErr}
		}
		return nil, retryErr
	}
	return sig, nil
}

// runVotingRound casts this node's own approval and collects every other
// participant's vote over one broadcast round, feeding any detected
// violation straight into the ban ledger.
func (n *Node) runVotingRound(ctx context.Context, round *voting.Round, participants []identity.NodeID) error {
	sessionID := uuid.New()
	rt := router.NewRoundTransport(n.router, sessionID, n.self.Self)
	defer n.router.CloseSession(sessionID)

	myVote := voting.Vote{RoundID: round.ID, TxID: round.TxID, NodeID: n.self.Self, Approve: true, CastAt: time.Now()}
	myVote.Signature = n.self.Sign(myVote.SigningPayload())

	tag := fmt.Sprintf("vote.%s", round.ID)
	payload, err := cbor.Marshal(voteToWire(myVote))
	if err != nil {
		return fmt.Errorf("cluster: encode vote: %w", err)
	}
	if err := rt.Broadcast(ctx, tag, payload); err != nil {
		return fmt.Errorf("cluster: broadcast vote: %w", err)
	}

	others := make([]identity.NodeID, 0, len(participants))
	for _, p := range participants {
		if p != n.self.Self {
			others = append(others, p)
		}
	}
	raw, err := rt.CollectBroadcast(ctx, tag, others)
	if err != nil {
		return fmt.Errorf("cluster: collect votes: %w", err)
	}

	verifier := pinnedVerifier{pinned: n.pinned}
	if kind, err := round.SubmitVote(verifier, myVote, time.Now()); err != nil && kind != voting.ViolationNone {
		n.recordViolation(ctx, n.self.Self, kind, round.ID.String())
	}
	for node, b := range raw {
		var w wireVote
		if err := cbor.Unmarshal(b, &w); err != nil {
			n.recordViolation(ctx, node, voting.ViolationInvalidSignature, round.ID.String())
			continue
		}
		vote, err := w.toVote()
		if err != nil {
			n.recordViolation(ctx, node, voting.ViolationInvalidSignature, round.ID.String())
			continue
		}
		kind, err := round.SubmitVote(verifier, vote, time.Now())
		if err != nil && kind != voting.ViolationNone {
			n.recordViolation(ctx, node, kind, round.ID.String())
			continue
		}
		_ = n.store.Retry(ctx, func(ctx context.Context) error { return n.store.SQL.RecordVote(ctx, vote) })
	}
	return nil
}

func (n *Node) recordViolation(ctx context.Context, node identity.NodeID, kind voting.ViolationKind, source string) {
	v := ban.Violation{NodeID: node, Kind: kind, SourceID: source, At: time.Now()}
	if err := n.banTracker.Record(ctx, v); err != nil {
		n.log.Warn("cluster: failed to record violation", zap.Uint32("node", uint32(node)), zap.Error(err))
	}
}

// signTransaction claims a ready presignature matching the scheme and
// participant set, then runs the cheap online combination round. A live
// signer set picked by selectSigningParticipants rarely matches exactly
// what the background refill watchdog pre-generated for the full
// configured peer set, so a claim miss triggers one synchronous refill
// scoped to the exact participants before giving up.
func (n *Node) signTransaction(ctx context.Context, scheme signing.Scheme, sighash [32]byte, participants []identity.NodeID) (*signing.Signature, error) {
	pool := n.ecdsaPool
	if scheme == signing.Schnorr {
		pool = n.schnorrPool
	}
	if pool == nil {
		return nil, fmt.Errorf("cluster: no presignature pool configured for scheme")
	}
	presig, share, err := pool.Claim(ctx, scheme, participants)
	if err != nil {
		if refillErr := pool.Refill(ctx, scheme, participants); refillErr != nil {
			return nil, fmt.Errorf("cluster: claim presignature: %w (on-demand refill also failed: %v)", err, refillErr)
		}
		presig, share, err = pool.Claim(ctx, scheme, participants)
		if err != nil {
			return nil, fmt.Errorf("cluster: claim presignature after on-demand refill: %w", err)
		}
	}

	sessionID := uuid.New()
	rt := router.NewRoundTransport(n.router, sessionID, n.self.Self)
	defer n.router.CloseSession(sessionID)
	session := signing.NewOnlineSession(n.log, n.self.Self, rt)

	if scheme == signing.Schnorr {
		return session.SignSchnorr(ctx, presig, share, n.keyShare, sighash)
	}
	return session.SignECDSA(ctx, presig, share, n.keyShare, sighash)
}

// wireVote is the CBOR wire shape for a voting.Vote: the round engine's own
// type carries a time.Time and two uuid.UUIDs that are simplest to gossip
// as plain bytes/strings, the same wire-struct pattern dkg.engine uses for
// its round payloads.
type wireVote struct {
	RoundID   []byte
	TxID      []byte
	NodeID    uint32
	Approve   bool
	Signature []byte
	CastAt    string
}

func voteToWire(v voting.Vote) wireVote {
	return wireVote{
		RoundID:   v.RoundID[:],
		TxID:      v.TxID[:],
		NodeID:    uint32(v.NodeID),
		Approve:   v.Approve,
		Signature: v.Signature,
		CastAt:    v.CastAt.Format(time.RFC3339Nano),
	}
}

func (w wireVote) toVote() (voting.Vote, error) {
	roundID, err := uuid.FromBytes(w.RoundID)
	if err != nil {
		return voting.Vote{}, fmt.Errorf("cluster: decode vote round id: %w", err)
	}
	txID, err := uuid.FromBytes(w.TxID)
	if err != nil {
		return voting.Vote{}, fmt.Errorf("cluster: decode vote tx id: %w", err)
	}
	castAt, err := time.Parse(time.RFC3339Nano, w.CastAt)
	if err != nil {
		return voting.Vote{}, fmt.Errorf("cluster: decode vote timestamp: %w", err)
	}
	return voting.Vote{
		RoundID:   roundID,
		TxID:      txID,
		NodeID:    identity.NodeID(w.NodeID),
		Approve:   w.Approve,
		Signature: w.Signature,
		CastAt:    castAt,
	}, nil
}

func schemeLabel(s signing.Scheme) string {
	if s == signing.Schnorr {
		return "schnorr"
	}
	return "ecdsa"
}
