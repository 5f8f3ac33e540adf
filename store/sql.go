// Package store implements C1, the persistent store adapter, split across
// a relational store for durable transactional state, a replicated KV
// store for coordination, and a local non-replicated secret cache for
// presignature key material.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/ban"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/signing"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/txstate"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/voting"
)

// SQLStore owns the relational tables: transactions, votes, rounds,
// violations, node status, presignature metadata, and the audit log.
type SQLStore struct {
	pool *pgxpool.Pool
}

// OpenSQLStore connects to Postgres and prepares the schema if it does not
// already exist.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	s := &SQLStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() {
	s.pool.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	scheme TEXT NOT NULL,
	state TEXT NOT NULL,
	sighash BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS voting_rounds (
	id UUID PRIMARY KEY,
	tx_id UUID NOT NULL REFERENCES transactions(id),
	round_number INT NOT NULL,
	threshold INT NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	closed BOOLEAN NOT NULL DEFAULT FALSE,
	approved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS votes (
	round_id UUID NOT NULL REFERENCES voting_rounds(id),
	tx_id UUID NOT NULL,
	node_id INT NOT NULL,
	approve BOOLEAN NOT NULL,
	signature BYTEA NOT NULL,
	cast_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (round_id, node_id)
);
CREATE TABLE IF NOT EXISTS violations (
	id BIGSERIAL PRIMARY KEY,
	node_id INT NOT NULL,
	kind TEXT NOT NULL,
	source_id TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS node_status (
	node_id INT PRIMARY KEY,
	banned BOOLEAN NOT NULL DEFAULT FALSE,
	banned_until TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS presignatures (
	id UUID PRIMARY KEY,
	scheme TEXT NOT NULL,
	participants INT[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	used BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}

func (s *SQLStore) writeAudit(ctx context.Context, tx pgx.Tx, entity, entityID, action string, at time.Time) error {
	_, err := tx.Exec(ctx, `INSERT INTO audit_log (entity, entity_id, action, at) VALUES ($1,$2,$3,$4)`,
		entity, entityID, action, at)
	if err != nil {
		return fmt.Errorf("store: write audit row: %w", err)
	}
	return nil
}

// InsertTransaction inserts a brand-new transaction row in Pending state.
func (s *SQLStore) InsertTransaction(ctx context.Context, id uuid.UUID, scheme string, sighash []byte, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO transactions (id, scheme, state, sighash, created_at) VALUES ($1,$2,$3,$4,$5)`,
		id, scheme, txstate.Pending.String(), sighash, now)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	if err := s.writeAudit(ctx, tx, "transaction", id.String(), "insert", now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateTxState performs a compare-and-swap transition on a transaction's
// state column, writing the audit row in the same transaction.
func (s *SQLStore) UpdateTxState(ctx context.Context, id uuid.UUID, from, to txstate.State, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin update tx state: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE transactions SET state=$1 WHERE id=$2 AND state=$3`,
		to.String(), id, from.String())
	if err != nil {
		return false, fmt.Errorf("store: update tx state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.writeAudit(ctx, tx, "transaction", id.String(), fmt.Sprintf("state:%s->%s", from, to), now); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// OpenRound inserts a new voting round row.
func (s *SQLStore) OpenRound(ctx context.Context, r *voting.Round) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin open round: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO voting_rounds (id, tx_id, round_number, threshold, opened_at, deadline)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.TxID, r.RoundNumber, r.Threshold, r.OpenedAt, r.Deadline)
	if err != nil {
		return fmt.Errorf("store: open round: %w", err)
	}
	if err := s.writeAudit(ctx, tx, "round", r.ID.String(), "open", r.OpenedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordVote idempotently persists a vote: a re-delivery of the same
// (round_id, node_id) with the same choice is a no-op, not an error.
func (s *SQLStore) RecordVote(ctx context.Context, v voting.Vote) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin record vote: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO votes (round_id, tx_id, node_id, approve, signature, cast_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (round_id, node_id) DO NOTHING`,
		v.RoundID, v.TxID, v.NodeID, v.Approve, v.Signature, v.CastAt)
	if err != nil {
		return fmt.Errorf("store: record vote: %w", err)
	}
	if err := s.writeAudit(ctx, tx, "vote", v.RoundID.String(), fmt.Sprintf("node:%d", v.NodeID), v.CastAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordViolation appends one violation row for a node.
func (s *SQLStore) RecordViolation(ctx context.Context, v ban.Violation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin record violation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO violations (node_id, kind, source_id, at) VALUES ($1,$2,$3,$4)`,
		v.NodeID, v.Kind.String(), v.SourceID, v.At)
	if err != nil {
		return fmt.Errorf("store: record violation: %w", err)
	}
	if err := s.writeAudit(ctx, tx, "violation", fmt.Sprintf("%d", v.NodeID), v.Kind.String(), v.At); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CountViolations returns the running total for a node.
func (s *SQLStore) CountViolations(ctx context.Context, node identity.NodeID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM violations WHERE node_id=$1`, node).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count violations: %w", err)
	}
	return count, nil
}

// UpsertNodeStatus writes a node's ban standing.
func (s *SQLStore) UpsertNodeStatus(ctx context.Context, node identity.NodeID, banned bool, bannedUntil time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO node_status (node_id, banned, banned_until, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (node_id) DO UPDATE SET banned=$2, banned_until=$3, updated_at=now()`,
		node, banned, bannedUntil)
	if err != nil {
		return fmt.Errorf("store: upsert node status: %w", err)
	}
	return nil
}

// GetStanding reads a node's current ban standing.
func (s *SQLStore) GetStanding(ctx context.Context, node identity.NodeID) (*ban.Standing, error) {
	var st ban.Standing
	st.NodeID = node
	var bannedUntil *time.Time
	err := s.pool.QueryRow(ctx, `SELECT banned, banned_until FROM node_status WHERE node_id=$1`, node).
		Scan(&st.Banned, &bannedUntil)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get standing: %w", err)
	}
	if bannedUntil != nil {
		st.BannedUntil = *bannedUntil
	}
	count, err := s.CountViolations(ctx, node)
	if err != nil {
		return nil, err
	}
	st.TotalViolations = count
	return &st, nil
}

// InsertPresignature records a freshly generated presignature's metadata.
func (s *SQLStore) InsertPresignature(ctx context.Context, p *signing.Presignature) error {
	participants := make([]int32, len(p.Participants))
	for i, n := range p.Participants {
		participants[i] = int32(n)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO presignatures (id, scheme, participants, created_at, used)
		VALUES ($1,$2,$3,$4,$5)`,
		p.ID, schemeLabel(p.Scheme), participants, p.CreatedAt, p.Used)
	if err != nil {
		return fmt.Errorf("store: insert presignature: %w", err)
	}
	return nil
}

// ClaimPresignature atomically marks a presignature used, returning false
// if it was already claimed (the CAS failure path, not an error).
func (s *SQLStore) ClaimPresignature(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE presignatures SET used=true WHERE id=$1 AND used=false`, id)
	if err != nil {
		return false, fmt.Errorf("store: claim presignature: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DiscardPresignature removes a presignature's metadata row, used when a
// participant is banned and the safe default discards affected entries.
func (s *SQLStore) DiscardPresignature(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM presignatures WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: discard presignature: %w", err)
	}
	return nil
}

// ReadyPresignatures returns up to limit unused presignatures for scheme,
// oldest first.
func (s *SQLStore) ReadyPresignatures(ctx context.Context, scheme signing.Scheme, limit int) ([]*signing.Presignature, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.pool.Query(ctx, `SELECT id, participants, created_at, used FROM presignatures
		WHERE scheme=$1 AND used=false ORDER BY created_at ASC LIMIT $2`, schemeLabel(scheme), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list ready presignatures: %w", err)
	}
	defer rows.Close()

	var out []*signing.Presignature
	for rows.Next() {
		var p signing.Presignature
		var participants []int32
		p.Scheme = scheme
		if err := rows.Scan(&p.ID, &participants, &p.CreatedAt, &p.Used); err != nil {
			return nil, fmt.Errorf("store: scan presignature row: %w", err)
		}
		p.Participants = make([]identity.NodeID, len(participants))
		for i, n := range participants {
			p.Participants[i] = identity.NodeID(n)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CountReady returns how many unused presignatures exist for scheme.
func (s *SQLStore) CountReady(ctx context.Context, scheme signing.Scheme) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM presignatures WHERE scheme=$1 AND used=false`, schemeLabel(scheme)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count ready presignatures: %w", err)
	}
	return count, nil
}

func schemeLabel(s signing.Scheme) string {
	if s == signing.Schnorr {
		return "schnorr"
	}
	return "ecdsa"
}
