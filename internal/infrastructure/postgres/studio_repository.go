package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// ErrSequenceConflict reports an event whose (session, sequence) is taken.
var ErrSequenceConflict = errors.New("change event sequence already stored")

// StudioRepository implements studio.EventStore and studio.Persister.
type StudioRepository struct {
	pool *pgxpool.Pool
}

func NewStudioRepository(pool *pgxpool.Pool) *StudioRepository {
	return &StudioRepository{pool: pool}
}

func (r *StudioRepository) AppendEvent(ctx context.Context, e *studio.ChangeEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO studio_change_events
		(event_id, session_id, agent_id, sequence, participant_id, kind, target_path, payload, base_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.SessionID, e.AgentID, e.Sequence, e.ParticipantID, e.Kind, e.TargetPath, nullJSON(e.Payload), e.BaseVersion, e.Timestamp)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, e.SessionID, e.Sequence)
	}
	return err
}

func (r *StudioRepository) ListEvents(ctx context.Context, sessionID uuid.UUID, afterSequence int64, limit int) ([]*studio.ChangeEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, session_id, agent_id, sequence, participant_id, kind, target_path, payload, base_version, created_at
		FROM studio_change_events
		WHERE session_id=$1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, sessionID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*studio.ChangeEvent
	for rows.Next() {
		e, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSnapshot keeps the newest snapshot per agent. A snapshot from a newer
// session replaces one from an older session regardless of version.
func (r *StudioRepository) SaveSnapshot(ctx context.Context, snap *studio.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO studio_snapshots (agent_id, session_id, document_version, state, digest, saved_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id) DO UPDATE
		SET session_id=EXCLUDED.session_id,
		    document_version=EXCLUDED.document_version,
		    state=EXCLUDED.state,
		    digest=EXCLUDED.digest,
		    saved_at=EXCLUDED.saved_at
		WHERE studio_snapshots.session_id <> EXCLUDED.session_id
		   OR studio_snapshots.document_version <= EXCLUDED.document_version
	`, snap.AgentID, snap.SessionID, snap.DocumentVersion, state, snap.Digest, time.Now().UTC())
	return err
}

// LatestSnapshot returns the last saved snapshot of an agent, or nil.
func (r *StudioRepository) LatestSnapshot(ctx context.Context, agentID string) (*studio.Snapshot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT agent_id, session_id, document_version, state, digest
		FROM studio_snapshots
		WHERE agent_id=$1
	`, agentID)
	var (
		snap  studio.Snapshot
		state []byte
	)
	if err := row.Scan(&snap.AgentID, &snap.SessionID, &snap.DocumentVersion, &state, &snap.Digest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, err
	}
	return &snap, nil
}

func scanChangeEvent(row pgx.Row) (*studio.ChangeEvent, error) {
	var (
		e       studio.ChangeEvent
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.Sequence, &e.ParticipantID, &e.Kind, &e.TargetPath, &payload, &e.BaseVersion, &e.Timestamp); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
