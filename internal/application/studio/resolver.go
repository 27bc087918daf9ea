package studio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Resolver turns edit intents into ordered change events.
//
// Concurrent edits are reconciled last-writer-wins by arrival at the log:
// an intent built on a stale base version is accepted and overwrites the
// current value at its path. Delete of an absent path is accepted as a
// no-op event, and an update after a concurrent delete recreates the path.
type Resolver struct {
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Normalize validates an intent and canonicalizes its target path.
func (r *Resolver) Normalize(intent studio.EditIntent) (studio.EditIntent, error) {
	if err := r.validate.Struct(intent); err != nil {
		return intent, fmt.Errorf("%w: %v", studio.ErrInvalidIntent, err)
	}
	path, err := studio.CanonicalPath(intent.TargetPath)
	if err != nil {
		return intent, err
	}
	if path == studio.RootPath && intent.Kind != studio.KindAgentUpdate {
		return intent, fmt.Errorf("%w: %s cannot target the agent root", studio.ErrInvalidIntent, intent.Kind)
	}
	intent.TargetPath = path
	if intent.Kind == studio.KindComponentDelete {
		intent.Payload = nil
	} else if !json.Valid(intent.Payload) {
		return intent, fmt.Errorf("%w: payload is not valid JSON", studio.ErrInvalidIntent)
	}
	return intent, nil
}

// Commit validates the intent and appends it to the log, which assigns the
// sequence number. The returned event is durable.
func (r *Resolver) Commit(ctx context.Context, log *ChangeLog, participantID uuid.UUID, intent studio.EditIntent) (studio.ChangeEvent, error) {
	intent, err := r.Normalize(intent)
	if err != nil {
		return studio.ChangeEvent{}, err
	}

	draft := studio.ChangeEvent{
		ID:            uuid.New(),
		ParticipantID: participantID,
		Kind:          intent.Kind,
		TargetPath:    intent.TargetPath,
		Payload:       intent.Payload,
		BaseVersion:   intent.BaseVersion,
		Timestamp:     r.now(),
	}
	e, err := log.Append(ctx, draft)
	if err != nil {
		return studio.ChangeEvent{}, err
	}
	if e.BaseVersion != nil && *e.BaseVersion < e.Sequence-1 {
		r.logger.Debug().
			Str("agent_id", e.AgentID).
			Str("path", e.TargetPath).
			Int64("base_version", *e.BaseVersion).
			Int64("sequence", e.Sequence).
			Msg("stale base overwritten")
	}
	return e, nil
}
