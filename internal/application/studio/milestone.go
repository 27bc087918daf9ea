package studio

import (
	"context"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// StateSource provides point-in-time document state.
type StateSource interface {
	CurrentState(agentID string) (studio.Snapshot, error)
}

// Milestone pushes the current document to the persister whenever a
// committed change matches a boolean expression, for example
//
//	kind == 'agent_update' || sequence % 50 == 0
//
// Available parameters: kind, path, sequence, participant, agent.
type Milestone struct {
	expr      *govaluate.EvaluableExpression
	source    StateSource
	persister studio.Persister
	logger    zerolog.Logger
}

func NewMilestone(expression string, source StateSource, persister studio.Persister, logger zerolog.Logger) (*Milestone, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("milestone expression is empty")
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("parse milestone expression: %w", err)
	}
	return &Milestone{
		expr:      expr,
		source:    source,
		persister: persister,
		logger:    logger.With().Str("component", "milestone").Logger(),
	}, nil
}

// Matches evaluates the expression for one change event.
func (m *Milestone) Matches(e studio.ChangeEvent) (bool, error) {
	result, err := m.expr.Evaluate(map[string]interface{}{
		"kind":        string(e.Kind),
		"path":        e.TargetPath,
		"sequence":    float64(e.Sequence),
		"participant": e.ParticipantID.String(),
		"agent":       e.AgentID,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("milestone expression returned %T, want bool", result)
	}
	return ok, nil
}

// Publish implements studio.Sink.
func (m *Milestone) Publish(ctx context.Context, agentID string, u studio.Update) error {
	if u.Type != studio.UpdateChange || u.Change == nil {
		return nil
	}
	hit, err := m.Matches(*u.Change)
	if err != nil {
		return err
	}
	if !hit {
		return nil
	}
	snap, err := m.source.CurrentState(agentID)
	if err != nil {
		return err
	}
	if err := m.persister.SaveSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("save milestone snapshot: %w", err)
	}
	m.logger.Info().
		Str("agent_id", agentID).
		Int64("sequence", u.Change.Sequence).
		Int64("document_version", snap.DocumentVersion).
		Msg("milestone snapshot saved")
	return nil
}
