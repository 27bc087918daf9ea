package studio

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/domain/studio/mocks"
)

type fixedState struct {
	snap studio.Snapshot
	err  error
}

func (f fixedState) CurrentState(string) (studio.Snapshot, error) { return f.snap, f.err }

func TestNewMilestoneRejectsBadExpressions(t *testing.T) {
	_, err := NewMilestone("  ", fixedState{}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewMilestone("kind ==", fixedState{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestMilestoneMatches(t *testing.T) {
	m, err := NewMilestone("kind == 'agent_update' || sequence % 5 == 0", fixedState{}, nil, zerolog.Nop())
	require.NoError(t, err)

	hit, err := m.Matches(studio.ChangeEvent{Kind: studio.KindAgentUpdate, Sequence: 1})
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = m.Matches(studio.ChangeEvent{Kind: studio.KindComponentUpdate, Sequence: 10})
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = m.Matches(studio.ChangeEvent{Kind: studio.KindComponentUpdate, Sequence: 7})
	require.NoError(t, err)
	assert.False(t, hit)

	nonBool, err := NewMilestone("sequence + 1", fixedState{}, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = nonBool.Matches(studio.ChangeEvent{Sequence: 1})
	assert.Error(t, err)
}

func TestMilestonePublishSavesSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	persister := mocks.NewMockPersister(ctrl)
	snap := studio.Snapshot{SessionID: uuid.New(), AgentID: "agent-1", DocumentVersion: 3}
	m, err := NewMilestone("path == '/'", fixedState{snap: snap}, persister, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	persister.EXPECT().SaveSnapshot(ctx, &snap).Return(nil)
	require.NoError(t, m.Publish(ctx, "agent-1", studio.ChangeUpdate(studio.ChangeEvent{Kind: studio.KindAgentUpdate, TargetPath: "/", Sequence: 3})))

	require.NoError(t, m.Publish(ctx, "agent-1", studio.ChangeUpdate(studio.ChangeEvent{Kind: studio.KindComponentUpdate, TargetPath: "/p", Sequence: 4})))
	require.NoError(t, m.Publish(ctx, "agent-1", studio.PresenceUpdate(studio.PresenceNotice{Type: studio.PresenceJoin})))

	persister.EXPECT().SaveSnapshot(ctx, gomock.Any()).Return(errors.New("timeout"))
	assert.Error(t, m.Publish(ctx, "agent-1", studio.ChangeUpdate(studio.ChangeEvent{TargetPath: "/", Sequence: 5})))
}

func TestMilestonePublishUnknownSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	persister := mocks.NewMockPersister(ctrl)
	m, err := NewMilestone("true", fixedState{err: studio.ErrUnknownSession}, persister, zerolog.Nop())
	require.NoError(t, err)

	err = m.Publish(context.Background(), "agent-1", studio.ChangeUpdate(studio.ChangeEvent{Sequence: 1}))
	assert.ErrorIs(t, err, studio.ErrUnknownSession)
}
