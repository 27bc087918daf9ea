package studio

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

func TestResolverNormalize(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	negative := int64(-1)

	tests := []struct {
		name    string
		in      studio.EditIntent
		path    string
		wantErr bool
	}{
		{name: "collapses slashes", in: intent(studio.KindComponentUpdate, "//prompts//0/", `"x"`), path: "/prompts/0"},
		{name: "agent update on root", in: intent(studio.KindAgentUpdate, "/", `{"name":"a"}`), path: "/"},
		{name: "delete without payload", in: intent(studio.KindComponentDelete, "/tools/2", ""), path: "/tools/2"},
		{name: "missing kind", in: intent("", "/p", `1`), wantErr: true},
		{name: "unknown kind", in: intent("rename", "/p", `1`), wantErr: true},
		{name: "relative path", in: intent(studio.KindComponentUpdate, "prompts/0", `1`), wantErr: true},
		{name: "dot segment", in: intent(studio.KindComponentUpdate, "/prompts/../x", `1`), wantErr: true},
		{name: "component on root", in: intent(studio.KindComponentCreate, "/", `1`), wantErr: true},
		{name: "missing payload", in: intent(studio.KindComponentCreate, "/p", ""), wantErr: true},
		{name: "invalid json", in: intent(studio.KindComponentCreate, "/p", `{oops`), wantErr: true},
		{name: "negative base", in: studio.EditIntent{Kind: studio.KindComponentUpdate, TargetPath: "/p", Payload: json.RawMessage(`1`), BaseVersion: &negative}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Normalize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, studio.ErrInvalidIntent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, got.TargetPath)
		})
	}
}

func TestResolverDeleteDropsPayload(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	got, err := r.Normalize(intent(studio.KindComponentDelete, "/tools/2", `{"ignored":true}`))
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

func TestResolverCommitAcceptsStaleBase(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	log := NewChangeLog(testSession("agent-1"), nil, 0)
	ctx := context.Background()
	pid := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := r.Commit(ctx, log, pid, intent(studio.KindComponentUpdate, "/prompts/0", `"early"`))
		require.NoError(t, err)
	}

	base := int64(0)
	stale := intent(studio.KindComponentUpdate, "/prompts/0", `"late"`)
	stale.BaseVersion = &base
	e, err := r.Commit(ctx, log, pid, stale)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Sequence)
	assert.Equal(t, pid, e.ParticipantID)
	require.NotNil(t, e.BaseVersion)
	assert.Equal(t, int64(0), *e.BaseVersion)
	assert.False(t, e.Timestamp.IsZero())

	snap := log.Snapshot()
	assert.JSONEq(t, `"late"`, string(snap.State["/prompts/0"]))
}

func TestResolverCommitRejectsBeforeSequencing(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	log := NewChangeLog(testSession("agent-1"), nil, 0)

	_, err := r.Commit(context.Background(), log, uuid.New(), intent(studio.KindComponentCreate, "/p", `nope`))
	assert.ErrorIs(t, err, studio.ErrInvalidIntent)
	assert.Equal(t, int64(0), log.Version())
}
