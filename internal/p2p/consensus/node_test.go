package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/p2p/protocol"
	"github.com/execution-hub/agent-studio/internal/p2p/state"
)

type memorySink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

func TestFSMSnapshotIsCompressedAndRestores(t *testing.T) {
	machine := state.NewMachine()
	f := &fsm{machine: machine}
	sessionID := uuid.New()
	for seq := int64(1); seq <= 20; seq++ {
		entry := testChangeEntry(t, sessionID, seq)
		data, err := json.Marshal(entry)
		require.NoError(t, err)
		assert.Nil(t, f.Apply(&raft.Log{Data: data}))
	}

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.True(t, sink.closed)

	raw, err := machine.Marshal()
	require.NoError(t, err)
	assert.Less(t, sink.Len(), len(raw))

	restored := &fsm{machine: state.NewMachine()}
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	assert.Equal(t, machine.StateStats(), restored.machine.StateStats())
	assert.Len(t, restored.machine.ListEvents(sessionID.String(), 10, 0), 10)
}

func TestFSMApplyReturnsErrors(t *testing.T) {
	f := &fsm{machine: state.NewMachine()}
	assert.Error(t, f.Apply(&raft.Log{Data: []byte("not json")}).(error))

	data, err := json.Marshal(testChangeEntry(t, uuid.New(), 2))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Apply(&raft.Log{Data: data}).(error), state.ErrSequenceGap)
}

func TestConfigNormalized(t *testing.T) {
	_, err := Config{RaftAddr: "127.0.0.1:0", DataDir: "x"}.normalized()
	assert.Error(t, err)
	_, err = Config{NodeID: "n1", DataDir: "x"}.normalized()
	assert.Error(t, err)
	_, err = Config{NodeID: "n1", RaftAddr: "127.0.0.1:0"}.normalized()
	assert.Error(t, err)

	cfg, err := Config{NodeID: " n1 ", RaftAddr: "127.0.0.1:0", DataDir: "x"}.normalized()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 2, cfg.SnapshotRetain)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout)
}

func TestSingleNodeEventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}
	node, err := NewNode(Config{NodeID: "n1", RaftAddr: "127.0.0.1:0", DataDir: t.TempDir(), Bootstrap: true})
	require.NoError(t, err)
	defer node.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = node.WaitForLeader(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, node.IsLeader, 5*time.Second, 20*time.Millisecond)

	var store studio.EventStore = node
	sessionID := uuid.New()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, store.AppendEvent(ctx, testEvent(sessionID, seq)))
	}
	assert.ErrorIs(t, store.AppendEvent(ctx, testEvent(sessionID, 3)), state.ErrSequenceConflict)

	events, err := store.ListEvents(ctx, sessionID, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)

	snap := &studio.Snapshot{SessionID: sessionID, AgentID: "agent-1", DocumentVersion: 3, State: map[string]json.RawMessage{"/": json.RawMessage(`{}`)}}
	require.NoError(t, node.SaveSnapshot(ctx, snap))
	got, err := node.LatestSnapshot(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.DocumentVersion)

	missing, err := node.LatestSnapshot(ctx, "agent-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testEvent(sessionID uuid.UUID, seq int64) *studio.ChangeEvent {
	return &studio.ChangeEvent{
		ID:            uuid.New(),
		SessionID:     sessionID,
		AgentID:       "agent-1",
		Sequence:      seq,
		ParticipantID: uuid.New(),
		Kind:          studio.KindComponentUpdate,
		TargetPath:    "/prompts/0",
		Payload:       json.RawMessage(`{"text":"same text compresses well"}`),
		Timestamp:     time.Now().UTC(),
	}
}

func testChangeEntry(t *testing.T, sessionID uuid.UUID, seq int64) protocol.Entry {
	t.Helper()
	event := testEvent(sessionID, seq)
	entry, err := protocol.NewEntry(protocol.OpChangeAppend, event.ID.String(), sessionID.String(), "n1",
		protocol.ChangeAppendPayload{Event: *event}, event.Timestamp)
	require.NoError(t, err)
	return entry
}
