package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/p2p/consensus"
)

func newLeader(t *testing.T) *consensus.Node {
	t.Helper()
	if testing.Short() {
		t.Skip("starts a raft node")
	}
	node, err := consensus.NewNode(consensus.Config{NodeID: "n1", RaftAddr: "127.0.0.1:0", DataDir: t.TempDir(), Bootstrap: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = node.WaitForLeader(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, node.IsLeader, 5*time.Second, 20*time.Millisecond)
	return node
}

func TestNodeRoutes(t *testing.T) {
	node := newLeader(t)
	ctx := context.Background()
	sessionID := uuid.New()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, node.AppendEvent(ctx, &studio.ChangeEvent{
			ID:            uuid.New(),
			SessionID:     sessionID,
			AgentID:       "agent-1",
			Sequence:      seq,
			ParticipantID: uuid.New(),
			Kind:          studio.KindComponentUpdate,
			TargetPath:    "/prompts/0",
			Payload:       json.RawMessage(`{"text":"v"}`),
			Timestamp:     time.Now().UTC(),
		}))
	}

	mounted := false
	srv := httptest.NewServer(NewServer(node, zerolog.Nop()).Router(func(r chi.Router) {
		mounted = true
		r.Get("/extra", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	}))
	defer srv.Close()
	assert.True(t, mounted)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, srv.URL+"/healthz", http.StatusOK, &body)
		assert.Equal(t, "n1", body["nodeId"])
		assert.Equal(t, true, body["ok"])
	})

	t.Run("sessions", func(t *testing.T) {
		var body struct {
			Sessions []struct {
				SessionID    string `json:"sessionId"`
				AgentID      string `json:"agentId"`
				LastSequence int64  `json:"lastSequence"`
			} `json:"sessions"`
		}
		getJSON(t, srv.URL+"/v1/p2p/sessions", http.StatusOK, &body)
		require.Len(t, body.Sessions, 1)
		assert.Equal(t, sessionID.String(), body.Sessions[0].SessionID)
		assert.Equal(t, "agent-1", body.Sessions[0].AgentID)
		assert.Equal(t, int64(3), body.Sessions[0].LastSequence)
	})

	t.Run("events after", func(t *testing.T) {
		var body struct {
			Events []studio.ChangeEvent `json:"events"`
		}
		getJSON(t, srv.URL+"/v1/p2p/sessions/"+sessionID.String()+"/events?after=1&limit=1", http.StatusOK, &body)
		require.Len(t, body.Events, 1)
		assert.Equal(t, int64(2), body.Events[0].Sequence)
	})

	t.Run("events errors", func(t *testing.T) {
		getJSON(t, srv.URL+"/v1/p2p/sessions/not-a-uuid/events", http.StatusBadRequest, nil)
		getJSON(t, srv.URL+"/v1/p2p/sessions/"+uuid.NewString()+"/events", http.StatusNotFound, nil)
		getJSON(t, srv.URL+"/v1/p2p/sessions/"+sessionID.String()+"/events?after=-1", http.StatusBadRequest, nil)
	})

	t.Run("join rejects unknown fields", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/p2p/raft/join", "application/json", strings.NewReader(`{"nodeId":"n2"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("mounted route", func(t *testing.T) {
		getJSON(t, srv.URL+"/extra", http.StatusTeapot, nil)
	})
}

func TestParseLimit(t *testing.T) {
	cases := map[string]int{"": 100, "5": 5, "0": 100, "-3": 100, "junk": 100, "5000": 1000}
	for raw, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
		assert.Equal(t, want, parseLimit(r, 100, 1000), "limit=%q", raw)
	}
}

func getJSON(t *testing.T, url string, status int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}
