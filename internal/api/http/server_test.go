package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	appStudio "github.com/execution-hub/agent-studio/internal/application/studio"
	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/infrastructure/sse"
)

type testEnv struct {
	coord *appStudio.Coordinator
	hub   *sse.Hub
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, cfg appStudio.Config) *testEnv {
	t.Helper()
	cfg.ResumeTokenCost = bcrypt.MinCost
	hub := sse.NewHub()
	fanout := appStudio.NewFanout(zerolog.Nop(), 64, time.Second, hub)
	coord := appStudio.NewCoordinator(cfg, nil, fanout, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = fanout.Run(ctx) }()

	api := NewServer(coord, hub, nil, WSConfig{}, zerolog.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		coord.Shutdown()
		hub.Stop()
	})
	return &testEnv{coord: coord, hub: hub, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func (e *testEnv) dial(t *testing.T, agentID string, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/studio/agents/" + agentID + "/ws?" + query.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func readFrame(t *testing.T, ws *websocket.Conn) wsServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsServerFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) wsServerFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, ws); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return wsServerFrame{}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStudioRESTUnknownSession(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})
	for _, path := range []string{"/state", "/participants", "/changes?since=0"} {
		resp, body := env.do(t, http.MethodGet, "/v1/studio/agents/agent-1"+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "UNKNOWN_SESSION", body["error"], path)
	}
	resp, _ := env.do(t, http.MethodGet, "/v1/studio/agents/agent-1/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStudioRESTSubmitAndRead(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})
	sub, err := env.coord.Connect(context.Background(), "agent-1", "alice")
	require.NoError(t, err)
	create := map[string]interface{}{
		"participantId": sub.ParticipantID,
		"intent":        map[string]interface{}{"kind": "component_create", "targetPath": "/prompts/0", "payload": "hello"},
	}

	resp, body := env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/changes", create)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", body["error"])

	resp, _ = env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/participants/"+sub.ParticipantID.String()+"/ack", map[string]int64{"sequence": 0})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/changes", create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["sessionSequence"])

	resp, body = env.do(t, http.MethodGet, "/v1/studio/agents/agent-1/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["documentVersion"])
	state := body["documentState"].(map[string]interface{})
	assert.Equal(t, "hello", state["/prompts/0"])

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/studio/agents/agent-1/changes?since=0", nil)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var events []studio.ChangeEvent
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&events))
	raw.Body.Close()
	require.Len(t, events, 1)
	assert.Equal(t, "/prompts/0", events[0].TargetPath)

	resp, _ = env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/participants/"+sub.ParticipantID.String()+"/ack", map[string]int64{"sequence": 1})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	sessions := env.coord.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].DocumentVersion)

	resp, _ = env.do(t, http.MethodDelete, "/v1/studio/agents/agent-1/participants/"+sub.ParticipantID.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	<-sub.Done()
}

func TestStudioRESTErrors(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{LogRetain: 1})
	sub, err := env.coord.Connect(context.Background(), "agent-1", "alice")
	require.NoError(t, err)
	require.NoError(t, env.coord.Acknowledge("agent-1", sub.ParticipantID, 0))

	resp, body := env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/changes", map[string]interface{}{
		"participantId": sub.ParticipantID,
		"intent":        map[string]interface{}{"kind": "component_create", "targetPath": "relative"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PARAM", body["error"])

	resp, body = env.do(t, http.MethodPost, "/v1/studio/agents/agent-1/changes", map[string]interface{}{
		"participantId": "6f1c1c50-0c0a-4a4f-9d2e-0d7c1f1f0a11",
		"intent":        map[string]interface{}{"kind": "component_create", "targetPath": "/p", "payload": 1},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_PARTICIPANT", body["error"])

	for i := 0; i < 3; i++ {
		_, err := env.coord.Submit(context.Background(), "agent-1", sub.ParticipantID, studio.EditIntent{
			Kind: studio.KindComponentUpdate, TargetPath: "/p", Payload: json.RawMessage(`1`),
		})
		require.NoError(t, err)
	}
	resp, body = env.do(t, http.MethodGet, "/v1/studio/agents/agent-1/changes?since=0", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "STALE_RESYNC_GAP", body["error"])

	resp, _ = env.do(t, http.MethodGet, "/v1/studio/agents/agent-1/changes?since=-4", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStudioWebSocketEditing(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})

	alice, _, err := env.dial(t, "agent-1", url.Values{"display_name": {"alice"}})
	require.NoError(t, err)
	defer alice.Close()
	welcome := readFrame(t, alice)
	require.Equal(t, frameWelcome, welcome.Type)
	require.NotNil(t, welcome.Welcome)
	assert.Equal(t, "alice", welcome.Welcome.Self.DisplayName)

	bob, _, err := env.dial(t, "agent-1", url.Values{"display_name": {"bob"}})
	require.NoError(t, err)
	defer bob.Close()
	require.Equal(t, frameWelcome, readFrame(t, bob).Type)
	join := readFrame(t, alice)
	require.Equal(t, framePresence, join.Type)
	assert.Equal(t, studio.PresenceJoin, join.Presence.Type)

	// Submitting before the snapshot is acknowledged is rejected.
	intent := studio.EditIntent{Kind: studio.KindComponentCreate, TargetPath: "/tools/0", Payload: json.RawMessage(`{"name":"search"}`)}
	require.NoError(t, alice.WriteJSON(wsClientFrame{Type: frameSubmit, RequestID: "r0", Intent: &intent}))
	rejected := readUntil(t, alice, frameError)
	assert.Equal(t, "r0", rejected.RequestID)
	assert.Equal(t, "INVALID_TRANSITION", rejected.Error)

	require.NoError(t, alice.WriteJSON(wsClientFrame{Type: frameAck, Sequence: welcome.Sequence}))
	require.NoError(t, alice.WriteJSON(wsClientFrame{Type: frameSubmit, RequestID: "r1", Intent: &intent}))

	var submitted, change bool
	for !(submitted && change) {
		f := readFrame(t, alice)
		switch f.Type {
		case frameSubmitted:
			assert.Equal(t, "r1", f.RequestID)
			assert.Equal(t, int64(1), f.Sequence)
			submitted = true
		case frameChange:
			assert.Equal(t, int64(1), f.Change.Sequence)
			change = true
		}
	}

	got := readUntil(t, bob, frameChange)
	assert.Equal(t, "/tools/0", got.Change.TargetPath)

	require.NoError(t, bob.WriteJSON(wsClientFrame{Type: frameLeave}))
	leave := readUntil(t, alice, framePresence)
	assert.Equal(t, studio.PresenceLeave, leave.Presence.Type)
}

func TestStudioWebSocketResume(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})

	alice, _, err := env.dial(t, "agent-1", url.Values{"display_name": {"alice"}})
	require.NoError(t, err)
	welcome := readFrame(t, alice)
	self := welcome.Welcome.Self
	token := welcome.Welcome.ResumeToken
	require.NoError(t, alice.WriteJSON(wsClientFrame{Type: frameAck, Sequence: 0}))

	bob, err := env.coord.Connect(context.Background(), "agent-1", "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		ps, err := env.coord.Participants("agent-1")
		return err == nil && ps[0].Status == studio.ParticipantStatusReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := env.coord.Submit(context.Background(), "agent-1", bob.ParticipantID, studio.EditIntent{
			Kind: studio.KindComponentUpdate, TargetPath: "/p", Payload: json.RawMessage(`1`),
		})
		require.NoError(t, err)
	}

	again, _, err := env.dial(t, "agent-1", url.Values{
		"participant_id": {self.ParticipantID.String()},
		"resume_token":   {token},
		"last_seen":      {"1"},
	})
	require.NoError(t, err)
	defer again.Close()

	resync := readFrame(t, again)
	require.Equal(t, frameResync, resync.Type)
	assert.Equal(t, appStudio.ResyncDelta, resync.Mode)
	for want := int64(2); want <= 3; want++ {
		f := readFrame(t, again)
		require.Equal(t, frameChange, f.Type)
		assert.Equal(t, want, f.Change.Sequence)
	}

	_, resp, err := env.dial(t, "agent-1", url.Values{
		"participant_id": {self.ParticipantID.String()},
		"resume_token":   {"forged"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStudioWebSocketCapacity(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{Palette: []string{"#000000"}})

	first, _, err := env.dial(t, "agent-1", url.Values{"display_name": {"alice"}})
	require.NoError(t, err)
	defer first.Close()
	readFrame(t, first)

	_, resp, err := env.dial(t, "agent-1", url.Values{"display_name": {"bob"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStudioSSEStream(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{})
	sub, err := env.coord.Connect(context.Background(), "agent-1", "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/studio/agents/agent-1/stream?client_id=observer", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()

	nextEvent := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no sse event")
		}
		return ""
	}
	assert.Equal(t, "snapshot", nextEvent())
	assert.NotNil(t, env.hub.GetClient("observer"))

	_, err = env.coord.Submit(context.Background(), "agent-1", sub.ParticipantID, studio.EditIntent{
		Kind: studio.KindComponentCreate, TargetPath: "/p", Payload: json.RawMessage(`1`),
	})
	require.NoError(t, err)
	// The join notice may still be in flight through the fanout.
	ev := nextEvent()
	if ev == "presence" {
		ev = nextEvent()
	}
	assert.Equal(t, "change", ev)
}

type sseFrame struct {
	id    string
	event string
}

// openStream starts an observer stream and relays its frames.
func (e *testEnv) openStream(t *testing.T, agentID, lastEventID string) <-chan sseFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/studio/agents/"+agentID+"/stream", nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan sseFrame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		var cur sseFrame
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case line == "" && cur.event != "":
				frames <- cur
				cur = sseFrame{}
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no sse frame")
	}
	return sseFrame{}
}

func TestStudioSSEFollowsRecreatedSession(t *testing.T) {
	env := newTestEnv(t, appStudio.Config{SessionGrace: 30 * time.Millisecond})
	ctx := context.Background()
	alice, err := env.coord.Connect(ctx, "agent-1", "alice")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.coord.Submit(ctx, "agent-1", alice.ParticipantID, studio.EditIntent{
			Kind: studio.KindComponentUpdate, TargetPath: "/p", Payload: json.RawMessage(`1`),
		})
		require.NoError(t, err)
	}
	old, err := env.coord.CurrentState("agent-1")
	require.NoError(t, err)

	frames := env.openStream(t, "agent-1", "")
	first := nextFrame(t, frames)
	assert.Equal(t, "snapshot", first.event)
	assert.Equal(t, old.SessionID.String()+":3", first.id)

	alice.Close()
	require.Eventually(t, func() bool {
		_, err := env.coord.CurrentState("agent-1")
		return errors.Is(err, studio.ErrUnknownSession)
	}, 2*time.Second, 5*time.Millisecond)

	bob, err := env.coord.Connect(ctx, "agent-1", "bob")
	require.NoError(t, err)
	fresh, err := env.coord.CurrentState("agent-1")
	require.NoError(t, err)
	require.NotEqual(t, old.SessionID, fresh.SessionID)
	for {
		if f := nextFrame(t, frames); f.event == "snapshot" {
			assert.Equal(t, fresh.SessionID.String()+":0", f.id)
			break
		}
	}

	e, err := env.coord.Submit(ctx, "agent-1", bob.ParticipantID, studio.EditIntent{
		Kind: studio.KindComponentCreate, TargetPath: "/q", Payload: json.RawMessage(`2`),
	})
	require.NoError(t, err)
	for {
		if f := nextFrame(t, frames); f.event == "change" {
			assert.Equal(t, e.SessionID.String()+":1", f.id)
			break
		}
	}

	// An id from the torn down session must not replay the new session.
	stale := env.openStream(t, "agent-1", old.SessionID.String()+":0")
	f := nextFrame(t, stale)
	assert.Equal(t, sseFrame{id: e.SessionID.String() + ":1", event: "snapshot"}, f)

	current := env.openStream(t, "agent-1", e.SessionID.String()+":0")
	f = nextFrame(t, current)
	assert.Equal(t, sseFrame{id: e.SessionID.String() + ":1", event: "change"}, f)
}

func TestStudioErrorStatus(t *testing.T) {
	status, code := studioErrorStatus(studio.ErrCapacityExceeded)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CAPACITY_EXCEEDED", code)
	status, code = studioErrorStatus(studio.ErrStaleResyncGap)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "STALE_RESYNC_GAP", code)
	status, _ = studioErrorStatus(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
}
