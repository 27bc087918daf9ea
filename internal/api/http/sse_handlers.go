package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/infrastructure/sse"
)

const sseKeepAlive = 15 * time.Second

// studioSSEEndpoint streams a session to a read-only observer. The stream
// starts with a snapshot, or with the missed changes when Last-Event-ID
// names the current session, and continues with changes and presence
// notices. Observers do not take a presence slot. A gap in the relayed
// changes, or a message from a recreated session, is repaired with a fresh
// snapshot.
func (s *Server) studioSSEEndpoint(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client := sse.NewClient(clientID, agentID, 256)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	// Registered before reading state so nothing committed in between is lost.
	var (
		initial   []*sse.Message
		sessionID uuid.UUID
		version   = int64(-1)
	)
	if sid, last, ok := sse.ParseID(r.Header.Get("Last-Event-ID")); ok {
		initial, version = s.resumeMessages(r, agentID, sid, last)
		sessionID = sid
	}
	if version < 0 {
		msg, v, err := s.snapshotMessage(agentID)
		if err != nil {
			respondStudioError(w, err)
			return
		}
		initial, sessionID, version = []*sse.Message{msg}, msg.SessionID, v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	for _, msg := range initial {
		writeSSE(w, msg)
	}
	flusher.Flush()

	resync := func() bool {
		snap, v, err := s.snapshotMessage(agentID)
		if err != nil {
			return false
		}
		writeSSE(w, snap)
		flusher.Flush()
		sessionID, version = snap.SessionID, v
		return true
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok {
				return
			}
			if msg.SessionID != uuid.Nil && msg.SessionID != sessionID {
				// Sequences start over in a recreated session.
				if !resync() {
					return
				}
				if msg.SessionID != sessionID {
					continue
				}
			}
			if msg.Event == string(studio.UpdateChange) {
				if msg.Sequence <= version {
					continue
				}
				if msg.Sequence > version+1 {
					if !resync() {
						return
					}
					if msg.SessionID != sessionID || msg.Sequence <= version {
						continue
					}
				}
				version = msg.Sequence
			}
			writeSSE(w, msg)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// resumeMessages returns the changes after last when sessionID is still the
// agent's session, and a negative version otherwise.
func (s *Server) resumeMessages(r *http.Request, agentID string, sessionID uuid.UUID, last int64) ([]*sse.Message, int64) {
	snap, err := s.coord.CurrentState(agentID)
	if err != nil || snap.SessionID != sessionID || last > snap.DocumentVersion {
		return nil, -1
	}
	events, err := s.coord.Since(r.Context(), agentID, last)
	if err != nil {
		return nil, -1
	}
	out := make([]*sse.Message, 0, len(events))
	version := last
	for _, e := range events {
		if e.SessionID != sessionID {
			return nil, -1
		}
		msg, err := sse.NewMessage(studio.ChangeUpdate(e))
		if err != nil {
			return nil, -1
		}
		out = append(out, msg)
		version = e.Sequence
	}
	return out, version
}

func (s *Server) snapshotMessage(agentID string) (*sse.Message, int64, error) {
	snap, err := s.coord.CurrentState(agentID)
	if err != nil {
		return nil, 0, err
	}
	participants, err := s.coord.Participants(agentID)
	if err != nil && !errors.Is(err, studio.ErrUnknownSession) {
		return nil, 0, err
	}
	msg, err := sse.NewMessage(studio.SnapshotUpdate(studio.Welcome{Snapshot: snap, Participants: participants}))
	if err != nil {
		return nil, 0, err
	}
	return msg, snap.DocumentVersion, nil
}

func writeSSE(w http.ResponseWriter, msg *sse.Message) {
	data, _ := json.Marshal(msg.Data)
	_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID(), msg.Event, data)
}
