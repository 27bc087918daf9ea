package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	appStudio "github.com/execution-hub/agent-studio/internal/application/studio"
	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Client frame types.
const (
	frameAck    = "ack"
	frameSubmit = "submit"
	frameLeave  = "leave"
)

// Server frame types.
const (
	frameWelcome   = "welcome"
	frameChange    = "change"
	framePresence  = "presence"
	frameResync    = "resync"
	frameSubmitted = "submitted"
	frameError     = "error"
)

type wsClientFrame struct {
	Type      string             `json:"type"`
	Sequence  int64              `json:"sequence,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
	Intent    *studio.EditIntent `json:"intent,omitempty"`
}

type wsServerFrame struct {
	Type      string                 `json:"type"`
	Sequence  int64                  `json:"sequence"`
	RequestID string                 `json:"requestId,omitempty"`
	Mode      appStudio.ResyncMode   `json:"mode,omitempty"`
	Welcome   *studio.Welcome        `json:"welcome,omitempty"`
	Change    *studio.ChangeEvent    `json:"change,omitempty"`
	Presence  *studio.PresenceNotice `json:"presence,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

func updateFrame(u studio.Update) wsServerFrame {
	f := wsServerFrame{Sequence: u.Sequence}
	switch u.Type {
	case studio.UpdateSnapshot:
		f.Type, f.Welcome = frameWelcome, u.Welcome
	case studio.UpdateChange:
		f.Type, f.Change = frameChange, u.Change
	default:
		f.Type, f.Presence = framePresence, u.Presence
	}
	return f
}

func errorFrame(requestID string, err error) wsServerFrame {
	_, code := studioErrorStatus(err)
	return wsServerFrame{Type: frameError, RequestID: requestID, Error: code, Message: err.Error()}
}

// studioWebSocket serves the live editing connection. A fresh connection
// joins with display_name; a reconnecting client passes participant_id,
// resume_token and last_seen to resume. Join and resume failures are
// reported as plain HTTP errors before the upgrade.
func (s *Server) studioWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	q := r.URL.Query()
	displayName := q.Get("display_name")

	var (
		conn  *appStudio.Connection
		first *wsServerFrame
	)
	if raw := strings.TrimSpace(q.Get("participant_id")); raw != "" {
		participantID, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid participant_id")
			return
		}
		lastSeen, err := parseInt64Query(r, "last_seen", 0)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		conn = s.coord.Reattach(agentID, participantID, q.Get("resume_token"), displayName)
		mode, err := conn.Resume(r.Context(), lastSeen)
		if err != nil {
			respondStudioError(w, err)
			return
		}
		first = &wsServerFrame{Type: frameResync, Mode: mode, Sequence: lastSeen}
	} else {
		conn = s.coord.Open(agentID, displayName)
		if err := conn.Handshake(r.Context()); err != nil {
			respondStudioError(w, err)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("websocket upgrade failed")
		conn.Drop()
		return
	}

	sess := &wsSession{
		cfg:        s.ws,
		conn:       conn,
		ws:         ws,
		out:        make(chan wsServerFrame, s.ws.SendBuffer),
		quit:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		logger: s.logger.With().
			Str("agent_id", agentID).
			Str("participant_id", conn.ParticipantID().String()).
			Logger(),
	}
	sess.run(r.Context(), first)
}

// wsSession couples one Connection with one WebSocket. The read pump runs
// on the handler goroutine; forward relays the subscription and the write
// pump owns every socket write.
type wsSession struct {
	cfg    WSConfig
	conn   *appStudio.Connection
	ws     *websocket.Conn
	logger zerolog.Logger

	out        chan wsServerFrame
	quit       chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (s *wsSession) run(ctx context.Context, first *wsServerFrame) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.logger.Debug().Msg("websocket connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.forward(ctx, first)
	}()

	left := s.readPump(ctx)
	close(s.quit)
	wg.Wait()

	if left {
		s.conn.Close()
	} else {
		s.conn.Drop()
	}
	_ = s.ws.Close()
	s.logger.Debug().Bool("left", left).Msg("websocket closed")
}

// forward relays the subscription to the client. A lagging subscription is
// resumed in place from the last acknowledged sequence.
func (s *wsSession) forward(ctx context.Context, first *wsServerFrame) {
	if first != nil && !s.send(*first) {
		return
	}
	for {
		sub := s.conn.Subscription()
		if sub == nil {
			s.shutdown()
			return
		}
		if !s.pipe(sub) {
			return
		}
		if !errors.Is(sub.Err(), studio.ErrSubscriberLagging) {
			if err := sub.Err(); err != nil {
				s.send(errorFrame("", err))
			}
			s.shutdown()
			return
		}

		s.logger.Info().Msg("subscriber lagging, resuming")
		s.conn.Drop()
		lastSeen := s.conn.LastSeen()
		mode, err := s.conn.Resume(ctx, lastSeen)
		if err != nil {
			s.send(errorFrame("", err))
			s.shutdown()
			return
		}
		if !s.send(wsServerFrame{Type: frameResync, Mode: mode, Sequence: lastSeen}) {
			return
		}
	}
}

func (s *wsSession) pipe(sub *appStudio.Subscription) bool {
	for {
		select {
		case <-s.quit:
			return false
		case u, ok := <-sub.Updates():
			if !ok {
				return true
			}
			if !s.send(updateFrame(u)) {
				return false
			}
		}
	}
}

func (s *wsSession) send(f wsServerFrame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.quit:
		return false
	case <-s.writerDone:
		return false
	}
}

// shutdown asks the write pump to close the socket, which ends the read
// pump.
func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *wsSession) readPump(ctx context.Context) (left bool) {
	s.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return false
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.send(wsServerFrame{Type: frameError, Error: "INVALID_PARAM", Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case frameAck:
			if err := s.conn.Acknowledge(frame.Sequence); err != nil {
				s.send(errorFrame(frame.RequestID, err))
			}
		case frameSubmit:
			if frame.Intent == nil {
				s.send(wsServerFrame{Type: frameError, RequestID: frame.RequestID, Error: "INVALID_PARAM", Message: "intent required"})
				continue
			}
			e, err := s.conn.Submit(ctx, *frame.Intent)
			if err != nil {
				s.send(errorFrame(frame.RequestID, err))
				continue
			}
			s.send(wsServerFrame{Type: frameSubmitted, RequestID: frame.RequestID, Sequence: e.Sequence})
		case frameLeave:
			return true
		default:
			s.send(wsServerFrame{Type: frameError, RequestID: frame.RequestID, Error: "INVALID_PARAM", Message: "unknown frame type"})
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case f := <-s.out:
			if err := s.write(f); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-s.closing:
			s.flush()
			s.closeMessage()
			_ = s.ws.Close()
			return
		case <-s.quit:
			s.flush()
			s.closeMessage()
			return
		}
	}
}

func (s *wsSession) write(f wsServerFrame) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.ws.WriteJSON(f)
}

func (s *wsSession) flush() {
	for {
		select {
		case f := <-s.out:
			if err := s.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) closeMessage() {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
