package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	appStudio "github.com/execution-hub/agent-studio/internal/application/studio"
	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/infrastructure/sse"
)

// SnapshotReader loads the last persisted snapshot of an agent.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, agentID string) (*studio.Snapshot, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	coord     *appStudio.Coordinator
	sseHub    *sse.Hub
	snapshots SnapshotReader
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	ws        WSConfig
}

// WSConfig tunes the live WebSocket transport.
type WSConfig struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c WSConfig) normalized() WSConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 256 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// NewServer creates the studio API. snapshots may be nil.
func NewServer(coord *appStudio.Coordinator, sseHub *sse.Hub, snapshots SnapshotReader, ws WSConfig, logger zerolog.Logger) *Server {
	return &Server{
		coord:     coord,
		sseHub:    sseHub,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ws: ws.normalized(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	s.Mount(r)

	return r
}

// Mount registers the studio routes under /v1/studio on r.
func (s *Server) Mount(r chi.Router) {
	timeout := middleware.Timeout(30 * time.Second)
	r.Route("/v1/studio", func(r chi.Router) {
		r.With(timeout).Get("/sessions", s.listStudioSessions)

		r.Route("/agents/{agentId}", func(r chi.Router) {
			// Long-lived streams are not bound by the request timeout.
			r.Get("/ws", s.studioWebSocket)
			r.Get("/stream", s.studioSSEEndpoint)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/state", s.getStudioState)
				r.Get("/snapshot", s.getStudioSnapshot)
				r.Get("/participants", s.listStudioParticipants)
				r.Get("/changes", s.listStudioChanges)
				r.Post("/changes", s.submitStudioChange)
				r.Post("/participants/{participantId}/ack", s.ackStudioChanges)
				r.Delete("/participants/{participantId}", s.leaveStudioSession)
			})
		})
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    len(s.coord.Sessions()),
		"sse_clients": s.sseHub.GetClientCount(),
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondStudioError maps studio errors to HTTP statuses.
func respondStudioError(w http.ResponseWriter, err error) {
	status, code := studioErrorStatus(err)
	respondError(w, status, code, err.Error())
}

func studioErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, studio.ErrCapacityExceeded):
		return http.StatusConflict, "CAPACITY_EXCEEDED"
	case errors.Is(err, studio.ErrUnknownSession):
		return http.StatusNotFound, "UNKNOWN_SESSION"
	case errors.Is(err, studio.ErrUnknownParticipant):
		return http.StatusNotFound, "UNKNOWN_PARTICIPANT"
	case errors.Is(err, studio.ErrStaleResyncGap):
		return http.StatusGone, "STALE_RESYNC_GAP"
	case errors.Is(err, studio.ErrInvalidIntent):
		return http.StatusBadRequest, "INVALID_PARAM"
	case errors.Is(err, studio.ErrResumeRejected):
		return http.StatusForbidden, "RESUME_REJECTED"
	case errors.Is(err, studio.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, studio.ErrSessionClosed):
		return http.StatusServiceUnavailable, "SESSION_CLOSED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func agentIDParam(r *http.Request) (string, error) {
	agentID := strings.TrimSpace(chi.URLParam(r, "agentId"))
	if agentID == "" {
		return "", errors.New("agentId required")
	}
	return agentID, nil
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseInt64Query(r *http.Request, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

// Data types for requests

type studioChangeRequest struct {
	ParticipantID uuid.UUID         `json:"participantId"`
	Intent        studio.EditIntent `json:"intent"`
}

type studioAckRequest struct {
	Sequence int64 `json:"sequence"`
}
