package httpapi

import (
	"net/http"

	"github.com/google/uuid"
)

func (s *Server) listStudioSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.Sessions())
}

func (s *Server) getStudioState(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	snap, err := s.coord.CurrentState(agentID)
	if err != nil {
		respondStudioError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) getStudioSnapshot(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if s.snapshots == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "snapshot persistence disabled")
		return
	}
	snap, err := s.snapshots.LatestSnapshot(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if snap == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no snapshot saved for agent")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) listStudioParticipants(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	participants, err := s.coord.Participants(agentID)
	if err != nil {
		respondStudioError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, participants)
}

func (s *Server) listStudioChanges(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	since, err := parseInt64Query(r, "since", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	events, err := s.coord.Since(r.Context(), agentID, since)
	if err != nil {
		respondStudioError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) submitStudioChange(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var req studioChangeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid body")
		return
	}
	if req.ParticipantID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "participantId required")
		return
	}
	event, err := s.coord.SubmitSynced(r.Context(), agentID, req.ParticipantID, req.Intent)
	if err != nil {
		respondStudioError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, event)
}

func (s *Server) ackStudioChanges(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	participantID, err := parseUUIDParam(r, "participantId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid participantId")
		return
	}
	var req studioAckRequest
	if err := decodeBody(r, &req); err != nil || req.Sequence < 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid body")
		return
	}
	if err := s.coord.Acknowledge(agentID, participantID, req.Sequence); err != nil {
		respondStudioError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leaveStudioSession(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	participantID, err := parseUUIDParam(r, "participantId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid participantId")
		return
	}
	s.coord.Leave(agentID, participantID)
	w.WriteHeader(http.StatusNoContent)
}
