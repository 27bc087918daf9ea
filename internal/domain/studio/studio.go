package studio

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeKind describes what an edit does to the component tree.
type ChangeKind string

const (
	KindComponentCreate ChangeKind = "component_create"
	KindComponentUpdate ChangeKind = "component_update"
	KindComponentDelete ChangeKind = "component_delete"
	KindAgentUpdate     ChangeKind = "agent_update"
)

// Valid reports whether k is a supported change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case KindComponentCreate, KindComponentUpdate, KindComponentDelete, KindAgentUpdate:
		return true
	}
	return false
}

// ParticipantStatus describes a participant's connection state.
type ParticipantStatus string

const (
	ParticipantStatusLive         ParticipantStatus = "LIVE"
	ParticipantStatusReconnecting ParticipantStatus = "RECONNECTING"
)

// Session identifies one incarnation of the collaboration scope of an agent.
// A new incarnation (new ID, sequences restarting at 1) is created when an
// agent is opened again after its previous session was torn down.
type Session struct {
	ID        uuid.UUID `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionInfo is a point-in-time summary of a live session.
type SessionInfo struct {
	Session
	DocumentVersion int64 `json:"documentVersion"`
	Participants    int   `json:"participants"`
	RetainedFrom    int64 `json:"retainedFrom"`
	RetainedEvents  int   `json:"retainedEvents"`
}

// ParticipantState is one connected editor identity within a session.
type ParticipantState struct {
	ParticipantID    uuid.UUID         `json:"participantId"`
	DisplayName      string            `json:"displayName"`
	Color            string            `json:"color"`
	ConnectedAt      time.Time         `json:"connectedAt"`
	LastSeenSequence int64             `json:"lastSeenSequence"`
	Status           ParticipantStatus `json:"status"`
	DisconnectedAt   *time.Time        `json:"disconnectedAt,omitempty"`
}

// EditIntent is an edit produced by the editor UI.
type EditIntent struct {
	TargetPath  string          `json:"targetPath" validate:"required,startswith=/,max=512"`
	Kind        ChangeKind      `json:"kind" validate:"required,oneof=component_create component_update component_delete agent_update"`
	Payload     json.RawMessage `json:"payload,omitempty" validate:"required_unless=Kind component_delete"`
	BaseVersion *int64          `json:"baseVersion,omitempty" validate:"omitempty,gte=0"`
}

// ChangeEvent is one immutable, ordered mutation of the session document.
type ChangeEvent struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"sessionId"`
	AgentID       string          `json:"agentId"`
	Sequence      int64           `json:"sessionSequence"`
	ParticipantID uuid.UUID       `json:"participantId"`
	Kind          ChangeKind      `json:"kind"`
	TargetPath    string          `json:"targetPath"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	BaseVersion   *int64          `json:"baseVersion,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Snapshot is the materialized document at a given version.
type Snapshot struct {
	SessionID       uuid.UUID                  `json:"sessionId"`
	AgentID         string                     `json:"agentId"`
	DocumentVersion int64                      `json:"documentVersion"`
	State           map[string]json.RawMessage `json:"documentState"`
	Digest          string                     `json:"digest"`
}

// PresenceType describes a presence notification.
type PresenceType string

const (
	PresenceJoin         PresenceType = "join"
	PresenceLeave        PresenceType = "leave"
	PresenceReconnecting PresenceType = "reconnecting"
	PresenceResumed      PresenceType = "resumed"
)

// PresenceNotice announces a presence change. Sequence is the document
// version at the time of the notice, so it orders after every change the
// participant authored.
type PresenceNotice struct {
	Type        PresenceType     `json:"type"`
	Participant ParticipantState `json:"participant"`
	Sequence    int64            `json:"sessionSequence"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Welcome is the first update of a fresh subscription.
type Welcome struct {
	Snapshot     Snapshot           `json:"snapshot"`
	Self         ParticipantState   `json:"self"`
	Participants []ParticipantState `json:"participants"`
	ResumeToken  string             `json:"resumeToken,omitempty"`
}

// UpdateType discriminates subscription updates.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateChange   UpdateType = "change"
	UpdatePresence UpdateType = "presence"
)

// Update is one element of a subscription stream. Sequences restart when
// an agent's session is recreated, so SessionID scopes Sequence.
type Update struct {
	Type      UpdateType      `json:"type"`
	SessionID uuid.UUID       `json:"sessionId"`
	Sequence  int64           `json:"sessionSequence"`
	Welcome   *Welcome        `json:"welcome,omitempty"`
	Change    *ChangeEvent    `json:"change,omitempty"`
	Presence  *PresenceNotice `json:"presence,omitempty"`
}

// SnapshotUpdate wraps a welcome.
func SnapshotUpdate(w Welcome) Update {
	return Update{Type: UpdateSnapshot, SessionID: w.Snapshot.SessionID, Sequence: w.Snapshot.DocumentVersion, Welcome: &w}
}

// ChangeUpdate wraps a change event.
func ChangeUpdate(e ChangeEvent) Update {
	return Update{Type: UpdateChange, SessionID: e.SessionID, Sequence: e.Sequence, Change: &e}
}

// PresenceUpdate wraps a presence notice.
func PresenceUpdate(n PresenceNotice) Update {
	return Update{Type: UpdatePresence, Sequence: n.Sequence, Presence: &n}
}
