package studio

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// DefaultPalette is the presence color palette used when none is configured.
var DefaultPalette = []string{
	"#E5484D", "#30A46C", "#0090FF", "#F76B15",
	"#8E4EC6", "#12A594", "#D6409F", "#FFC53D",
}

type member struct {
	state      studio.ParticipantState
	resumeHash []byte
	deadline   time.Time

	// synced turns true once LastSeenSequence reaches syncVersion.
	syncVersion int64
	synced      bool
}

// Presence tracks the participants of one session. It is not safe for
// concurrent use; the owning session serializes access.
type Presence struct {
	palette []string
	order   []uuid.UUID
	members map[uuid.UUID]*member
}

func NewPresence(palette []string) *Presence {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Presence{
		palette: append([]string(nil), palette...),
		members: map[uuid.UUID]*member{},
	}
}

// Join registers a new participant and assigns the first free palette color.
func (p *Presence) Join(displayName string, resumeHash []byte, now time.Time) (studio.ParticipantState, error) {
	color, ok := p.freeColor()
	if !ok {
		return studio.ParticipantState{}, studio.ErrCapacityExceeded
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "Anonymous"
	}
	m := &member{
		state: studio.ParticipantState{
			ParticipantID: uuid.New(),
			DisplayName:   name,
			Color:         color,
			ConnectedAt:   now,
			Status:        studio.ParticipantStatusLive,
		},
		resumeHash: resumeHash,
	}
	p.members[m.state.ParticipantID] = m
	p.order = append(p.order, m.state.ParticipantID)
	return m.state, nil
}

// Leave removes a participant. Unknown participants are ignored.
func (p *Presence) Leave(id uuid.UUID) (studio.ParticipantState, bool) {
	m, ok := p.members[id]
	if !ok {
		return studio.ParticipantState{}, false
	}
	delete(p.members, id)
	p.order = lo.Without(p.order, id)
	return m.state, true
}

func (p *Presence) get(id uuid.UUID) (*member, bool) {
	m, ok := p.members[id]
	return m, ok
}

// Get returns a participant's current state.
func (p *Presence) Get(id uuid.UUID) (studio.ParticipantState, bool) {
	m, ok := p.members[id]
	if !ok {
		return studio.ParticipantState{}, false
	}
	return m.state, true
}

// List returns participants in join order.
func (p *Presence) List() []studio.ParticipantState {
	return lo.Map(p.order, func(id uuid.UUID, _ int) studio.ParticipantState {
		return p.members[id].state
	})
}

func (p *Presence) Len() int { return len(p.members) }

// Acknowledge advances the participant's last seen sequence. It never
// moves backwards.
func (p *Presence) Acknowledge(id uuid.UUID, seq int64) bool {
	m, ok := p.members[id]
	if !ok {
		return false
	}
	if seq > m.state.LastSeenSequence {
		m.state.LastSeenSequence = seq
	}
	if seq >= m.syncVersion {
		m.synced = true
	}
	return true
}

// BeginSync records that the participant was handed the document at
// version. It may edit again once that version is acknowledged.
func (p *Presence) BeginSync(id uuid.UUID, version int64) {
	if m, ok := p.members[id]; ok {
		m.syncVersion = version
		m.synced = false
	}
}

// MarkReconnecting keeps the participant (and its color) until deadline.
func (p *Presence) MarkReconnecting(id uuid.UUID, now, deadline time.Time) (studio.ParticipantState, bool) {
	m, ok := p.members[id]
	if !ok {
		return studio.ParticipantState{}, false
	}
	at := now
	m.state.Status = studio.ParticipantStatusReconnecting
	m.state.DisconnectedAt = &at
	m.deadline = deadline
	return m.state, true
}

// MarkLive clears a reconnecting participant.
func (p *Presence) MarkLive(id uuid.UUID) (studio.ParticipantState, bool) {
	m, ok := p.members[id]
	if !ok {
		return studio.ParticipantState{}, false
	}
	m.state.Status = studio.ParticipantStatusLive
	m.state.DisconnectedAt = nil
	m.deadline = time.Time{}
	return m.state, true
}

// Lapsed returns reconnecting participants whose grace deadline has passed,
// in join order. Their colors can be reclaimed.
func (p *Presence) Lapsed(now time.Time) []uuid.UUID {
	return lo.Filter(p.order, func(id uuid.UUID, _ int) bool {
		m := p.members[id]
		return m.state.Status == studio.ParticipantStatusReconnecting && !m.deadline.After(now)
	})
}

func (p *Presence) freeColor() (string, bool) {
	used := make(map[string]struct{}, len(p.members))
	for _, m := range p.members {
		used[m.state.Color] = struct{}{}
	}
	for _, c := range p.palette {
		if _, taken := used[c]; !taken {
			return c, true
		}
	}
	return "", false
}
