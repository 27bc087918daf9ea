package studio

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Config tunes session behavior.
type Config struct {
	Palette          []string
	ReconnectGrace   time.Duration
	SessionGrace     time.Duration
	LogRetain        int
	SubscriberBuffer int
	ResumeTokenCost  int
}

func (c Config) normalized() Config {
	if len(c.Palette) == 0 {
		c.Palette = DefaultPalette
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = time.Minute
	}
	if c.LogRetain < 0 {
		c.LogRetain = 0
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.ResumeTokenCost < bcrypt.MinCost || c.ResumeTokenCost > bcrypt.MaxCost {
		c.ResumeTokenCost = bcrypt.DefaultCost
	}
	return c
}

// session is one agent's serialization domain. mu orders every presence
// mutation, append and broadcast of the session.
type session struct {
	info     studio.Session
	log      *ChangeLog
	presence *Presence

	mu          sync.Mutex
	subs        map[uuid.UUID]*Subscription
	grace       map[uuid.UUID]*time.Timer
	teardown    *time.Timer
	teardownGen uint64
	closed      bool
}

// ResumeRequest is presented by a client reconnecting after a drop.
type ResumeRequest struct {
	AgentID          string
	ParticipantID    uuid.UUID
	LastSeenSequence int64
	ResumeToken      string
}

// Coordinator owns the collaboration sessions of all agents.
type Coordinator struct {
	cfg      Config
	store    studio.EventStore
	resolver *Resolver
	fanout   *Fanout
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator creates a coordinator. store and fanout may be nil.
func NewCoordinator(cfg Config, store studio.EventStore, fanout *Fanout, logger zerolog.Logger) *Coordinator {
	logger = logger.With().Str("service", "studio").Logger()
	return &Coordinator{
		cfg:      cfg.normalized(),
		store:    store,
		resolver: NewResolver(logger),
		fanout:   fanout,
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// Connect joins a participant to the agent's session, creating the session
// if needed. The subscription starts with a snapshot update.
func (c *Coordinator) Connect(ctx context.Context, agentID, displayName string) (*Subscription, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, hash, err := c.newResumeToken()
	if err != nil {
		return nil, err
	}

	for {
		s := c.getOrCreate(agentID)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		sub, err := c.joinLocked(s, displayName, token, hash)
		s.mu.Unlock()
		return sub, err
	}
}

func (c *Coordinator) joinLocked(s *session, displayName, token string, hash []byte) (*Subscription, error) {
	now := time.Now().UTC()

	self, err := s.presence.Join(displayName, hash, now)
	if errors.Is(err, studio.ErrCapacityExceeded) {
		for _, id := range s.presence.Lapsed(time.Now()) {
			c.leaveLocked(s, id)
		}
		self, err = s.presence.Join(displayName, hash, now)
	}
	if err != nil {
		c.scheduleTeardownLocked(s)
		c.logger.Warn().Str("agent_id", s.info.AgentID).Int("participants", s.presence.Len()).Msg("session full")
		return nil, err
	}
	c.cancelTeardownLocked(s)

	snap := s.log.Snapshot()
	s.presence.BeginSync(self.ParticipantID, snap.DocumentVersion)
	c.broadcastLocked(s, studio.PresenceUpdate(studio.PresenceNotice{
		Type:        studio.PresenceJoin,
		Participant: self,
		Sequence:    snap.DocumentVersion,
		Timestamp:   now,
	}))

	sub := c.newSubscriptionLocked(s, self.ParticipantID, snap.DocumentVersion, 1)
	sub.resumeToken = token
	sub.deliver(studio.SnapshotUpdate(studio.Welcome{
		Snapshot:     snap,
		Self:         self,
		Participants: s.presence.List(),
		ResumeToken:  token,
	}))

	c.logger.Info().
		Str("agent_id", s.info.AgentID).
		Str("session_id", s.info.ID.String()).
		Str("participant_id", self.ParticipantID.String()).
		Str("color", self.Color).
		Int64("document_version", snap.DocumentVersion).
		Msg("participant joined")
	return sub, nil
}

// Resume reattaches a dropped participant. Within the retained log the
// missed events are replayed (ResyncDelta); otherwise the stream starts
// with a fresh snapshot (ResyncSnapshot). ErrUnknownSession and
// ErrUnknownParticipant mean the caller has to Connect again.
func (c *Coordinator) Resume(ctx context.Context, req ResumeRequest) (*Subscription, ResyncMode, error) {
	s := c.lookup(req.AgentID)
	if s == nil {
		return nil, "", studio.ErrUnknownSession
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", studio.ErrUnknownSession
	}
	m, ok := s.presence.get(req.ParticipantID)
	if !ok {
		s.mu.Unlock()
		return nil, "", studio.ErrUnknownParticipant
	}
	hash := m.resumeHash
	s.mu.Unlock()

	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.ResumeToken)); err != nil {
		return nil, "", studio.ErrResumeRejected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", studio.ErrUnknownSession
	}
	if m2, ok := s.presence.get(req.ParticipantID); !ok || m2 != m {
		return nil, "", studio.ErrUnknownParticipant
	}

	if old, ok := s.subs[req.ParticipantID]; ok {
		delete(s.subs, req.ParticipantID)
		old.detach(studio.ErrConnectionDropped)
	}
	c.stopGraceLocked(s, req.ParticipantID)
	self, _ := s.presence.MarkLive(req.ParticipantID)

	version := s.log.Version()
	mode := ResyncDelta
	var delta []studio.ChangeEvent
	if req.LastSeenSequence > version {
		mode = ResyncSnapshot
	} else {
		events, err := s.log.Since(ctx, req.LastSeenSequence)
		switch {
		case errors.Is(err, studio.ErrStaleResyncGap):
			mode = ResyncSnapshot
		case err != nil:
			c.markReconnectingLocked(s, req.ParticipantID)
			return nil, "", err
		default:
			delta = events
			s.presence.BeginSync(req.ParticipantID, req.LastSeenSequence)
			s.presence.Acknowledge(req.ParticipantID, req.LastSeenSequence)
			self, _ = s.presence.Get(req.ParticipantID)
		}
	}

	c.broadcastLocked(s, studio.PresenceUpdate(studio.PresenceNotice{
		Type:        studio.PresenceResumed,
		Participant: self,
		Sequence:    version,
		Timestamp:   time.Now().UTC(),
	}))

	if mode == ResyncSnapshot {
		snap := s.log.Snapshot()
		s.presence.BeginSync(req.ParticipantID, snap.DocumentVersion)
		sub := c.newSubscriptionLocked(s, req.ParticipantID, snap.DocumentVersion, 1)
		sub.deliver(studio.SnapshotUpdate(studio.Welcome{
			Snapshot:     snap,
			Self:         self,
			Participants: s.presence.List(),
		}))
		c.logger.Info().Str("agent_id", s.info.AgentID).Str("participant_id", req.ParticipantID.String()).
			Int64("last_seen", req.LastSeenSequence).Int64("document_version", snap.DocumentVersion).
			Msg("participant resumed with snapshot")
		return sub, mode, nil
	}

	sub := c.newSubscriptionLocked(s, req.ParticipantID, req.LastSeenSequence, len(delta))
	for _, e := range delta {
		sub.deliver(studio.ChangeUpdate(e))
	}
	c.logger.Info().Str("agent_id", s.info.AgentID).Str("participant_id", req.ParticipantID.String()).
		Int64("last_seen", req.LastSeenSequence).Int("replayed", len(delta)).
		Msg("participant resumed with delta")
	return sub, mode, nil
}

// Submit resolves an edit intent into the next change event of the session
// and broadcasts it once it is durable. The caller is expected to gate on
// the participant's sync state, as Connection does.
func (c *Coordinator) Submit(ctx context.Context, agentID string, participantID uuid.UUID, intent studio.EditIntent) (studio.ChangeEvent, error) {
	return c.submit(ctx, agentID, participantID, intent, false)
}

// SubmitSynced is Submit for transports without a Connection. It fails with
// ErrInvalidTransition until the participant has acknowledged the snapshot
// or delta it was last synchronized from.
func (c *Coordinator) SubmitSynced(ctx context.Context, agentID string, participantID uuid.UUID, intent studio.EditIntent) (studio.ChangeEvent, error) {
	return c.submit(ctx, agentID, participantID, intent, true)
}

func (c *Coordinator) submit(ctx context.Context, agentID string, participantID uuid.UUID, intent studio.EditIntent, requireSync bool) (studio.ChangeEvent, error) {
	s := c.lookup(agentID)
	if s == nil {
		return studio.ChangeEvent{}, studio.ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return studio.ChangeEvent{}, studio.ErrUnknownSession
	}
	m, ok := s.presence.get(participantID)
	if !ok {
		return studio.ChangeEvent{}, studio.ErrUnknownParticipant
	}
	if requireSync && !m.synced {
		return studio.ChangeEvent{}, fmt.Errorf("%w: participant has not acknowledged sequence %d", studio.ErrInvalidTransition, m.syncVersion)
	}

	e, err := c.resolver.Commit(ctx, s.log, participantID, intent)
	if err != nil {
		return studio.ChangeEvent{}, err
	}
	c.broadcastLocked(s, studio.ChangeUpdate(e))
	return e, nil
}

// Acknowledge records the highest sequence a participant has applied.
func (c *Coordinator) Acknowledge(agentID string, participantID uuid.UUID, seq int64) error {
	s := c.lookup(agentID)
	if s == nil {
		return studio.ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return studio.ErrUnknownSession
	}
	if v := s.log.Version(); seq > v {
		seq = v
	}
	if !s.presence.Acknowledge(participantID, seq) {
		return studio.ErrUnknownParticipant
	}
	return nil
}

// Drop handles a transport loss. The participant keeps its presence and
// color for the reconnect grace window.
func (c *Coordinator) Drop(agentID string, participantID uuid.UUID) {
	s := c.lookup(agentID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if sub, ok := s.subs[participantID]; ok {
		delete(s.subs, participantID)
		sub.detach(studio.ErrConnectionDropped)
	}
	c.markReconnectingLocked(s, participantID)
}

// release ends the attachment of sub, which is nil for a connection that
// has no stream. It acts only while sub is still the participant's current
// subscription, so a superseded transport cannot disturb the one that
// resumed after it.
func (c *Coordinator) release(agentID string, participantID uuid.UUID, sub *Subscription, leave bool) {
	s := c.lookup(agentID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	cur, ok := s.subs[participantID]
	if ok && cur != sub {
		return
	}
	if leave {
		c.leaveLocked(s, participantID)
		return
	}
	if ok {
		delete(s.subs, participantID)
		cur.detach(studio.ErrConnectionDropped)
	}
	c.markReconnectingLocked(s, participantID)
}

// Leave removes a participant right away. Unknown participants and
// sessions are ignored.
func (c *Coordinator) Leave(agentID string, participantID uuid.UUID) {
	s := c.lookup(agentID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	c.leaveLocked(s, participantID)
}

// CurrentState returns the materialized document without touching the log.
func (c *Coordinator) CurrentState(agentID string) (studio.Snapshot, error) {
	s := c.lookup(agentID)
	if s == nil {
		return studio.Snapshot{}, studio.ErrUnknownSession
	}
	return s.log.Snapshot(), nil
}

// Since returns the session's events after from.
func (c *Coordinator) Since(ctx context.Context, agentID string, from int64) ([]studio.ChangeEvent, error) {
	s := c.lookup(agentID)
	if s == nil {
		return nil, studio.ErrUnknownSession
	}
	return s.log.Since(ctx, from)
}

// Participants lists the session's participants in join order.
func (c *Coordinator) Participants(agentID string) ([]studio.ParticipantState, error) {
	s := c.lookup(agentID)
	if s == nil {
		return nil, studio.ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, studio.ErrUnknownSession
	}
	return s.presence.List(), nil
}

// Sessions lists live sessions ordered by agent.
func (c *Coordinator) Sessions() []studio.SessionInfo {
	c.mu.Lock()
	sessions := lo.Values(c.sessions)
	c.mu.Unlock()

	out := make([]studio.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed {
			floor, retained := s.log.Window()
			out = append(out, studio.SessionInfo{
				Session:         s.info,
				DocumentVersion: s.log.Version(),
				Participants:    s.presence.Len(),
				RetainedFrom:    floor,
				RetainedEvents:  retained,
			})
		}
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b studio.SessionInfo) int { return strings.Compare(a.AgentID, b.AgentID) })
	return out
}

// Shutdown closes every session and ends all subscriptions with
// ErrSessionClosed.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = map[string]*session{}
	c.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.closed = true
		if s.teardown != nil {
			s.teardown.Stop()
		}
		for id, t := range s.grace {
			t.Stop()
			delete(s.grace, id)
		}
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.detach(studio.ErrSessionClosed)
		}
		s.mu.Unlock()
	}
}

func (c *Coordinator) lookup(agentID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[strings.TrimSpace(agentID)]
}

func (c *Coordinator) getOrCreate(agentID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[agentID]; ok {
		return s
	}
	info := studio.Session{ID: uuid.New(), AgentID: agentID, CreatedAt: time.Now().UTC()}
	s := &session{
		info:     info,
		log:      NewChangeLog(info, c.store, c.cfg.LogRetain),
		presence: NewPresence(c.cfg.Palette),
		subs:     map[uuid.UUID]*Subscription{},
		grace:    map[uuid.UUID]*time.Timer{},
	}
	c.sessions[agentID] = s
	c.logger.Info().Str("agent_id", agentID).Str("session_id", info.ID.String()).Msg("session created")
	return s
}

func (c *Coordinator) newSubscriptionLocked(s *session, participantID uuid.UUID, startVersion int64, preload int) *Subscription {
	agentID := s.info.AgentID
	sub := newSubscription(agentID, participantID, startVersion, c.cfg.SubscriberBuffer+preload, nil)
	sub.leave = func() { c.release(agentID, participantID, sub, true) }
	s.subs[participantID] = sub
	return sub
}

// broadcastLocked delivers u to every subscription in order. Subscribers
// whose buffer is full are detached and their participant moves to
// reconnecting, which does not affect anyone else.
func (c *Coordinator) broadcastLocked(s *session, u studio.Update) {
	u.SessionID = s.info.ID
	var lagging []uuid.UUID
	for id, sub := range s.subs {
		if !sub.deliver(u) {
			lagging = append(lagging, id)
		}
	}
	if c.fanout != nil {
		c.fanout.Offer(s.info.AgentID, u)
	}
	for _, id := range lagging {
		sub, ok := s.subs[id]
		if !ok {
			continue
		}
		delete(s.subs, id)
		sub.detach(studio.ErrSubscriberLagging)
		c.logger.Warn().Str("agent_id", s.info.AgentID).Str("participant_id", id.String()).Msg("subscriber lagging, detached")
		c.markReconnectingLocked(s, id)
	}
}

func (c *Coordinator) markReconnectingLocked(s *session, participantID uuid.UUID) {
	m, ok := s.presence.get(participantID)
	if !ok || m.state.Status == studio.ParticipantStatusReconnecting {
		return
	}
	now := time.Now()
	deadline := now.Add(c.cfg.ReconnectGrace)
	state, _ := s.presence.MarkReconnecting(participantID, now.UTC(), deadline)

	c.stopGraceLocked(s, participantID)
	s.grace[participantID] = time.AfterFunc(c.cfg.ReconnectGrace, func() {
		c.expire(s, participantID)
	})

	c.broadcastLocked(s, studio.PresenceUpdate(studio.PresenceNotice{
		Type:        studio.PresenceReconnecting,
		Participant: state,
		Sequence:    s.log.Version(),
		Timestamp:   now.UTC(),
	}))
}

func (c *Coordinator) expire(s *session, participantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	m, ok := s.presence.get(participantID)
	if !ok || m.state.Status != studio.ParticipantStatusReconnecting || m.deadline.After(time.Now()) {
		return
	}
	c.logger.Info().Str("agent_id", s.info.AgentID).Str("participant_id", participantID.String()).Msg("reconnect grace expired")
	c.leaveLocked(s, participantID)
}

func (c *Coordinator) leaveLocked(s *session, participantID uuid.UUID) {
	state, ok := s.presence.Leave(participantID)
	if !ok {
		return
	}
	c.stopGraceLocked(s, participantID)
	if sub, ok := s.subs[participantID]; ok {
		delete(s.subs, participantID)
		sub.detach(nil)
	}
	c.broadcastLocked(s, studio.PresenceUpdate(studio.PresenceNotice{
		Type:        studio.PresenceLeave,
		Participant: state,
		Sequence:    s.log.Version(),
		Timestamp:   time.Now().UTC(),
	}))
	c.logger.Info().Str("agent_id", s.info.AgentID).Str("participant_id", participantID.String()).Msg("participant left")
	if s.presence.Len() == 0 {
		c.scheduleTeardownLocked(s)
	}
}

func (c *Coordinator) stopGraceLocked(s *session, participantID uuid.UUID) {
	if t, ok := s.grace[participantID]; ok {
		t.Stop()
		delete(s.grace, participantID)
	}
}

func (c *Coordinator) cancelTeardownLocked(s *session) {
	s.teardownGen++
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
}

func (c *Coordinator) scheduleTeardownLocked(s *session) {
	if s.presence.Len() > 0 {
		return
	}
	c.cancelTeardownLocked(s)
	gen := s.teardownGen
	s.teardown = time.AfterFunc(c.cfg.SessionGrace, func() {
		c.destroy(s, gen)
	})
}

func (c *Coordinator) destroy(s *session, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.teardownGen != gen || s.presence.Len() > 0 {
		return
	}
	s.closed = true
	if c.sessions[s.info.AgentID] == s {
		delete(c.sessions, s.info.AgentID)
	}
	c.logger.Info().Str("agent_id", s.info.AgentID).Str("session_id", s.info.ID.String()).
		Int64("document_version", s.log.Version()).Msg("session destroyed")
}

func (c *Coordinator) newResumeToken() (string, []byte, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate resume token: %w", err)
	}
	token := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), c.cfg.ResumeTokenCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash resume token: %w", err)
	}
	return token, hash, nil
}
