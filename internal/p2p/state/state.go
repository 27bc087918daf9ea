package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/p2p/protocol"
)

var (
	ErrSequenceConflict = errors.New("change event sequence already applied")
	ErrSequenceGap      = errors.New("change event sequence is not contiguous")
	ErrSessionMismatch  = errors.New("entry session does not match payload")
)

const defaultListLimit = 1000

// SessionLog summarizes the replicated change log of one session.
type SessionLog struct {
	SessionID    string    `json:"sessionId"`
	AgentID      string    `json:"agentId"`
	LastSequence int64     `json:"lastSequence"`
	Events       int       `json:"events"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type snapshot struct {
	Sessions         map[string]SessionLog           `json:"sessions"`
	EventsBySession  map[string][]studio.ChangeEvent `json:"eventsBySession"`
	SnapshotsByAgent map[string]studio.Snapshot      `json:"snapshotsByAgent"`
	AppliedEntries   map[string]bool                 `json:"appliedEntries"`
}

// Machine is the deterministic change log state machine. Every session's
// log is gap-free: an event applies only if its sequence follows the last.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

func NewMachine() *Machine {
	m := &Machine{}
	m.s = emptySnapshot()
	return m
}

func emptySnapshot() snapshot {
	return snapshot{
		Sessions:         map[string]SessionLog{},
		EventsBySession:  map[string][]studio.ChangeEvent{},
		SnapshotsByAgent: map[string]studio.Snapshot{},
		AppliedEntries:   map[string]bool{},
	}
}

// Marshal serializes current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores machine state from snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalizeSnapshot(&s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func normalizeSnapshot(s *snapshot) {
	if s.Sessions == nil {
		s.Sessions = map[string]SessionLog{}
	}
	if s.EventsBySession == nil {
		s.EventsBySession = map[string][]studio.ChangeEvent{}
	}
	if s.SnapshotsByAgent == nil {
		s.SnapshotsByAgent = map[string]studio.Snapshot{}
	}
	if s.AppliedEntries == nil {
		s.AppliedEntries = map[string]bool{}
	}
}

// ApplyEntry validates and applies one sealed entry. Re-applying an entry
// ID is a no-op.
func (m *Machine) ApplyEntry(entry protocol.Entry) error {
	if err := entry.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.AppliedEntries[entry.EntryID] {
		return nil
	}

	var err error
	switch entry.Op {
	case protocol.OpChangeAppend:
		err = m.applyChangeAppendLocked(entry)
	case protocol.OpSnapshotSave:
		err = m.applySnapshotSaveLocked(entry)
	default:
		err = fmt.Errorf("unsupported op: %s", entry.Op)
	}
	if err != nil {
		return err
	}
	m.s.AppliedEntries[entry.EntryID] = true
	return nil
}

func (m *Machine) applyChangeAppendLocked(entry protocol.Entry) error {
	payload, err := protocol.DecodePayload[protocol.ChangeAppendPayload](entry.Payload)
	if err != nil {
		return fmt.Errorf("decode change: %w", err)
	}
	event := payload.Event
	sessionID := strings.TrimSpace(entry.SessionID)
	if event.SessionID.String() != sessionID {
		return fmt.Errorf("%w: %s != %s", ErrSessionMismatch, event.SessionID, sessionID)
	}

	log := m.s.Sessions[sessionID]
	switch {
	case event.Sequence <= log.LastSequence:
		return fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, sessionID, event.Sequence)
	case event.Sequence != log.LastSequence+1:
		return fmt.Errorf("%w: session %s expected %d, got %d", ErrSequenceGap, sessionID, log.LastSequence+1, event.Sequence)
	}

	m.s.EventsBySession[sessionID] = append(m.s.EventsBySession[sessionID], cloneEvent(event))
	log.SessionID = sessionID
	log.AgentID = event.AgentID
	log.LastSequence = event.Sequence
	log.Events++
	log.UpdatedAt = entry.Timestamp.UTC()
	m.s.Sessions[sessionID] = log
	return nil
}

// applySnapshotSaveLocked keeps the newest snapshot per agent. A snapshot of
// a different session replaces the stored one regardless of version.
func (m *Machine) applySnapshotSaveLocked(entry protocol.Entry) error {
	payload, err := protocol.DecodePayload[protocol.SnapshotSavePayload](entry.Payload)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	snap := payload.Snapshot
	if strings.TrimSpace(snap.AgentID) == "" {
		return errors.New("snapshot agent_id is required")
	}
	cur, ok := m.s.SnapshotsByAgent[snap.AgentID]
	if ok && cur.SessionID == snap.SessionID && cur.DocumentVersion >= snap.DocumentVersion {
		return nil
	}
	m.s.SnapshotsByAgent[snap.AgentID] = cloneSnapshot(snap)
	return nil
}

func cloneEvent(in studio.ChangeEvent) studio.ChangeEvent {
	if in.Payload != nil {
		in.Payload = append(json.RawMessage(nil), in.Payload...)
	}
	if in.BaseVersion != nil {
		v := *in.BaseVersion
		in.BaseVersion = &v
	}
	return in
}

func cloneSnapshot(in studio.Snapshot) studio.Snapshot {
	state := make(map[string]json.RawMessage, len(in.State))
	for k, v := range in.State {
		state[k] = append(json.RawMessage(nil), v...)
	}
	in.State = state
	return in
}

// ListEvents returns up to limit events of a session with a sequence
// greater than afterSequence, in sequence order.
func (m *Machine) ListEvents(sessionID string, afterSequence int64, limit int) []studio.ChangeEvent {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.s.EventsBySession[strings.TrimSpace(sessionID)]
	start := sort.Search(len(events), func(i int) bool { return events[i].Sequence > afterSequence })
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	out := make([]studio.ChangeEvent, 0, end-start)
	for _, event := range events[start:end] {
		out = append(out, cloneEvent(event))
	}
	return out
}

func (m *Machine) GetSession(sessionID string) (SessionLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.s.Sessions[strings.TrimSpace(sessionID)]
	return log, ok
}

// ListSessions returns every replicated session log, most recent first.
func (m *Machine) ListSessions() []SessionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionLog, 0, len(m.s.Sessions))
	for _, log := range m.s.Sessions {
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (m *Machine) LatestSnapshot(agentID string) (studio.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.s.SnapshotsByAgent[strings.TrimSpace(agentID)]
	if !ok {
		return studio.Snapshot{}, false
	}
	return cloneSnapshot(snap), true
}

type Stats struct {
	Sessions       int `json:"sessions"`
	Events         int `json:"events"`
	Snapshots      int `json:"snapshots"`
	AppliedEntries int `json:"appliedEntries"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Sessions:       len(m.s.Sessions),
		Snapshots:      len(m.s.SnapshotsByAgent),
		AppliedEntries: len(m.s.AppliedEntries),
	}
	for _, events := range m.s.EventsBySession {
		stats.Events += len(events)
	}
	return stats
}
