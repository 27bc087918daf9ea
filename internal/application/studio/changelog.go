package studio

import (
	"context"
	"fmt"
	"sync"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// ChangeLog is the append-only ordered event sequence of one session.
// Append is the single serialization point for sequence assignment.
//
// Only the most recent retain events are kept in memory; older events are
// folded into base so that base + events always replays to doc.
type ChangeLog struct {
	mu      sync.RWMutex
	session studio.Session
	store   studio.EventStore
	retain  int

	base    *studio.Document
	floor   int64
	events  []studio.ChangeEvent
	doc     *studio.Document
	version int64
}

// NewChangeLog creates an empty log. store may be nil for a memory-only log.
func NewChangeLog(session studio.Session, store studio.EventStore, retain int) *ChangeLog {
	return &ChangeLog{
		session: session,
		store:   store,
		retain:  retain,
		base:    studio.NewDocument(),
		doc:     studio.NewDocument(),
	}
}

// Append assigns the next sequence to draft, persists it and applies it to
// the document. Nothing is applied when the store rejects the event.
func (l *ChangeLog) Append(ctx context.Context, draft studio.ChangeEvent) (studio.ChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := draft
	e.SessionID = l.session.ID
	e.AgentID = l.session.AgentID
	e.Sequence = l.version + 1
	if l.store != nil {
		if err := l.store.AppendEvent(ctx, &e); err != nil {
			return studio.ChangeEvent{}, fmt.Errorf("append change event %d: %w", e.Sequence, err)
		}
	}

	l.events = append(l.events, e)
	l.doc.Apply(e)
	l.version = e.Sequence

	if l.retain > 0 {
		for len(l.events) > l.retain {
			oldest := l.events[0]
			l.base.Apply(oldest)
			l.floor = oldest.Sequence
			l.events[0] = studio.ChangeEvent{}
			l.events = l.events[1:]
		}
	}
	return e, nil
}

// Since returns the events with sequence > from in increasing order. When
// the in-memory window does not reach back far enough the durable store is
// consulted; without one the gap is reported as ErrStaleResyncGap.
func (l *ChangeLog) Since(ctx context.Context, from int64) ([]studio.ChangeEvent, error) {
	if from < 0 {
		from = 0
	}
	l.mu.RLock()
	if from >= l.version {
		l.mu.RUnlock()
		return []studio.ChangeEvent{}, nil
	}
	if from >= l.floor {
		out := make([]studio.ChangeEvent, len(l.events[from-l.floor:]))
		copy(out, l.events[from-l.floor:])
		l.mu.RUnlock()
		return out, nil
	}
	floor := l.floor
	tail := make([]studio.ChangeEvent, len(l.events))
	copy(tail, l.events)
	l.mu.RUnlock()

	if l.store == nil {
		return nil, fmt.Errorf("%w: from=%d retained>%d", studio.ErrStaleResyncGap, from, floor)
	}
	older, err := l.store.ListEvents(ctx, l.session.ID, from, int(floor-from))
	if err != nil {
		return nil, fmt.Errorf("load events after %d: %w", from, err)
	}
	if int64(len(older)) != floor-from {
		return nil, fmt.Errorf("%w: store returned %d of %d events", studio.ErrStaleResyncGap, len(older), floor-from)
	}
	out := make([]studio.ChangeEvent, 0, len(older)+len(tail))
	for i, e := range older {
		if e.Sequence != from+int64(i)+1 {
			return nil, fmt.Errorf("%w: store gap at sequence %d", studio.ErrStaleResyncGap, from+int64(i)+1)
		}
		out = append(out, *e)
	}
	return append(out, tail...), nil
}

// Snapshot returns the document at the current version. It observes a
// consistent prefix of the log.
func (l *ChangeLog) Snapshot() studio.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return studio.Snapshot{
		SessionID:       l.session.ID,
		AgentID:         l.session.AgentID,
		DocumentVersion: l.version,
		State:           l.doc.Entries(),
		Digest:          l.doc.Digest(),
	}
}

// Window returns the sequence folded into the base document and the number
// of events retained after it.
func (l *ChangeLog) Window() (int64, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floor, len(l.events)
}

func (l *ChangeLog) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}
