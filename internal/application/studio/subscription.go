package studio

import (
	"sync"

	"github.com/google/uuid"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// ResyncMode tells how a resumed subscription catches up.
type ResyncMode string

const (
	ResyncDelta    ResyncMode = "delta"
	ResyncSnapshot ResyncMode = "snapshot"
)

// Subscription is a participant's live, ordered stream of updates. The
// stream starts with either a snapshot or a delta replay and then carries
// changes and presence notices in sequence order until it is closed.
//
// Updates are delivered by the owning session while it holds its lock, so
// the channel is only ever closed from there as well.
type Subscription struct {
	AgentID       string
	ParticipantID uuid.UUID

	startVersion int64
	resumeToken  string
	updates      chan studio.Update
	done         chan struct{}
	leave        func()

	mu       sync.Mutex
	detached bool
	err      error
	once     sync.Once
}

func newSubscription(agentID string, participantID uuid.UUID, startVersion int64, buffer int, leave func()) *Subscription {
	return &Subscription{
		AgentID:       agentID,
		ParticipantID: participantID,
		startVersion:  startVersion,
		updates:       make(chan studio.Update, buffer),
		done:          make(chan struct{}),
		leave:         leave,
	}
}

// Updates yields the stream. The channel is closed when the subscription
// ends; Err then tells why.
func (s *Subscription) Updates() <-chan studio.Update { return s.updates }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// StartVersion is the document version the stream starts from.
func (s *Subscription) StartVersion() int64 { return s.startVersion }

// ResumeToken must be presented to resume this participant after a drop.
// It is empty for resumed subscriptions; the original token stays valid.
func (s *Subscription) ResumeToken() string { return s.resumeToken }

// Err returns nil while live or after an explicit Close,
// studio.ErrConnectionDropped or studio.ErrSubscriberLagging when the
// transport should resume, and studio.ErrSessionClosed on shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close leaves the session and releases the participant's color.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.leave != nil {
			s.leave()
		}
	})
}

func (s *Subscription) deliver(u studio.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}
	select {
	case s.updates <- u:
		return true
	default:
		return false
	}
}

func (s *Subscription) detach(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	s.err = err
	close(s.updates)
	close(s.done)
}
