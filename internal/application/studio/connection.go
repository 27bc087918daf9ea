package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// ConnState is the synchronization state of one transport connection.
type ConnState string

const (
	StateConnecting   ConnState = "CONNECTING"
	StateSyncing      ConnState = "SYNCING"
	StateLive         ConnState = "LIVE"
	StateReconnecting ConnState = "RECONNECTING"
	StateClosed       ConnState = "CLOSED"
)

// Connection runs the synchronization protocol for one client:
//
//	Connecting -> Syncing -> Live -> (Reconnecting <-> Live) -> Closed
//
// Transports drive it: Handshake after authentication, Acknowledge for
// every applied update, Drop on transport loss, Resume on reconnect and
// Close on explicit leave.
type Connection struct {
	coord       *Coordinator
	agentID     string
	displayName string

	mu            sync.Mutex
	state         ConnState
	participantID uuid.UUID
	resumeToken   string
	lastSeen      int64
	syncVersion   int64
	sub           *Subscription
}

// Open starts a new connection in Connecting.
func (c *Coordinator) Open(agentID, displayName string) *Connection {
	return &Connection{coord: c, agentID: agentID, displayName: displayName, state: StateConnecting}
}

// Reattach starts a connection for a participant that lost its transport.
// It begins in Reconnecting; call Resume next.
func (c *Coordinator) Reattach(agentID string, participantID uuid.UUID, resumeToken, displayName string) *Connection {
	return &Connection{
		coord:         c,
		agentID:       agentID,
		displayName:   displayName,
		state:         StateReconnecting,
		participantID: participantID,
		resumeToken:   resumeToken,
	}
}

// Handshake joins the session. The first update is the snapshot; the
// connection is Live once that snapshot is acknowledged.
func (c *Connection) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("%w: handshake in %s", studio.ErrInvalidTransition, c.state)
	}
	sub, err := c.coord.Connect(ctx, c.agentID, c.displayName)
	if err != nil {
		return err
	}
	c.attachLocked(sub)
	c.resumeToken = sub.ResumeToken()
	c.state = StateSyncing
	return nil
}

// Acknowledge records that the client applied everything up to seq.
func (c *Connection) Acknowledge(seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateSyncing:
		if seq < c.syncVersion {
			return nil
		}
		c.state = StateLive
	case StateLive:
	default:
		return fmt.Errorf("%w: acknowledge in %s", studio.ErrInvalidTransition, c.state)
	}
	if seq > c.lastSeen {
		c.lastSeen = seq
	}
	return c.coord.Acknowledge(c.agentID, c.participantID, c.lastSeen)
}

// Submit sends a local edit intent. Only Live connections may edit.
func (c *Connection) Submit(ctx context.Context, intent studio.EditIntent) (studio.ChangeEvent, error) {
	c.mu.Lock()
	state, pid := c.state, c.participantID
	c.mu.Unlock()
	if state != StateLive {
		return studio.ChangeEvent{}, fmt.Errorf("%w: submit in %s", studio.ErrInvalidTransition, state)
	}
	return c.coord.Submit(ctx, c.agentID, pid, intent)
}

// Drop moves the connection to Reconnecting after a transport failure.
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive && c.state != StateSyncing {
		return
	}
	prev := c.sub
	c.state = StateReconnecting
	c.sub = nil
	c.coord.release(c.agentID, c.participantID, prev, false)
}

// Resume recovers a Reconnecting connection. lastSeen is the client's last
// acknowledged sequence. A delta replay returns to Live; a snapshot resync
// (stale gap, expired participant or torn down session) returns to Syncing.
func (c *Connection) Resume(ctx context.Context, lastSeen int64) (ResyncMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReconnecting {
		return "", fmt.Errorf("%w: resume in %s", studio.ErrInvalidTransition, c.state)
	}

	sub, mode, err := c.coord.Resume(ctx, ResumeRequest{
		AgentID:          c.agentID,
		ParticipantID:    c.participantID,
		LastSeenSequence: lastSeen,
		ResumeToken:      c.resumeToken,
	})
	if errors.Is(err, studio.ErrUnknownSession) || errors.Is(err, studio.ErrUnknownParticipant) {
		sub, err = c.coord.Connect(ctx, c.agentID, c.displayName)
		if err != nil {
			return "", err
		}
		c.attachLocked(sub)
		c.resumeToken = sub.ResumeToken()
		c.lastSeen = 0
		c.state = StateSyncing
		return ResyncSnapshot, nil
	}
	if err != nil {
		return "", err
	}

	c.attachLocked(sub)
	if mode == ResyncSnapshot {
		c.state = StateSyncing
		return mode, nil
	}
	c.lastSeen = lastSeen
	c.state = StateLive
	return mode, nil
}

// Close leaves the session. It is safe to call in any state.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	prev, sub := c.state, c.sub
	c.state = StateClosed
	c.sub = nil
	if prev != StateConnecting {
		c.coord.release(c.agentID, c.participantID, sub, true)
	}
}

func (c *Connection) attachLocked(sub *Subscription) {
	c.sub = sub
	c.participantID = sub.ParticipantID
	c.syncVersion = sub.StartVersion()
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) ParticipantID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *Connection) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

func (c *Connection) LastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Subscription returns the current stream, nil unless Syncing or Live.
func (c *Connection) Subscription() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}
