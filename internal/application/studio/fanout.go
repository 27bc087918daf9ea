package studio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

type envelope struct {
	agentID string
	update  studio.Update
}

// Fanout forwards committed updates to out-of-process sinks.
//
// Delivery is best effort: Offer never blocks the session that calls it,
// and updates are dropped when the queue is full. Participants' own
// streams do not go through Fanout.
type Fanout struct {
	logger  zerolog.Logger
	queue   chan envelope
	timeout time.Duration

	mu    sync.RWMutex
	sinks []studio.Sink
}

func NewFanout(logger zerolog.Logger, size int, timeout time.Duration, sinks ...studio.Sink) *Fanout {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{
		logger:  logger.With().Str("component", "fanout").Logger(),
		queue:   make(chan envelope, size),
		timeout: timeout,
		sinks:   sinks,
	}
}

// Add registers more sinks.
func (f *Fanout) Add(sinks ...studio.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
}

// Offer enqueues an update without blocking.
func (f *Fanout) Offer(agentID string, u studio.Update) {
	select {
	case f.queue <- envelope{agentID: agentID, update: u}:
	default:
		f.logger.Debug().Str("agent_id", agentID).Int64("sequence", u.Sequence).Msg("fanout queue full, update dropped")
	}
}

// Run drains the queue until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-f.queue:
			f.dispatch(ctx, env)
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, env envelope) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, sink := range sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := sink.Publish(sctx, env.agentID, env.update); err != nil {
			f.logger.Warn().Err(err).Str("agent_id", env.agentID).Str("type", string(env.update.Type)).Msg("sink publish failed")
		}
		cancel()
	}
}
