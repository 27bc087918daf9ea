package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Publisher relays committed updates to Redis pub/sub, one channel per
// agent, so other processes can observe a session.
type Publisher struct {
	client goredis.UniversalClient
	prefix string
}

func NewPublisher(client goredis.UniversalClient, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

// Connect dials addr and verifies the connection with PING.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Channel returns the pub/sub channel for an agent.
func (p *Publisher) Channel(agentID string) string {
	return p.prefix + agentID
}

// Publish implements studio.Sink.
func (p *Publisher) Publish(ctx context.Context, agentID string, u studio.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(agentID), payload).Err()
}

// Subscribe streams the updates published for agentID until ctx is done.
// Malformed messages are skipped.
func (p *Publisher) Subscribe(ctx context.Context, agentID string) (<-chan studio.Update, error) {
	sub := p.client.Subscribe(ctx, p.Channel(agentID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan studio.Update)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u studio.Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
