// Package notify pushes real-time job notifications to per-job channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message kinds carried on a channel.
const (
	KindProgress  = "progress"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

// Progress reports a pipeline stage boundary.
type Progress struct {
	JobModelID      string `json:"jobModelId"`
	StageName       string `json:"stageName"`
	PercentComplete int    `json:"percentComplete"`
}

// Completed is pushed once a job reaches the Completed state.
type Completed struct {
	JobModelID             string  `json:"jobModelId"`
	ModelID                string  `json:"modelId"`
	FileID                 string  `json:"fileId"`
	CompletedWithinSeconds float64 `json:"completedWithinSeconds"`
}

// Failed is pushed once a job reaches the Failed state.
type Failed struct {
	JobModelID             string  `json:"jobModelId"`
	ModelID                string  `json:"modelId"`
	ErrorMessage           string  `json:"errorMessage"`
	CompletedWithinSeconds float64 `json:"completedWithinSeconds"`
}

// Message is the wire envelope published on a channel.
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Notifier pushes notifications to a channel.
type Notifier interface {
	Progress(ctx context.Context, channelID string, p Progress) error
	Completed(ctx context.Context, channelID string, c Completed) error
	Failed(ctx context.Context, channelID string, f Failed) error
}

// RedisNotifier publishes notifications over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "notifications:"}
}

func (n *RedisNotifier) channel(id string) string { return n.prefix + id }

func (n *RedisNotifier) publish(ctx context.Context, channelID, kind string, payload any) error {
	if channelID == "" {
		return fmt.Errorf("notification channel is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", kind, err)
	}
	msg, err := json.Marshal(Message{Kind: kind, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal notification envelope: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(channelID), msg).Err(); err != nil {
		return fmt.Errorf("publish %s notification: %w", kind, err)
	}
	return nil
}

func (n *RedisNotifier) Progress(ctx context.Context, channelID string, p Progress) error {
	return n.publish(ctx, channelID, KindProgress, p)
}

func (n *RedisNotifier) Completed(ctx context.Context, channelID string, c Completed) error {
	return n.publish(ctx, channelID, KindCompleted, c)
}

func (n *RedisNotifier) Failed(ctx context.Context, channelID string, f Failed) error {
	return n.publish(ctx, channelID, KindFailed, f)
}

// Subscribe streams raw messages published to a channel until ctx is done or
// the returned close function is called.
func (n *RedisNotifier) Subscribe(ctx context.Context, channelID string) (<-chan []byte, func() error, error) {
	sub := n.client.Subscribe(ctx, n.channel(channelID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}
