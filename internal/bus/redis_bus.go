// Package bus is a Redis-backed topic bus carrying CloudEvents between the API
// and the workers, with leased delivery, delayed redelivery and a dead-letter
// list per topic.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"

	"takeoff-converter/internal/events"
)

// Topics used by the service.
const (
	TopicStart  = "conversion.start"
	TopicResult = "conversion.result"
)

// Options configures a RedisBus.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
}

// RedisBus coordinates ready, in-flight and scheduled messages in Redis.
type RedisBus struct {
	client       *redis.Client
	prefix       string
	inflightKey  string
	scheduledKey string
	visibility   time.Duration
}

// Delivery is a leased message. DecodeErr is set when the body is not a valid
// CloudEvent; such deliveries should be dead-lettered.
type Delivery struct {
	ID        string
	Topic     string
	Attempts  int
	Body      []byte
	Event     cloudevents.Event
	DecodeErr error
}

// DeadLetter is an entry of a topic's dead-letter list.
type DeadLetter struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Event    json.RawMessage `json:"event"`
	DeadAt   time.Time       `json:"deadAt"`
}

func New(client *redis.Client, opts Options) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "bus"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisBus{
		client:       client,
		prefix:       prefix,
		inflightKey:  prefix + ":inflight",
		scheduledKey: prefix + ":scheduled",
		visibility:   visibility,
	}
}

func (b *RedisBus) readyKey(topic string) string { return fmt.Sprintf("%s:ready:%s", b.prefix, topic) }
func (b *RedisBus) msgKey(id string) string      { return fmt.Sprintf("%s:msg:%s", b.prefix, id) }
func (b *RedisBus) dlqKey(topic string) string   { return fmt.Sprintf("%s:dlq:%s", b.prefix, topic) }

// Publish stores the event and makes it ready on topic. It returns the message id.
func (b *RedisBus) Publish(ctx context.Context, topic string, ce cloudevents.Event) (string, error) {
	return b.PublishAt(ctx, topic, ce, time.Time{})
}

// PublishAt defers delivery until runAt when it lies in the future.
func (b *RedisBus) PublishAt(ctx context.Context, topic string, ce cloudevents.Event, runAt time.Time) (string, error) {
	body, err := events.Marshal(ce)
	if err != nil {
		return "", err
	}
	id := ce.ID()
	if id == "" {
		return "", errors.New("event id is empty")
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.msgKey(id), "topic", topic, "body", body, "attempts", 0)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, b.readyKey(topic), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Receive leases the next ready message from the first non-empty topic, in the
// order given. It returns nil when every topic is empty.
func (b *RedisBus) Receive(ctx context.Context, topics ...string) (*Delivery, error) {
	keys := make([]string, 0, len(topics)+1)
	for _, t := range topics {
		keys = append(keys, b.readyKey(t))
	}
	keys = append(keys, b.inflightKey)

	res, err := dequeueScript.Run(ctx, b.client, keys, time.Now().Add(b.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	pipe := b.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, b.msgKey(id), "attempts", 1)
	fields := pipe.HMGet(ctx, b.msgKey(id), "topic", "body")
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}

	vals := fields.Val()
	topic, _ := vals[0].(string)
	body, _ := vals[1].(string)
	if topic == "" && body == "" {
		// Acked by a previous lease holder; drop the stale id.
		b.client.Del(ctx, b.msgKey(id))
		return nil, b.client.ZRem(ctx, b.inflightKey, id).Err()
	}

	d := &Delivery{ID: id, Topic: topic, Attempts: int(attempts.Val()), Body: []byte(body)}
	d.Event, d.DecodeErr = events.Unmarshal(d.Body)
	return d, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (b *RedisBus) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return b.client.ZAdd(ctx, b.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking along with its body.
func (b *RedisBus) Ack(ctx context.Context, id string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, id)
	pipe.Del(ctx, b.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the message for redelivery at runAt.
func (b *RedisBus) Retry(ctx context.Context, d *Delivery, runAt time.Time, lastErr string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, d.ID)
	pipe.HSet(ctx, b.msgKey(d.ID), "last_error", lastErr)
	pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: d.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter moves a message to its topic's dead-letter list.
func (b *RedisBus) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	entry := DeadLetter{
		ID:       d.ID,
		Topic:    d.Topic,
		Attempts: d.Attempts,
		Error:    reason,
		DeadAt:   time.Now().UTC(),
	}
	if json.Valid(d.Body) {
		entry.Event = d.Body
	} else {
		quoted, _ := json.Marshal(string(d.Body))
		entry.Event = quoted
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, d.ID)
	pipe.Del(ctx, b.msgKey(d.ID))
	pipe.RPush(ctx, b.dlqKey(d.Topic), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages onto their ready lists. It
// returns how many were promoted.
func (b *RedisBus) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := b.due(ctx, b.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := b.moveToReady(ctx, b.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out and makes them ready again.
func (b *RedisBus) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.due(ctx, b.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := b.moveToReady(ctx, b.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *RedisBus) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

func (b *RedisBus) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		topic, err := b.client.HGet(ctx, b.msgKey(id), "topic").Result()
		pipe.ZRem(ctx, from, id)
		if err != nil || topic == "" {
			continue
		}
		pipe.RPush(ctx, b.readyKey(topic), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered messages of a topic, oldest first.
func (b *RedisBus) DLQPeek(ctx context.Context, topic string, count int64) ([]DeadLetter, error) {
	raws, err := b.client.LRange(ctx, b.dlqKey(topic), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Replay republishes up to count dead letters of a topic, oldest first, with
// their attempt counters reset. Entries whose event cannot be decoded stay on
// the dead-letter list. It returns how many were replayed.
func (b *RedisBus) Replay(ctx context.Context, topic string, count int64) (int, error) {
	key := b.dlqKey(topic)
	size, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	count = min(count, size)
	replayed := 0
	for i := int64(0); i < count; i++ {
		raw, err := b.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return replayed, err
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err == nil {
			if ce, err := events.Unmarshal(dl.Event); err == nil && ce.Validate() == nil {
				if _, err := b.Publish(ctx, topic, ce); err != nil {
					b.client.LPush(ctx, key, raw)
					return replayed, err
				}
				replayed++
				continue
			}
		}
		if err := b.client.RPush(ctx, key, raw).Err(); err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

// ReadyDepth returns the ready-list length of each topic.
func (b *RedisBus) ReadyDepth(ctx context.Context, topics ...string) (map[string]int64, error) {
	pipe := b.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(topics))
	for _, t := range topics {
		cmds[t] = pipe.LLen(ctx, b.readyKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for t, c := range cmds {
		out[t] = c.Val()
	}
	return out, nil
}

// InFlight returns the number of leased messages.
func (b *RedisBus) InFlight(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
