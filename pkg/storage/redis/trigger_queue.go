package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"emberci/pkg/models"
)

const (
	StreamKeyTriggers = "emberci:triggers:pending"
)

// TriggerQueue carries build requests from external clients (the
// triggerctl binary, or anything else that can XADD) into the
// scheduler, backed by a Redis stream with a consumer group.
type TriggerQueue struct {
	client *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func NewTriggerQueue(addr string) (*TriggerQueue, error) {
	return NewTriggerQueueWithConfig(DefaultConfig(addr))
}

func NewTriggerQueueWithConfig(cfg Config) (*TriggerQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &TriggerQueue{client: client}, nil
}

func (q *TriggerQueue) Close() error {
	return q.client.Close()
}

// Push adds a trigger to the pending stream.
func (q *TriggerQueue) Push(ctx context.Context, trig *models.Trigger) error {
	payload, err := json.Marshal(trig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyTriggers,
		Values: map[string]interface{}{
			"payload": payload,
			"job":     trig.Job,
			"id":      trig.ID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push trigger: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (q *TriggerQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamKeyTriggers, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop retrieves one trigger for the consumer group, blocking up to two
// seconds. A nil trigger with nil error means nothing arrived.
func (q *TriggerQueue) Pop(ctx context.Context, group, consumer string) (string, *models.Trigger, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyTriggers, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format")
	}

	var trig models.Trigger
	if err := json.Unmarshal([]byte(payloadStr), &trig); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	return msg.ID, &trig, nil
}

// Ack acknowledges a trigger as handled.
func (q *TriggerQueue) Ack(ctx context.Context, group, msgID string) error {
	return q.client.XAck(ctx, StreamKeyTriggers, group, msgID).Err()
}
