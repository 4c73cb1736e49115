package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayChannelPrefix = "inkwell:room:"
	relayPingTimeout   = 5 * time.Second
)

// RelayMessage carries an encoded room frame between instances.
type RelayMessage struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"docId"`
	Frame      json.RawMessage `json:"frame"`
}

// Relay fans room frames out to other gateway instances.
type Relay interface {
	Publish(ctx context.Context, message RelayMessage) error
	// Subscribe returns once the subscription is live. The channel closes when ctx ends.
	Subscribe(ctx context.Context) (<-chan RelayMessage, error)
}

// RedisRelay implements Relay over Redis pub/sub, one channel per document.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRelay connects to the Redis instance at redisURL.
func NewRedisRelay(redisURL string, logger *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), relayPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRelayWithClient(client, logger), nil
}

// NewRedisRelayWithClient wraps an existing client.
func NewRedisRelayWithClient(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, message RelayMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, relayChannelPrefix+message.DocumentID, payload).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan RelayMessage, error) {
	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	out := make(chan RelayMessage, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case received, ok := <-messages:
				if !ok {
					return
				}
				var message RelayMessage
				if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
					r.logger.Warn("discarding malformed relay message", zap.String("channel", received.Channel), zap.Error(err))
					continue
				}
				if message.DocumentID == "" {
					message.DocumentID = strings.TrimPrefix(received.Channel, relayChannelPrefix)
				}
				select {
				case out <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
