package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// DefaultRedisChannelPrefix prefixes the per-job channel name.
const DefaultRedisChannelPrefix = "codedox:jobs:"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes each notification as JSON on "<prefix><job_id>" so
// subscribers can follow a single job.
type RedisSink struct {
	client redisPublisher
	closer func() error
	prefix string
}

// NewRedisSink wraps a go-redis client. The sink closes the client on Close.
func NewRedisSink(client *redis.Client, channelPrefix string) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := newRedisSink(client, channelPrefix)
	s.closer = client.Close
	return s, nil
}

func newRedisSink(client redisPublisher, channelPrefix string) *RedisSink {
	if channelPrefix == "" {
		channelPrefix = DefaultRedisChannelPrefix
	}
	return &RedisSink{client: client, prefix: channelPrefix}
}

// Channel returns the channel notifications for jobID are published on.
func (s *RedisSink) Channel(jobID string) string {
	return s.prefix + jobID
}

// Consume publishes every notification and joins the errors.
func (s *RedisSink) Consume(ctx context.Context, batch []crawler.Notification) error {
	var errs []error
	for _, n := range batch {
		payload, err := json.Marshal(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal notification: %w", err))
			continue
		}
		if err := s.client.Publish(ctx, s.Channel(n.JobID), payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish %s: %w", n.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the underlying client when the sink owns it.
func (s *RedisSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	if err := s.closer(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
