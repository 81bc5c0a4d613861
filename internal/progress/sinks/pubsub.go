package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/codedox/internal/crawler"
)

type publishBatchFunc func(ctx context.Context, msgs []*pubsub.Message) error

// PubSubSink publishes notifications to a Pub/Sub topic with job_id and
// status attributes so subscriptions can filter per job.
type PubSubSink struct {
	publish publishBatchFunc
	stop    func()
}

// NewPubSubSink wraps a topic publisher. The sink stops the publisher on Close.
func NewPubSubSink(publisher *pubsub.Publisher) (*PubSubSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("pubsub publisher is not configured")
	}
	publish := func(ctx context.Context, msgs []*pubsub.Message) error {
		results := make([]*pubsub.PublishResult, 0, len(msgs))
		for _, msg := range msgs {
			results = append(results, publisher.Publish(ctx, msg))
		}
		var errs []error
		for _, res := range results {
			if _, err := res.Get(ctx); err != nil {
				errs = append(errs, fmt.Errorf("publish message: %w", err))
			}
		}
		return errors.Join(errs...)
	}
	return &PubSubSink{publish: publish, stop: publisher.Stop}, nil
}

// Consume publishes the batch and waits for every result.
func (s *PubSubSink) Consume(ctx context.Context, batch []crawler.Notification) error {
	msgs := make([]*pubsub.Message, 0, len(batch))
	for _, n := range batch {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		msgs = append(msgs, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"job_id": n.JobID,
				"status": string(n.Status),
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.publish(ctx, msgs)
}

// Close flushes and stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
