package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func TestPubSubSinkSetsAttributes(t *testing.T) {
	t.Parallel()

	var got []*pubsub.Message
	stopped := false
	sink := &PubSubSink{
		publish: func(_ context.Context, msgs []*pubsub.Message) error {
			got = append(got, msgs...)
			return nil
		},
		stop: func() { stopped = true },
	}

	err := sink.Consume(context.Background(), []crawler.Notification{
		{JobID: "job-9", Status: crawler.JobStatusFailed, TS: time.Now(), Error: "boom"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "job-9", got[0].Attributes["job_id"])
	require.Equal(t, "failed", got[0].Attributes["status"])

	var decoded crawler.Notification
	require.NoError(t, json.Unmarshal(got[0].Data, &decoded))
	require.Equal(t, "boom", decoded.Error)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, stopped)
}

func TestPubSubSinkSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	called := false
	sink := &PubSubSink{publish: func(context.Context, []*pubsub.Message) error {
		called = true
		return nil
	}}
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.False(t, called)
}

func TestNewPubSubSinkRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(nil)
	require.Error(t, err)
}
