package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	payload, _ := message.([]byte)
	f.msgs = append(f.msgs, published{channel: channel, payload: payload})
	return redis.NewIntResult(1, nil)
}

func TestRedisSinkPublishesPerJobChannel(t *testing.T) {
	t.Parallel()

	client := &fakeRedis{}
	sink := newRedisSink(client, "")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := sink.Consume(context.Background(), []crawler.Notification{
		{JobID: "job-1", Status: crawler.JobStatusRunning, TS: ts, ProcessedPages: 3, PercentComplete: 30},
		{JobID: "job-2", Status: crawler.JobStatusCompleted, TS: ts},
	})
	require.NoError(t, err)
	require.Len(t, client.msgs, 2)
	require.Equal(t, "codedox:jobs:job-1", client.msgs[0].channel)
	require.Equal(t, "codedox:jobs:job-2", client.msgs[1].channel)

	var decoded crawler.Notification
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &decoded))
	require.Equal(t, "job-1", decoded.JobID)
	require.Equal(t, 30, decoded.PercentComplete)
	require.NoError(t, sink.Close(context.Background()))
}

func TestRedisSinkJoinsPublishErrors(t *testing.T) {
	t.Parallel()

	sink := newRedisSink(&fakeRedis{err: errors.New("connection refused")}, "custom:")
	require.Equal(t, "custom:abc", sink.Channel("abc"))

	err := sink.Consume(context.Background(), []crawler.Notification{
		{JobID: "abc", Status: crawler.JobStatusRunning, TS: time.Now()},
	})
	require.ErrorContains(t, err, "connection refused")
}

func TestNewRedisSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedisSink(nil, "")
	require.Error(t, err)
}
