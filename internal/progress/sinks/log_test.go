package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	err := sink.Consume(context.Background(), []crawler.Notification{
		{JobID: "j", Status: crawler.JobStatusRunning, Phase: crawler.PhaseCrawling, TS: time.Now(), Message: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "j", fields["job_id"])
	require.Equal(t, "crawling", fields["phase"])
	require.Equal(t, "hi", fields["message"])
}
