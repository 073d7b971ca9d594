package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StageJobState, State: "scraping"},
		{
			JobID:   "job-1",
			TS:      now.Add(time.Second),
			Stage:   progress.StagePageDone,
			Site:    "example.com",
			URL:     "https://example.com/",
			Outcome: "ok",
			Dur:     200 * time.Millisecond,
		},
		{
			JobID:     "job-1",
			TS:        now.Add(2 * time.Second),
			Stage:     progress.StagePageDone,
			Site:      "example.com",
			URL:       "https://example.com/about",
			Outcome:   "ok",
			FromCache: true,
		},
		{JobID: "job-1", TS: now.Add(15 * time.Second), Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stateEntered.WithLabelValues("scraping")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageEvents.WithLabelValues("ok", "network")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageEvents.WithLabelValues("ok", "cache")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "siteinsight_progress_page_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StagePageDone, Site: "example.com", URL: "https://example.com/", Outcome: "ok"},
		{JobID: "job-1", TS: now, Stage: progress.StageJobError, Note: "seed unreachable"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "seed unreachable", entries[2].ContextMap()["note"])
}
