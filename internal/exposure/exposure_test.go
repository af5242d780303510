package exposure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/variantz/experiment"
	"github.com/matt-riley/variantz/internal/storage"
)

type recordingSink struct {
	mu        sync.Mutex
	exposures []experiment.Exposure
}

func (s *recordingSink) Track(exposure experiment.Exposure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposures = append(s.exposures, exposure)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exposures)
}

type recordingAppender struct {
	mu      sync.Mutex
	records []storage.ExposureRecord
	err     error
}

func (a *recordingAppender) AppendExposure(_ context.Context, record storage.ExposureRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return a.err
}

func (a *recordingAppender) all() []storage.ExposureRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.ExposureRecord(nil), a.records...)
}

func TestDedup(t *testing.T) {
	next := &recordingSink{}
	dedup := NewDedup(next)

	dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "on", Subject: "u-1"})
	dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "on", Subject: "u-1"})
	assert.Equal(t, 1, next.count())

	dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "off", Subject: "u-1"})
	dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "on", Subject: "u-2"})
	dedup.Track(experiment.Exposure{FlagKey: "g", Variant: "on", Subject: "u-1"})
	assert.Equal(t, 4, next.count())

	dedup.Reset()
	dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "on", Subject: "u-1"})
	assert.Equal(t, 5, next.count())
}

func TestDedupZeroValue(t *testing.T) {
	var dedup Dedup
	dedup.Track(experiment.Exposure{FlagKey: "f"})
	dedup.Reset()
}

func TestDedupRunResetsEachWindow(t *testing.T) {
	next := &recordingSink{}
	dedup := NewDedup(next)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dedup.Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		dedup.Track(experiment.Exposure{FlagKey: "f", Variant: "on"})
		return next.count() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	sink.Track(experiment.Exposure{FlagKey: "f", Variant: "on", ExperimentKey: "exp-1", Subject: "u-1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "exposure", line["msg"])
	assert.Equal(t, "f", line["flag_key"])
	assert.Equal(t, "on", line["variant"])
	assert.Equal(t, "exp-1", line["experiment_key"])
	assert.Equal(t, "u-1", line["subject"])
}

func TestFanout(t *testing.T) {
	first, second := &recordingSink{}, &recordingSink{}
	Fanout{first, nil, second}.Track(experiment.Exposure{FlagKey: "f"})

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestStoreSink(t *testing.T) {
	appender := &recordingAppender{}
	sink := NewStoreSink(appender, StoreSinkConfig{Namespace: "ns"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx)
	}()

	sink.Track(experiment.Exposure{FlagKey: "f", Variant: "on", Subject: "u-1", Metadata: map[string]any{"segmentName": "All"}})
	require.Eventually(t, func() bool { return len(appender.all()) == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done

	record := appender.all()[0]
	assert.Equal(t, "ns", record.Namespace)
	assert.Equal(t, "f", record.FlagKey)
	assert.Equal(t, "on", record.Variant)
	assert.Equal(t, "u-1", record.Subject)
	assert.Equal(t, "All", record.Metadata["segmentName"])
	assert.False(t, record.CreatedAt.IsZero())
	_, err := uuid.Parse(record.InsertID)
	assert.NoError(t, err)
}

func TestStoreSinkDrainsOnShutdown(t *testing.T) {
	appender := &recordingAppender{err: errors.New("disk full")}
	sink := NewStoreSink(appender, StoreSinkConfig{Buffer: 2})

	sink.Track(experiment.Exposure{FlagKey: "a"})
	sink.Track(experiment.Exposure{FlagKey: "b"})
	sink.Track(experiment.Exposure{FlagKey: "dropped"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	records := appender.all()
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].InsertID, records[1].InsertID)
}

func TestStoreSinkWritesToSQLite(t *testing.T) {
	store, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := NewStoreSink(store, StoreSinkConfig{Namespace: "ns"})
	sink.Track(experiment.Exposure{FlagKey: "f", Variant: "on"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	records, err := store.ListExposures(context.Background(), "ns", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "on", records[0].Variant)
}
