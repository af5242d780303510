// Package exposure provides sinks that receive the exposures reported by an
// experiment client.
package exposure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/variantz/experiment"
	"github.com/matt-riley/variantz/internal/storage"
)

// Dedup forwards an exposure to Next only the first time a subject sees a
// given flag and variant. Reset starts a new session.
type Dedup struct {
	Next experiment.ExposureSink

	mu   sync.Mutex
	seen map[dedupKey]struct{}
}

type dedupKey struct {
	subject string
	flagKey string
	variant string
}

func NewDedup(next experiment.ExposureSink) *Dedup {
	return &Dedup{Next: next, seen: make(map[dedupKey]struct{})}
}

func (d *Dedup) Track(exposure experiment.Exposure) {
	key := dedupKey{subject: exposure.Subject, flagKey: exposure.FlagKey, variant: exposure.Variant}

	d.mu.Lock()
	if d.seen == nil {
		d.seen = make(map[dedupKey]struct{})
	}
	_, dup := d.seen[key]
	if !dup {
		d.seen[key] = struct{}{}
	}
	d.mu.Unlock()

	if !dup && d.Next != nil {
		d.Next.Track(exposure)
	}
}

// Reset forgets every exposure seen so far.
func (d *Dedup) Reset() {
	d.mu.Lock()
	clear(d.seen)
	d.mu.Unlock()
}

// Run calls Reset every window until ctx is done. A non-positive window
// never resets.
func (d *Dedup) Run(ctx context.Context, window time.Duration) {
	if window <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reset()
		}
	}
}

// LogSink writes each exposure as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Track(exposure experiment.Exposure) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("exposure",
		"flag_key", exposure.FlagKey,
		"variant", exposure.Variant,
		"experiment_key", exposure.ExperimentKey,
		"subject", exposure.Subject,
		"metadata", exposure.Metadata,
	)
}

// Fanout forwards every exposure to each sink in order.
type Fanout []experiment.ExposureSink

func (f Fanout) Track(exposure experiment.Exposure) {
	for _, sink := range f {
		if sink != nil {
			sink.Track(exposure)
		}
	}
}

// Appender is the storage side of a StoreSink.
type Appender interface {
	AppendExposure(ctx context.Context, record storage.ExposureRecord) error
}

const (
	defaultStoreBuffer  = 1024
	defaultStoreTimeout = 2 * time.Second
)

// StoreSink queues exposures and appends them to storage from Run. Track
// never blocks; exposures that arrive while the queue is full are dropped
// and logged.
type StoreSink struct {
	appender  Appender
	namespace string
	logger    *slog.Logger
	timeout   time.Duration
	queue     chan storage.ExposureRecord
}

type StoreSinkConfig struct {
	Namespace string
	Logger    *slog.Logger
	// Buffer is the queue length. Defaults to 1024.
	Buffer int
	// Timeout bounds each append. Defaults to 2s.
	Timeout time.Duration
}

func NewStoreSink(appender Appender, cfg StoreSinkConfig) *StoreSink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultStoreBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStoreTimeout
	}
	return &StoreSink{
		appender:  appender,
		namespace: cfg.Namespace,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
		queue:     make(chan storage.ExposureRecord, cfg.Buffer),
	}
}

func (s *StoreSink) Track(exposure experiment.Exposure) {
	record := storage.ExposureRecord{
		InsertID:      uuid.NewString(),
		Namespace:     s.namespace,
		FlagKey:       exposure.FlagKey,
		Variant:       exposure.Variant,
		ExperimentKey: exposure.ExperimentKey,
		Subject:       exposure.Subject,
		Metadata:      exposure.Metadata,
		CreatedAt:     time.Now().UTC(),
	}

	select {
	case s.queue <- record:
	default:
		s.logger.Warn("exposure queue full, dropping exposure", "flag_key", exposure.FlagKey)
	}
}

// Run appends queued exposures until ctx is done, then drains whatever is
// still queued before returning. Appends are bounded by the sink timeout,
// not by ctx.
func (s *StoreSink) Run(ctx context.Context) {
	appendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain(appendCtx)
			return
		case record := <-s.queue:
			s.append(appendCtx, record)
		}
	}
}

func (s *StoreSink) drain(ctx context.Context) {
	for {
		select {
		case record := <-s.queue:
			s.append(ctx, record)
		default:
			return
		}
	}
}

func (s *StoreSink) append(ctx context.Context, record storage.ExposureRecord) {
	appendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.appender.AppendExposure(appendCtx, record); err != nil {
		s.logger.Warn("append exposure failed", "flag_key", record.FlagKey, "error", err)
	}
}
