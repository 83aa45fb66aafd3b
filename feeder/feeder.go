// Package feeder drives the append-only decode sink. A Feeder allocates
// decode sessions with retry, and a Session serializes chunk appends so the
// sink consumes them in strict arrival order.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/resono-audio/resono/config"
	"github.com/resono-audio/resono/observability"
	"github.com/resono-audio/resono/sink"
)

// ErrAppendTimeout indicates the sink never finished consuming an append.
// The usual cause is a payload whose codec the decoder does not support: the
// sink accepts the bytes but never signals consumption.
var ErrAppendTimeout = errors.New("append not consumed before timeout (codec likely unsupported)")

// ErrSessionEnded indicates an append after EndOfStream.
var ErrSessionEnded = errors.New("decode session already ended")

// Feeder allocates decode sessions against a host-supplied source factory.
type Feeder struct {
	factory sink.SourceFactory
	cfg     config.EngineConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Feeder. logger and metrics may be nil.
func New(factory sink.SourceFactory, cfg config.EngineConfig, logger *slog.Logger, metrics *observability.Metrics) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Feeder{
		factory: factory,
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "feeder"),
		metrics: metrics,
	}
}

// CreateSession allocates a decode source and negotiates a buffer for the
// mime type. Source creation is retried with a linearly growing backoff; the
// media stack may still be spinning up on the first attempts.
func (f *Feeder) CreateSession(ctx context.Context, mimeType string) (*Session, error) {
	attempts := f.cfg.SinkRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * f.cfg.SinkRetryBackoff
			f.logger.Debug("retrying decode source creation",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		src, err := f.factory.CreateSource(ctx)
		if err != nil {
			lastErr = err
			f.logger.Warn("decode source creation failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		buf, err := src.AddBuffer(mimeType)
		if err != nil {
			_ = src.Close()
			lastErr = err
			f.logger.Warn("decode buffer negotiation failed",
				slog.Int("attempt", attempt),
				slog.String("mime_type", mimeType),
				slog.String("error", err.Error()),
			)
			continue
		}

		f.logger.Debug("decode session created",
			slog.String("mime_type", mimeType),
			slog.Int("attempt", attempt),
		)
		return &Session{
			source:  src,
			buffer:  buf,
			timeout: f.cfg.AppendTimeout,
			logger:  f.logger,
			metrics: f.metrics,
		}, nil
	}

	return nil, fmt.Errorf("creating decode session for %q: %w", mimeType, lastErr)
}

// Session is one append-only decode stream. Appends are serialized: each
// chunk is handed to the sink only after the sink finishes consuming the
// previous one.
type Session struct {
	source  sink.MediaSource
	buffer  sink.Buffer
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	appended int64
	ended    bool
}

// Source returns the underlying decode source, for attachment to a player.
func (s *Session) Source() sink.MediaSource {
	return s.source
}

// Append hands one chunk to the sink and blocks until the sink has consumed
// it, the context is done, or the append timeout elapses. Holding the session
// lock across the wait is what guarantees strict arrival order.
func (s *Session) Append(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return ErrSessionEnded
	}

	done, err := s.buffer.Append(p)
	if err != nil {
		return fmt.Errorf("starting append: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("consuming append: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAppendTimeout
	}

	s.appended += int64(len(p))
	s.metrics.AppendsTotal.Inc()
	s.metrics.BytesStreamed.Add(float64(len(p)))
	return nil
}

// EndOfStream marks the stream complete. It is idempotent; sink errors are
// logged, not returned, because by this point every byte has already been
// consumed.
func (s *Session) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true

	if err := s.source.EndOfStream(); err != nil {
		s.logger.Warn("end of stream signal failed",
			slog.String("error", err.Error()),
		)
	}
}

// BytesAppended returns the total bytes the sink has consumed.
func (s *Session) BytesAppended() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Close releases the decode source.
func (s *Session) Close() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return s.source.Close()
}
