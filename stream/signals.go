package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Signal is one lifecycle notification. The concrete variants form a closed
// set; switch on the type to handle them.
type Signal interface {
	signal()
	// Request returns the id of the request the signal belongs to.
	Request() string
}

// LoadStart fires when a request begins loading.
type LoadStart struct{ RequestID string }

// CacheHit fires when a requested id is served from the cache with no
// network access.
type CacheHit struct{ RequestID string }

// CacheMiss fires when a requested id is absent from the cache.
type CacheMiss struct{ RequestID string }

// BufferProgress reports buffered duration relative to the playback
// threshold, clamped to [0, 1].
type BufferProgress struct {
	RequestID string
	Progress  float64
}

// CanPlay fires once enough media is buffered to start playback.
type CanPlay struct{ RequestID string }

// PlayStart fires when playback begins.
type PlayStart struct{ RequestID string }

// PlayEnd fires when playback finishes.
type PlayEnd struct{ RequestID string }

// StateChange reports a lifecycle state transition.
type StateChange struct {
	RequestID string
	From      State
	To        State
}

// Failure reports a request-fatal error.
type Failure struct {
	RequestID string
	Err       *Error
}

func (s LoadStart) signal()      {}
func (s CacheHit) signal()       {}
func (s CacheMiss) signal()      {}
func (s BufferProgress) signal() {}
func (s CanPlay) signal()        {}
func (s PlayStart) signal()      {}
func (s PlayEnd) signal()        {}
func (s StateChange) signal()    {}
func (s Failure) signal()        {}

func (s LoadStart) Request() string      { return s.RequestID }
func (s CacheHit) Request() string       { return s.RequestID }
func (s CacheMiss) Request() string      { return s.RequestID }
func (s BufferProgress) Request() string { return s.RequestID }
func (s CanPlay) Request() string        { return s.RequestID }
func (s PlayStart) Request() string      { return s.RequestID }
func (s PlayEnd) Request() string        { return s.RequestID }
func (s StateChange) Request() string    { return s.RequestID }
func (s Failure) Request() string        { return s.RequestID }

// Listener consumes lifecycle signals. Panics inside a listener are caught
// and logged so one misbehaving observer cannot break the orchestrator.
type Listener func(Signal)

// Dispatcher fans lifecycle signals out to subscribed listeners. Safe for
// concurrent use.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		listeners: make(map[string]Listener),
	}
}

// Subscribe registers a listener and returns its subscription id.
func (d *Dispatcher) Subscribe(fn Listener) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.listeners[id] = fn
	d.mu.Unlock()
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	delete(d.listeners, id)
	d.mu.Unlock()
}

// Emit delivers the signal to every listener synchronously, in unspecified
// order.
func (d *Dispatcher) Emit(sig Signal) {
	d.mu.RLock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.RUnlock()

	for _, fn := range listeners {
		d.notify(fn, sig)
	}
}

func (d *Dispatcher) notify(fn Listener, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("signal listener panicked",
				slog.String("request_id", sig.Request()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(sig)
}
