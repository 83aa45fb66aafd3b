package stream

import "sync"

// Handle tracks one streaming request. Ready resolves when playback starts;
// Ended resolves when playback finishes. On failure both resolve and Err
// reports the cause.
type Handle struct {
	// RequestID identifies the request across signals and errors.
	RequestID string

	ready     chan struct{}
	ended     chan struct{}
	readyOnce sync.Once
	endedOnce sync.Once

	mu  sync.Mutex
	err *Error
}

func newHandle(requestID string) *Handle {
	return &Handle{
		RequestID: requestID,
		ready:     make(chan struct{}),
		ended:     make(chan struct{}),
	}
}

// Ready is closed when playback has started, or when the request failed.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Ended is closed when playback has finished, or when the request failed or
// was cancelled.
func (h *Handle) Ended() <-chan struct{} {
	return h.ended
}

// Err returns the request's failure, or nil. Meaningful once Ready or Ended
// has resolved.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return nil
	}
	return h.err
}

func (h *Handle) completeReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) completeEnded() {
	h.endedOnce.Do(func() { close(h.ended) })
}

// fail records the error and resolves both checkpoints.
func (h *Handle) fail(err *Error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.completeReady()
	h.completeEnded()
}
