// Package sink defines the host-supplied audio output interfaces: the
// append-only streaming decode sink and the single-slot playback sink.
// Concrete implementations bind these to a platform media stack; the engine
// itself never decodes audio.
package sink

import "context"

// SourceFactory allocates streaming decode sources and answers mime-type
// capability queries.
type SourceFactory interface {
	// CreateSource allocates a new decode source. Creation may fail
	// transiently while the underlying media stack spins up.
	CreateSource(ctx context.Context) (MediaSource, error)

	// CanPlayType reports whether the decode stack accepts the mime type.
	CanPlayType(mimeType string) bool
}

// MediaSource is an append-only streaming decode target.
type MediaSource interface {
	// AddBuffer negotiates a sub-buffer for the given mime type.
	AddBuffer(mimeType string) (Buffer, error)

	// EndOfStream marks the source complete. Called once, after the last
	// append has been consumed.
	EndOfStream() error

	// Close releases the source and any sub-buffers.
	Close() error
}

// Buffer is a sub-buffer of a media source.
type Buffer interface {
	// Append starts an asynchronous append of p. The returned channel
	// receives exactly one value when the sink finishes consuming p: nil on
	// success, or the consumption error. Callers must not start another
	// append until the previous completion has been received.
	Append(p []byte) (<-chan error, error)

	// Busy reports whether a previously started append is still being
	// consumed.
	Busy() bool
}

// EventKind identifies a playback sink event.
type EventKind int

const (
	// EventEnded fires when the attached media finishes playing.
	EventEnded EventKind = iota
	// EventError fires when the attached media fails to play.
	EventError
)

// Event is a playback sink notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Player is the single-slot media output. At most one source or blob is
// attached at a time; Reset detaches and discards the current one.
type Player interface {
	// AttachSource binds a streaming decode source for progressive playback.
	AttachSource(src MediaSource) error

	// AttachBlob binds a fully materialized payload.
	AttachBlob(data []byte, mimeType string) error

	Play() error
	Pause() error

	// BufferedEnd returns the end of the contiguous buffered range at the
	// front of playback, in seconds.
	BufferedEnd() float64

	// Duration returns the total media duration in seconds, or 0 if unknown.
	Duration() float64

	// Events emits end/error notifications for the attached media. The
	// channel is owned by the player and remains valid across Reset.
	Events() <-chan Event

	// Reset stops playback and detaches the current media.
	Reset() error
}
