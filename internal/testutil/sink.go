package testutil

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/resono-audio/resono/sink"
)

// FakeFactory is an in-memory sink.SourceFactory. The zero value succeeds on
// the first attempt and accepts every mime type.
type FakeFactory struct {
	mu sync.Mutex

	// FailCreates makes the first n CreateSource calls fail.
	FailCreates int
	// CreateErr is the error returned by failing CreateSource calls.
	CreateErr error
	// RejectTypes lists mime types CanPlayType refuses.
	RejectTypes []string

	createCalls int
	sources     []*FakeSource
}

var errCreateFailed = errors.New("media stack unavailable")

func (f *FakeFactory) CreateSource(ctx context.Context) (sink.MediaSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createCalls <= f.FailCreates {
		if f.CreateErr != nil {
			return nil, f.CreateErr
		}
		return nil, errCreateFailed
	}
	src := &FakeSource{}
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *FakeFactory) CanPlayType(mimeType string) bool {
	for _, t := range f.RejectTypes {
		if t == mimeType {
			return false
		}
	}
	return true
}

// CreateCalls returns how many times CreateSource was invoked.
func (f *FakeFactory) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// LastSource returns the most recently created source, or nil.
func (f *FakeFactory) LastSource() *FakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) == 0 {
		return nil
	}
	return f.sources[len(f.sources)-1]
}

// FakeSource is an in-memory sink.MediaSource backed by a FakeBuffer.
type FakeSource struct {
	mu sync.Mutex

	// AddBufferErr makes AddBuffer fail.
	AddBufferErr error
	// EndOfStreamErr makes EndOfStream fail.
	EndOfStreamErr error

	buffer     *FakeBuffer
	mimeType   string
	endedCalls int
	closed     bool
}

func (s *FakeSource) AddBuffer(mimeType string) (sink.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AddBufferErr != nil {
		return nil, s.AddBufferErr
	}
	s.mimeType = mimeType
	s.buffer = &FakeBuffer{}
	return s.buffer, nil
}

func (s *FakeSource) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedCalls++
	return s.EndOfStreamErr
}

func (s *FakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Buffer returns the negotiated buffer, or nil before AddBuffer.
func (s *FakeSource) Buffer() *FakeBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// MimeType returns the mime type passed to AddBuffer.
func (s *FakeSource) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mimeType
}

// EndOfStreamCalls returns how many times EndOfStream was invoked.
func (s *FakeSource) EndOfStreamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedCalls
}

// Closed reports whether Close was invoked.
func (s *FakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeBuffer is an in-memory sink.Buffer that records appended chunks in
// arrival order. Appends complete asynchronously after ConsumeDelay.
type FakeBuffer struct {
	mu sync.Mutex

	// ConsumeDelay delays append completion, simulating decode time.
	ConsumeDelay time.Duration
	// AppendErr fails the append synchronously.
	AppendErr error
	// ConsumeErr fails the append asynchronously via the completion channel.
	ConsumeErr error
	// Stall leaves appends permanently incomplete, for exercising timeouts.
	Stall bool

	chunks [][]byte
	busy   bool
}

func (b *FakeBuffer) Append(p []byte) (<-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.AppendErr != nil {
		return nil, b.AppendErr
	}

	done := make(chan error, 1)
	if b.Stall {
		b.busy = true
		return done, nil
	}

	data := append([]byte(nil), p...)
	b.busy = true
	delay := b.ConsumeDelay
	consumeErr := b.ConsumeErr

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		b.mu.Lock()
		if consumeErr == nil {
			b.chunks = append(b.chunks, data)
		}
		b.busy = false
		b.mu.Unlock()
		done <- consumeErr
	}()
	return done, nil
}

func (b *FakeBuffer) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Chunks returns the consumed chunks in arrival order.
func (b *FakeBuffer) Chunks() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Bytes returns the concatenation of all consumed chunks.
func (b *FakeBuffer) Bytes() []byte {
	return bytes.Join(b.Chunks(), nil)
}

// FakePlayer is an in-memory sink.Player.
type FakePlayer struct {
	mu sync.Mutex

	// PlayErr makes Play fail.
	PlayErr error
	// BufferedSeconds is returned by BufferedEnd.
	BufferedSeconds float64
	// DurationSeconds is returned by Duration.
	DurationSeconds float64

	events   chan sink.Event
	source   sink.MediaSource
	blob     []byte
	blobMIME string
	playing  bool
	resets   int
}

// NewFakePlayer creates a player with a buffered event channel.
func NewFakePlayer() *FakePlayer {
	return &FakePlayer{events: make(chan sink.Event, 8)}
}

func (p *FakePlayer) AttachSource(src sink.MediaSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src
	p.blob = nil
	return nil
}

func (p *FakePlayer) AttachBlob(data []byte, mimeType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = append([]byte(nil), data...)
	p.blobMIME = mimeType
	p.source = nil
	return nil
}

func (p *FakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.playing = true
	return nil
}

func (p *FakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *FakePlayer) BufferedEnd() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BufferedSeconds
}

func (p *FakePlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DurationSeconds
}

func (p *FakePlayer) Events() <-chan sink.Event {
	return p.events
}

func (p *FakePlayer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = nil
	p.blob = nil
	p.playing = false
	p.resets++
	return nil
}

// EmitEnded delivers an ended event as the platform sink would.
func (p *FakePlayer) EmitEnded() {
	p.events <- sink.Event{Kind: sink.EventEnded}
}

// EmitError delivers a playback error event.
func (p *FakePlayer) EmitError(err error) {
	p.events <- sink.Event{Kind: sink.EventError, Err: err}
}

// SetBuffered updates the value reported by BufferedEnd.
func (p *FakePlayer) SetBuffered(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BufferedSeconds = seconds
}

// Playing reports whether Play was called without a later Pause or Reset.
func (p *FakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Source returns the attached streaming source, or nil.
func (p *FakePlayer) Source() sink.MediaSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// Blob returns the attached blob and its mime type.
func (p *FakePlayer) Blob() ([]byte, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blob, p.blobMIME
}

// Resets returns how many times Reset was invoked.
func (p *FakePlayer) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
