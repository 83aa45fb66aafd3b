// Package stream coordinates progressive audio playback: per-request
// lifecycle, cache-hit short-circuiting, dual-consumer fan-out of one network
// payload, buffer-sufficiency policy, cancellation, and lifecycle signals.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/resono-audio/resono/cache"
	"github.com/resono-audio/resono/config"
	"github.com/resono-audio/resono/feeder"
	"github.com/resono-audio/resono/observability"
	"github.com/resono-audio/resono/postprocess"
	"github.com/resono-audio/resono/sink"
	"github.com/resono-audio/resono/sniff"
	"github.com/resono-audio/resono/transport"
)

// ErrNotCached indicates a cache replay was requested for an id that has no
// entry.
var ErrNotCached = errors.New("no cache entry for id")

// errEmptyPayload indicates the payload ended before its first byte.
var errEmptyPayload = errors.New("empty payload")

// Options wires an Orchestrator's collaborators.
type Options struct {
	Config config.EngineConfig
	// Cache is optional; without it every request streams from the network.
	Cache   *cache.Store
	Factory sink.SourceFactory
	Player  sink.Player
	// Client is optional when only StreamFromResponse and PlayFromCache are
	// used.
	Client  *transport.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Orchestrator coordinates one playback request at a time over a singleton
// playback sink. Starting a new request tears the previous one down.
type Orchestrator struct {
	cfg        config.EngineConfig
	cache      *cache.Store
	feeder     *feeder.Feeder
	sniffer    *sniff.Sniffer
	player     sink.Player
	client     *transport.Client
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	current  *request
	snapshot Snapshot
}

// request is the mutable state of one streaming request.
type request struct {
	id        string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	handle    *Handle
	logger    *slog.Logger

	cancelled  atomic.Bool
	playing    atomic.Bool
	settled    atomic.Bool
	settleOnce sync.Once
	session    atomic.Pointer[feeder.Session]
}

// New creates an Orchestrator. Logger and Metrics may be nil.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "orchestrator")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	return &Orchestrator{
		cfg:        opts.Config,
		cache:      opts.Cache,
		feeder:     feeder.New(opts.Factory, opts.Config, logger, metrics),
		sniffer:    sniff.NewSniffer(opts.Factory.CanPlayType),
		player:     opts.Player,
		client:     opts.Client,
		dispatcher: NewDispatcher(logger),
		logger:     logger,
		metrics:    metrics,
		snapshot:   Snapshot{State: StateIdle},
	}
}

// Subscribe registers a lifecycle signal listener.
func (o *Orchestrator) Subscribe(fn Listener) string {
	return o.dispatcher.Subscribe(fn)
}

// Unsubscribe removes a listener.
func (o *Orchestrator) Unsubscribe(id string) {
	o.dispatcher.Unsubscribe(id)
}

// State returns a snapshot of the current streaming state.
func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// StreamFromURL starts streaming the payload at url under the given id. An
// empty id gets a generated one. With caching enabled a cached id short-
// circuits to replay with no network access. Failures are reported through
// the handle and the signal stream, never thrown synchronously.
func (o *Orchestrator) StreamFromURL(ctx context.Context, url, id string) *Handle {
	req := o.begin(ctx, id)
	go func() {
		if o.tryCachedReplay(req) {
			return
		}
		if o.client == nil {
			o.fail(req, CodeStream, errors.New("no transport client configured"))
			return
		}
		resp, err := o.client.Fetch(req.ctx, url)
		if err != nil {
			o.fail(req, CodeStream, err)
			return
		}
		o.consume(req, resp.Body)
	}()
	return req.handle
}

// StreamFromResponse streams an already-fetched response body under the
// given id. The cache-hit short-circuit still applies; on a hit the body is
// closed unread.
func (o *Orchestrator) StreamFromResponse(ctx context.Context, resp *http.Response, id string) *Handle {
	req := o.begin(ctx, id)
	go func() {
		if o.tryCachedReplay(req) {
			resp.Body.Close()
			return
		}
		o.consume(req, resp.Body)
	}()
	return req.handle
}

// PlayFromCache replays a previously cached id. The entry must exist.
func (o *Orchestrator) PlayFromCache(ctx context.Context, id string) *Handle {
	req := o.begin(ctx, id)
	go func() {
		if o.cache == nil {
			o.fail(req, CodeCache, ErrNotCached)
			return
		}
		entry, err := o.cache.GetEntry(req.ctx, req.id)
		if err != nil {
			o.fail(req, CodeCache, err)
			return
		}
		if entry == nil {
			o.fail(req, CodeCache, ErrNotCached)
			return
		}
		o.emit(req, CacheHit{RequestID: req.id})
		o.metrics.CacheHits.Inc()
		o.replay(req, entry.ChunkData(), entry.MimeType)
	}()
	return req.handle
}

// Cancel stops the request with the given id. In-flight reads and appends
// stop at their next checkpoint; the sink is reset and no further signals
// are emitted for the id.
func (o *Orchestrator) Cancel(id string) {
	o.mu.Lock()
	req := o.current
	if req == nil || req.id != id {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.snapshot = Snapshot{State: StateIdle}
	o.mu.Unlock()

	req.cancelled.Store(true)
	req.cancel()
	if s := req.session.Load(); s != nil {
		_ = s.Close()
	}
	_ = o.player.Reset()
	o.settle(req)
	req.handle.completeEnded()
	req.logger.Debug("request cancelled")
}

// Pause pauses playback of the current request.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	req := o.current
	o.mu.Unlock()
	if req == nil || !req.playing.Load() {
		return
	}
	if err := o.player.Pause(); err != nil {
		req.logger.Warn("pause failed", slog.String("error", err.Error()))
		return
	}
	o.setState(req, StatePaused)
}

// Resume resumes paused playback.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	req := o.current
	paused := o.snapshot.State == StatePaused
	o.mu.Unlock()
	if req == nil || !paused {
		return
	}
	if err := o.player.Play(); err != nil {
		req.logger.Warn("resume failed", slog.String("error", err.Error()))
		return
	}
	o.setState(req, StatePlaying)
}

// begin tears down the current request and installs a new one in the
// loading state.
func (o *Orchestrator) begin(ctx context.Context, id string) *request {
	if id == "" {
		id = uuid.NewString()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &request{
		id:        id,
		sessionID: ulid.Make().String(),
		ctx:       reqCtx,
		cancel:    cancel,
	}
	req.handle = newHandle(id)
	req.logger = o.logger.With(
		slog.String("request_id", id),
		slog.String("session_id", req.sessionID),
	)

	o.mu.Lock()
	prev := o.current
	o.current = req
	o.snapshot = Snapshot{State: StateLoading, CurrentID: id}
	o.mu.Unlock()

	if prev != nil {
		prev.cancelled.Store(true)
		prev.cancel()
		if s := prev.session.Load(); s != nil {
			_ = s.Close()
		}
		o.settle(prev)
		prev.handle.completeEnded()
	}
	_ = o.player.Reset()

	o.metrics.ActiveSessions.Inc()
	o.emit(req, LoadStart{RequestID: id})
	o.emit(req, StateChange{RequestID: id, From: StateIdle, To: StateLoading})
	req.logger.Debug("request started")
	return req
}

// tryCachedReplay short-circuits to cache playback when the id is already
// fully cached. Returns true when the request is being served from cache.
func (o *Orchestrator) tryCachedReplay(req *request) bool {
	if !o.cfg.EnableCaching || o.cache == nil {
		return false
	}

	entry, err := o.cache.GetEntry(req.ctx, req.id)
	if err != nil {
		// A cache read failure falls through to the network.
		req.logger.Warn("cache lookup failed, falling back to network",
			slog.String("error", err.Error()),
		)
		return false
	}
	if entry == nil {
		o.emit(req, CacheMiss{RequestID: req.id})
		return false
	}

	o.emit(req, CacheHit{RequestID: req.id})
	req.logger.Debug("cache hit, replaying stored payload")
	o.replay(req, entry.ChunkData(), entry.MimeType)
	return true
}

// consume fans the payload out to the playback-feed and cache-fill loops.
// The two consumers fail independently: a cache-write failure never stops
// playback, and a playback failure never stops the cache fill.
func (o *Orchestrator) consume(req *request, body io.ReadCloser) {
	defer body.Close()

	playBr := newBranch(o.cfg.ChunkQueueDepth)
	fillBr := newBranch(o.cfg.ChunkQueueDepth)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fanOut(req.ctx, body, playBr, fillBr)
	}()
	go func() {
		defer wg.Done()
		o.cacheFill(req, fillBr)
	}()

	o.playbackFeed(req, playBr)
	wg.Wait()
}

// playbackFeed sniffs the first chunk and either appends incrementally or
// materializes the payload for formats the sink cannot stream.
func (o *Orchestrator) playbackFeed(req *request, br *branch) {
	defer br.close()

	first, ok := o.nextChunk(req, br)
	if !ok {
		// The branch closed before delivering a single chunk. Unless the
		// request was cancelled, that means the payload had no bytes at all
		// and the request must still settle.
		if req.ctx.Err() == nil {
			o.fail(req, CodeStream, errEmptyPayload)
		}
		return
	}
	if first.err != nil {
		o.fail(req, CodeStream, first.err)
		return
	}
	if len(first.data) == 0 {
		o.fail(req, CodeStream, errEmptyPayload)
		return
	}

	info := o.sniffer.Detect(first.data)
	mimeType := o.cfg.MimeTypeOverride
	if mimeType == "" {
		mimeType = info.MimeType
	}

	req.logger.Debug("payload format detected",
		slog.String("type", string(info.Type)),
		slog.String("mime_type", mimeType),
	)

	if info.Streamable && o.sniffer.Supports(mimeType) {
		o.feedIncremental(req, br, first.data, mimeType)
		return
	}
	o.materialize(req, br, first.data, mimeType)
}

// feedIncremental appends chunks to a decode session as they arrive,
// starting playback once enough media is buffered.
func (o *Orchestrator) feedIncremental(req *request, br *branch, first []byte, mimeType string) {
	session, err := o.feeder.CreateSession(req.ctx, mimeType)
	if err != nil {
		o.fail(req, CodeSink, err)
		return
	}
	req.session.Store(session)
	if req.cancelled.Load() {
		_ = session.Close()
		return
	}

	if err := o.player.AttachSource(session.Source()); err != nil {
		o.fail(req, CodeSink, err)
		return
	}
	o.setState(req, StateStreaming)
	go o.watchPlayer(req)

	data := first
	for {
		if err := session.Append(req.ctx, data); err != nil {
			if req.ctx.Err() != nil {
				return
			}
			o.fail(req, CodeSink, err)
			return
		}
		o.reportProgress(req)
		o.maybeStartPlayback(req)

		c, ok := o.nextChunk(req, br)
		if !ok {
			break
		}
		if c.err != nil {
			o.fail(req, CodeStream, c.err)
			return
		}
		data = c.data
	}

	if req.ctx.Err() != nil {
		return
	}
	session.EndOfStream()
	// End of stream before the buffer threshold still starts playback.
	o.startPlayback(req)
}

// materialize drains the payload, runs it through the post-processor, and
// plays the result as a single blob.
func (o *Orchestrator) materialize(req *request, br *branch, first []byte, mimeType string) {
	chunks := [][]byte{first}
	for {
		c, ok := o.nextChunk(req, br)
		if !ok {
			break
		}
		if c.err != nil {
			o.fail(req, CodeStream, c.err)
			return
		}
		chunks = append(chunks, c.data)
	}
	if req.ctx.Err() != nil {
		return
	}

	res, err := postprocess.Process(chunks, postprocess.Options{
		TrimSilence:      o.cfg.EnableTrimming,
		MimeTypeOverride: mimeType,
	})
	if err != nil {
		o.fail(req, CodeProcessing, err)
		return
	}

	if err := o.player.AttachBlob(res.Data, res.MimeType); err != nil {
		o.fail(req, CodeSink, err)
		return
	}
	go o.watchPlayer(req)
	o.startPlayback(req)
}

// cacheFill drains its copy of the payload and writes the complete chunk
// sequence to the cache. Best-effort: failures are logged, never surfaced to
// the playback path, and a mid-body error leaves any prior entry untouched.
func (o *Orchestrator) cacheFill(req *request, br *branch) {
	defer br.close()

	var chunks [][]byte
	for {
		select {
		case c, ok := <-br.ch:
			if !ok {
				o.writeCache(req, chunks)
				return
			}
			if c.err != nil {
				req.logger.Warn("payload errored mid-body, skipping cache write",
					slog.String("error", c.err.Error()),
					slog.Int("chunks_received", len(chunks)),
				)
				return
			}
			chunks = append(chunks, c.data)
		case <-req.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) writeCache(req *request, chunks [][]byte) {
	if !o.cfg.EnableCaching || o.cache == nil || len(chunks) == 0 {
		return
	}

	mimeType := o.cfg.MimeTypeOverride
	if mimeType == "" {
		mimeType = sniff.Detect(chunks[0]).MimeType
	}

	// The write must survive request teardown once the payload is complete.
	ctx := context.WithoutCancel(req.ctx)
	if err := o.cache.Set(ctx, req.id, chunks, mimeType, cache.SetOptions{}); err != nil {
		req.logger.Warn("cache write failed", slog.String("error", err.Error()))
		return
	}
	req.logger.Debug("payload cached", slog.Int("chunks", len(chunks)))
}

// replay plays a cached chunk sequence, through the post-processor when
// trimming is enabled, otherwise through the incremental feeder.
func (o *Orchestrator) replay(req *request, chunks [][]byte, mimeType string) {
	if o.cfg.MimeTypeOverride != "" {
		mimeType = o.cfg.MimeTypeOverride
	}

	if o.cfg.EnableTrimming {
		res, err := postprocess.Process(chunks, postprocess.Options{
			TrimSilence:      true,
			MimeTypeOverride: mimeType,
		})
		if err != nil {
			o.fail(req, CodeProcessing, err)
			return
		}
		if err := o.player.AttachBlob(res.Data, res.MimeType); err != nil {
			o.fail(req, CodeSink, err)
			return
		}
		go o.watchPlayer(req)
		o.startPlayback(req)
		return
	}

	info := sniff.Detect(chunks[0])
	if !info.Streamable || !o.sniffer.Supports(mimeType) {
		res, err := postprocess.Process(chunks, postprocess.Options{MimeTypeOverride: mimeType})
		if err != nil {
			o.fail(req, CodeProcessing, err)
			return
		}
		if err := o.player.AttachBlob(res.Data, res.MimeType); err != nil {
			o.fail(req, CodeSink, err)
			return
		}
		go o.watchPlayer(req)
		o.startPlayback(req)
		return
	}

	session, err := o.feeder.CreateSession(req.ctx, mimeType)
	if err != nil {
		o.fail(req, CodeSink, err)
		return
	}
	req.session.Store(session)
	if req.cancelled.Load() {
		_ = session.Close()
		return
	}

	if err := o.player.AttachSource(session.Source()); err != nil {
		o.fail(req, CodeSink, err)
		return
	}
	o.setState(req, StateStreaming)
	go o.watchPlayer(req)

	for _, c := range chunks {
		if req.ctx.Err() != nil {
			return
		}
		if err := session.Append(req.ctx, c); err != nil {
			if req.ctx.Err() != nil {
				return
			}
			o.fail(req, CodeSink, err)
			return
		}
		o.reportProgress(req)
		o.maybeStartPlayback(req)
	}
	session.EndOfStream()
	o.startPlayback(req)
}

// nextChunk receives the next payload chunk, honoring cancellation.
func (o *Orchestrator) nextChunk(req *request, br *branch) (chunk, bool) {
	select {
	case c, ok := <-br.ch:
		return c, ok
	case <-req.ctx.Done():
		br.close()
		return chunk{}, false
	}
}

// watchPlayer turns playback sink events into lifecycle transitions.
func (o *Orchestrator) watchPlayer(req *request) {
	for {
		select {
		case <-req.ctx.Done():
			return
		case ev := <-o.player.Events():
			switch ev.Kind {
			case sink.EventEnded:
				o.finish(req)
				return
			case sink.EventError:
				o.fail(req, CodeSink, ev.Err)
				return
			}
		}
	}
}

// reportProgress emits buffered duration relative to the playback threshold.
func (o *Orchestrator) reportProgress(req *request) {
	threshold := o.cfg.BufferThreshold.Seconds()
	if threshold <= 0 {
		return
	}
	progress := o.player.BufferedEnd() / threshold
	if progress > 1 {
		progress = 1
	}

	o.mu.Lock()
	if o.current == req {
		o.snapshot.BufferProgress = progress
	}
	o.mu.Unlock()

	o.emit(req, BufferProgress{RequestID: req.id, Progress: progress})
}

// maybeStartPlayback starts playback once the buffered range reaches the
// configured threshold.
func (o *Orchestrator) maybeStartPlayback(req *request) {
	if req.playing.Load() {
		return
	}
	if o.player.BufferedEnd() >= o.cfg.BufferThreshold.Seconds() {
		o.startPlayback(req)
	}
}

// startPlayback transitions the request to playing. Idempotent per request.
func (o *Orchestrator) startPlayback(req *request) {
	if req.cancelled.Load() || !req.playing.CompareAndSwap(false, true) {
		return
	}

	o.emit(req, CanPlay{RequestID: req.id})
	o.mu.Lock()
	if o.current == req {
		o.snapshot.CanPlay = true
	}
	o.mu.Unlock()

	if err := o.player.Play(); err != nil {
		o.fail(req, CodeSink, err)
		return
	}

	o.metrics.PlaybackStarts.Inc()
	o.emit(req, PlayStart{RequestID: req.id})
	o.setState(req, StatePlaying)
	req.handle.completeReady()
	req.logger.Info("playback started")
}

// finish settles the request as ended. A request settles at most once;
// late sink events after a failure are ignored.
func (o *Orchestrator) finish(req *request) {
	if req.cancelled.Load() || !req.settled.CompareAndSwap(false, true) {
		return
	}

	o.emit(req, PlayEnd{RequestID: req.id})
	o.setState(req, StateEnded)
	o.settle(req)
	req.handle.completeReady()
	req.handle.completeEnded()
	req.logger.Info("playback ended")
}

// fail settles the request as errored. Cancelled and already-settled
// requests stay silent.
func (o *Orchestrator) fail(req *request, code ErrorCode, cause error) {
	if req.cancelled.Load() || !req.settled.CompareAndSwap(false, true) {
		return
	}

	err := newError(code, req.id, cause)
	req.logger.Error("request failed",
		slog.String("code", string(code)),
		slog.String("error", cause.Error()),
	)
	o.metrics.Errors.WithLabelValues(string(code)).Inc()

	o.mu.Lock()
	from := o.snapshot.State
	if o.current == req {
		o.snapshot.State = StateError
		o.snapshot.Err = err
	}
	o.mu.Unlock()

	o.emit(req, Failure{RequestID: req.id, Err: err})
	o.emit(req, StateChange{RequestID: req.id, From: from, To: StateError})
	_ = o.player.Reset()
	o.settle(req)
	req.handle.fail(err)
}

// setState updates the snapshot and emits the transition.
func (o *Orchestrator) setState(req *request, to State) {
	o.mu.Lock()
	from := o.snapshot.State
	if o.current == req {
		o.snapshot.State = to
	}
	o.mu.Unlock()

	if from == to {
		return
	}
	o.emit(req, StateChange{RequestID: req.id, From: from, To: to})
}

// settle releases per-request accounting exactly once.
func (o *Orchestrator) settle(req *request) {
	req.settleOnce.Do(func() {
		o.metrics.ActiveSessions.Dec()
	})
}

// emit delivers a signal unless the request has been cancelled.
func (o *Orchestrator) emit(req *request, sig Signal) {
	if req.cancelled.Load() {
		return
	}
	o.dispatcher.Emit(sig)
}
