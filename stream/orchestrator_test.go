package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resono-audio/resono/cache"
	"github.com/resono-audio/resono/config"
	"github.com/resono-audio/resono/internal/testutil"
	"github.com/resono-audio/resono/transport"
)

type recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recorder) record(s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func hasSignal[T Signal](r *recorder) bool {
	for _, s := range r.all() {
		if _, ok := s.(T); ok {
			return true
		}
	}
	return false
}

type fixture struct {
	orch    *Orchestrator
	factory *testutil.FakeFactory
	player  *testutil.FakePlayer
	store   *cache.Store
	rec     *recorder
}

func streamTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s := cache.NewStore(config.CacheConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		StoreName:       "test",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Hour,
		LogLevel:        "silent",
	}, nil, nil)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		factory: &testutil.FakeFactory{},
		player:  testutil.NewFakePlayer(),
		store:   streamTestStore(t),
		rec:     &recorder{},
	}

	opts := Options{
		Config: config.EngineConfig{
			BufferThreshold:  time.Second,
			EnableCaching:    true,
			AppendTimeout:    time.Second,
			ChunkQueueDepth:  8,
			SinkRetries:      3,
			SinkRetryBackoff: time.Millisecond,
		},
		Cache:   f.store,
		Factory: f.factory,
		Player:  f.player,
	}
	for _, m := range mutate {
		m(&opts)
	}

	f.orch = New(opts)
	f.orch.Subscribe(f.rec.record)
	return f
}

func withClient() func(*Options) {
	return func(o *Options) {
		o.Client = transport.NewClient(config.TransportConfig{
			Timeout:          5 * time.Second,
			RetryAttempts:    0,
			RetryDelay:       time.Millisecond,
			RetryMaxDelay:    time.Millisecond,
			CircuitThreshold: 100,
			CircuitTimeout:   time.Second,
		}, nil)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStreamFromURLIncrementalPlayback(t *testing.T) {
	payload := testutil.MP3Bytes(1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newFixture(t, withClient())
	h := f.orch.StreamFromURL(context.Background(), srv.URL, "song-1")
	waitClosed(t, h.Ready(), "playback start")

	require.NoError(t, h.Err())
	assert.True(t, f.player.Playing())
	assert.Equal(t, payload, f.factory.LastSource().Buffer().Bytes())
	assert.Equal(t, 1, f.factory.LastSource().EndOfStreamCalls())
	assert.True(t, hasSignal[CacheMiss](f.rec))
	assert.True(t, hasSignal[CanPlay](f.rec))
	assert.True(t, hasSignal[PlayStart](f.rec))
	assert.False(t, hasSignal[CacheHit](f.rec))

	f.player.EmitEnded()
	waitClosed(t, h.Ended(), "playback end")
	assert.True(t, hasSignal[PlayEnd](f.rec))
	assert.Equal(t, StateEnded, f.orch.State().State)
}

func TestSecondStreamHitsCacheWithoutRefetch(t *testing.T) {
	payload := testutil.MP3Bytes(500)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newFixture(t, withClient())
	ctx := context.Background()

	h := f.orch.StreamFromURL(ctx, srv.URL, "song-1")
	waitClosed(t, h.Ready(), "first playback")

	// The cache fill completes asynchronously after the payload drains.
	require.Eventually(t, func() bool {
		ok, err := f.store.Has(ctx, "song-1")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	f.player.EmitEnded()
	waitClosed(t, h.Ended(), "first playback end")

	h2 := f.orch.StreamFromURL(ctx, srv.URL, "song-1")
	waitClosed(t, h2.Ready(), "cached playback")

	assert.EqualValues(t, 1, fetches.Load(), "cache hit must not refetch")
	assert.True(t, hasSignal[CacheHit](f.rec))
	assert.Equal(t, payload, f.factory.LastSource().Buffer().Bytes())
}

func TestWAVPayloadMaterializes(t *testing.T) {
	payload := testutil.WAVBytesWithSamples(make([]byte, 2000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newFixture(t, withClient())
	h := f.orch.StreamFromURL(context.Background(), srv.URL, "clip-1")
	waitClosed(t, h.Ready(), "blob playback")

	require.NoError(t, h.Err())
	blob, mime := f.player.Blob()
	assert.Equal(t, payload, blob)
	assert.Equal(t, "audio/wav", mime)
	assert.Zero(t, f.factory.CreateCalls(), "conversion formats bypass the decode sink")
}

func TestThresholdStartsPlaybackBeforeEOS(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(testutil.MP3Bytes(100))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := newFixture(t, withClient())
	f.player.SetBuffered(2.0) // above the 1s threshold

	h := f.orch.StreamFromURL(context.Background(), srv.URL, "song-1")
	waitClosed(t, h.Ready(), "threshold playback start")
	assert.True(t, f.player.Playing(), "playback must start while the payload is still streaming")

	close(release)
	f.player.EmitEnded()
	waitClosed(t, h.Ended(), "playback end")
}

func TestCancelMidStreamSilencesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(testutil.MP3Bytes(100))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, withClient())
	h := f.orch.StreamFromURL(context.Background(), srv.URL, "song-1")

	require.Eventually(t, func() bool {
		src := f.factory.LastSource()
		return src != nil && src.Buffer() != nil && len(src.Buffer().Chunks()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.Cancel("song-1")
	waitClosed(t, h.Ended(), "cancelled handle")
	require.NoError(t, h.Err())

	seen := f.rec.count()
	assert.GreaterOrEqual(t, f.player.Resets(), 2, "cancel must reset the sink")
	assert.Equal(t, StateIdle, f.orch.State().State)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, f.rec.count(), "no signals after cancellation")
}

func TestRepeatedCancelDuringStreamStartup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 40 {
		resp := &http.Response{Body: io.NopCloser(bytes.NewReader(testutil.MP3Bytes(200)))}
		h := f.orch.StreamFromResponse(ctx, resp, "song-1")
		// Vary the timing so the cancel lands before, during, and after
		// decode session creation.
		time.Sleep(time.Duration(i%5) * 200 * time.Microsecond)
		f.orch.Cancel("song-1")
		waitClosed(t, h.Ended(), "cancelled handle")
		require.NoError(t, h.Err())
	}
	assert.Equal(t, StateIdle, f.orch.State().State)
}

func TestMidBodyErrorLeavesPriorCacheEntryUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prior := testutil.MP3Bytes(300)
	require.NoError(t, f.store.Set(ctx, "song-1", [][]byte{prior}, "audio/mpeg", cache.SetOptions{}))

	boom := errors.New("connection reset mid-body")
	body := io.NopCloser(io.MultiReader(
		bytes.NewReader(testutil.MP3Bytes(100)),
		errReader{boom},
	))

	req := f.orch.begin(ctx, "song-1")
	f.orch.consume(req, body)

	waitClosed(t, req.handle.Ended(), "failed request")
	require.Error(t, req.handle.Err())
	var serr *Error
	require.ErrorAs(t, req.handle.Err(), &serr)
	assert.Equal(t, CodeStream, serr.Code)
	assert.Equal(t, "song-1", serr.RequestID)

	got, _, err := f.store.Get(ctx, "song-1")
	require.NoError(t, err)
	assert.Equal(t, prior, bytes.Join(got, nil), "partial payload must not overwrite the prior entry")
}

func TestStreamFromResponse(t *testing.T) {
	payload := testutil.MP3Bytes(400)
	resp := &http.Response{Body: io.NopCloser(bytes.NewReader(payload))}

	f := newFixture(t)
	h := f.orch.StreamFromResponse(context.Background(), resp, "song-1")
	waitClosed(t, h.Ready(), "playback start")

	require.NoError(t, h.Err())
	assert.Equal(t, payload, f.factory.LastSource().Buffer().Bytes())
}

func TestStreamFromResponseGeneratesID(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(bytes.NewReader(testutil.MP3Bytes(50)))}

	f := newFixture(t)
	h := f.orch.StreamFromResponse(context.Background(), resp, "")
	assert.NotEmpty(t, h.RequestID)
	waitClosed(t, h.Ready(), "playback start")
}

func TestEmptyPayloadSettlesAsError(t *testing.T) {
	f := newFixture(t)

	resp := &http.Response{Body: io.NopCloser(bytes.NewReader(nil))}
	h := f.orch.StreamFromResponse(context.Background(), resp, "song-1")
	waitClosed(t, h.Ended(), "empty payload failure")

	require.Error(t, h.Err())
	var serr *Error
	require.ErrorAs(t, h.Err(), &serr)
	assert.Equal(t, CodeStream, serr.Code)
	assert.Equal(t, StateError, f.orch.State().State)
	assert.Zero(t, f.factory.CreateCalls())
}

func TestPlayFromCacheFeederPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chunks := [][]byte{testutil.MP3Bytes(100), make([]byte, 50)}
	require.NoError(t, f.store.Set(ctx, "song-1", chunks, "audio/mpeg", cache.SetOptions{}))

	h := f.orch.PlayFromCache(ctx, "song-1")
	waitClosed(t, h.Ready(), "cached playback")

	require.NoError(t, h.Err())
	assert.True(t, hasSignal[CacheHit](f.rec))
	assert.Equal(t, bytes.Join(chunks, nil), f.factory.LastSource().Buffer().Bytes())
}

func TestPlayFromCacheMissing(t *testing.T) {
	f := newFixture(t)

	h := f.orch.PlayFromCache(context.Background(), "ghost")
	waitClosed(t, h.Ended(), "failed replay")

	require.Error(t, h.Err())
	assert.ErrorIs(t, h.Err(), ErrNotCached)
	var serr *Error
	require.ErrorAs(t, h.Err(), &serr)
	assert.Equal(t, CodeCache, serr.Code)
	assert.Equal(t, StateError, f.orch.State().State)
}

func TestPlayFromCacheTrimming(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.EnableTrimming = true })
	ctx := context.Background()

	silent := make([]byte, 8) // four silent samples
	loud := []byte{0x40, 0x1F, 0x40, 0x1F}
	payload := testutil.WAVBytesWithSamples(append(append(append([]byte(nil), silent...), loud...), silent...))
	require.NoError(t, f.store.Set(ctx, "clip-1", [][]byte{payload}, "audio/wav", cache.SetOptions{}))

	h := f.orch.PlayFromCache(ctx, "clip-1")
	waitClosed(t, h.Ready(), "trimmed playback")

	blob, mime := f.player.Blob()
	assert.Equal(t, "audio/wav", mime)
	want := testutil.WAVBytesWithSamples(loud)
	assert.Equal(t, want, blob)
	assert.Zero(t, f.factory.CreateCalls())
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, "song-1", [][]byte{testutil.MP3Bytes(100)}, "audio/mpeg", cache.SetOptions{}))
	h := f.orch.PlayFromCache(ctx, "song-1")
	waitClosed(t, h.Ready(), "playback start")

	f.orch.Pause()
	assert.False(t, f.player.Playing())
	assert.Equal(t, StatePaused, f.orch.State().State)

	f.orch.Resume()
	assert.True(t, f.player.Playing())
	assert.Equal(t, StatePlaying, f.orch.State().State)
}

func TestMimeTypeOverride(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MimeTypeOverride = "audio/ogg" })

	resp := &http.Response{Body: io.NopCloser(bytes.NewReader(testutil.MP3Bytes(100)))}
	h := f.orch.StreamFromResponse(context.Background(), resp, "song-1")
	waitClosed(t, h.Ready(), "playback start")

	assert.Equal(t, "audio/ogg", f.factory.LastSource().MimeType())
}

func TestNewStreamTearsDownPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, "a", [][]byte{testutil.MP3Bytes(100)}, "audio/mpeg", cache.SetOptions{}))
	require.NoError(t, f.store.Set(ctx, "b", [][]byte{testutil.MP3Bytes(100)}, "audio/mpeg", cache.SetOptions{}))

	h1 := f.orch.PlayFromCache(ctx, "a")
	waitClosed(t, h1.Ready(), "first playback")

	h2 := f.orch.PlayFromCache(ctx, "b")
	waitClosed(t, h1.Ended(), "first handle torn down")
	waitClosed(t, h2.Ready(), "second playback")
	assert.Equal(t, "b", f.orch.State().CurrentID)
}

func TestSinkEndedAfterFailureStaysErrored(t *testing.T) {
	f := newFixture(t)
	f.player.PlayErr = errors.New("decoder refused to start")

	resp := &http.Response{Body: io.NopCloser(bytes.NewReader(testutil.MP3Bytes(100)))}
	h := f.orch.StreamFromResponse(context.Background(), resp, "song-1")
	waitClosed(t, h.Ended(), "failed request")

	var serr *Error
	require.ErrorAs(t, h.Err(), &serr)
	assert.Equal(t, CodeSink, serr.Code)
	assert.Equal(t, StateError, f.orch.State().State)

	// A straggling end event from the sink must not resurrect the request.
	f.player.EmitEnded()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hasSignal[PlayEnd](f.rec))
	assert.Equal(t, StateError, f.orch.State().State)
}
