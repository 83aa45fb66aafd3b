package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resono-audio/resono/config"
	"github.com/resono-audio/resono/internal/testutil"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		BufferThreshold:  3 * time.Second,
		AppendTimeout:    100 * time.Millisecond,
		ChunkQueueDepth:  8,
		SinkRetries:      3,
		SinkRetryBackoff: time.Millisecond,
	}
}

func TestCreateSession(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 1, factory.CreateCalls())
	assert.Equal(t, "audio/mpeg", factory.LastSource().MimeType())
}

func TestCreateSessionRetriesTransientFailures(t *testing.T) {
	factory := &testutil.FakeFactory{FailCreates: 2}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/wav")
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 3, factory.CreateCalls())
}

func TestCreateSessionExhaustsRetries(t *testing.T) {
	boom := errors.New("no decoder")
	factory := &testutil.FakeFactory{FailCreates: 10, CreateErr: boom}
	f := New(factory, testEngineConfig(), nil, nil)

	_, err := f.CreateSession(context.Background(), "audio/wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, factory.CreateCalls())
}

func TestCreateSessionCancelledDuringBackoff(t *testing.T) {
	cfg := testEngineConfig()
	cfg.SinkRetryBackoff = time.Minute
	factory := &testutil.FakeFactory{FailCreates: 10}
	f := New(factory, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.CreateSession(ctx, "audio/wav")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionAppendOrder(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	ctx := context.Background()
	for _, c := range chunks {
		require.NoError(t, sess.Append(ctx, c))
	}

	buf := factory.LastSource().Buffer()
	assert.Equal(t, chunks, buf.Chunks())
	assert.EqualValues(t, 11, sess.BytesAppended())
}

func TestSessionConcurrentAppendsStaySerialized(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	buf := factory.LastSource().Buffer()
	buf.ConsumeDelay = time.Millisecond

	var wg sync.WaitGroup
	ctx := context.Background()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sess.Append(ctx, []byte("chunk")))
		}()
	}
	wg.Wait()

	// Order across goroutines is unspecified, but every append must have
	// completed without overlapping the previous one.
	assert.Len(t, buf.Chunks(), 4)
	assert.False(t, buf.Busy())
}

func TestSessionAppendTimeout(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/flac")
	require.NoError(t, err)
	defer sess.Close()

	factory.LastSource().Buffer().Stall = true

	err = sess.Append(context.Background(), []byte("never consumed"))
	assert.ErrorIs(t, err, ErrAppendTimeout)
}

func TestSessionAppendConsumeError(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	factory.LastSource().Buffer().ConsumeErr = errors.New("decode failure")

	err = sess.Append(context.Background(), []byte("bad"))
	require.Error(t, err)
	assert.Zero(t, sess.BytesAppended())
}

func TestSessionEndOfStream(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Append(context.Background(), []byte("tail")))

	sess.EndOfStream()
	sess.EndOfStream()
	assert.Equal(t, 1, factory.LastSource().EndOfStreamCalls())

	err = sess.Append(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSessionEndOfStreamErrorIsLoggedOnly(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	defer sess.Close()

	factory.LastSource().EndOfStreamErr = errors.New("already detached")
	sess.EndOfStream() // must not panic or surface the error
	assert.Equal(t, 1, factory.LastSource().EndOfStreamCalls())
}

func TestSessionClose(t *testing.T) {
	factory := &testutil.FakeFactory{}
	f := New(factory, testEngineConfig(), nil, nil)

	sess, err := f.CreateSession(context.Background(), "audio/mpeg")
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	assert.True(t, factory.LastSource().Closed())
}
