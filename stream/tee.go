package stream

import (
	"context"
	"io"
	"sync"
)

// readChunkSize is how much payload one network read pulls at a time.
const readChunkSize = 32 * 1024

// chunk is one unit of the fanned-out payload. err, when non-nil, is the
// final item a branch receives.
type chunk struct {
	data []byte
	err  error
}

// branch is one consumer's bounded view of the fan-out. A consumer that
// stops reading calls close so the producer does not block on it.
type branch struct {
	ch   chan chunk
	done chan struct{}
	once sync.Once
}

func newBranch(depth int) *branch {
	if depth < 1 {
		depth = 1
	}
	return &branch{
		ch:   make(chan chunk, depth),
		done: make(chan struct{}),
	}
}

// close marks the branch abandoned. Idempotent.
func (b *branch) close() {
	b.once.Do(func() { close(b.done) })
}

// fanOut reads the payload once and delivers a copy of every chunk to both
// branches, so the playback feed and the cache fill each see the full byte
// stream. Each branch's channel is closed when the payload ends; a read
// failure is delivered as a final error chunk instead. fanOut returns when
// the payload is drained, both branches are abandoned, or ctx is done.
func fanOut(ctx context.Context, r io.Reader, branches ...*branch) {
	defer func() {
		for _, b := range branches {
			close(b.ch)
		}
	}()

	alive := make([]bool, len(branches))
	for i := range alive {
		alive[i] = true
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !deliver(ctx, branches, alive, chunk{data: data}) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				deliver(ctx, branches, alive, chunk{err: err})
			}
			return
		}
	}
}

// deliver sends c to every live branch and returns false once no branch is
// left or ctx is done.
func deliver(ctx context.Context, branches []*branch, alive []bool, c chunk) bool {
	anyAlive := false
	for i, b := range branches {
		if !alive[i] {
			continue
		}
		select {
		case b.ch <- c:
			anyAlive = true
		case <-b.done:
			alive[i] = false
		case <-ctx.Done():
			return false
		}
	}
	return anyAlive
}
