package stream

// State is a request lifecycle state.
type State string

// Lifecycle states. A request moves idle -> loading -> (streaming | playing)
// -> (ended | error), with paused reachable from playing.
const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateStreaming State = "streaming"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateEnded     State = "ended"
	StateError     State = "error"
)

// Snapshot is a point-in-time copy of the orchestrator's streaming state.
type Snapshot struct {
	State     State
	CurrentID string
	// BufferProgress is buffered duration relative to the playback threshold,
	// clamped to [0, 1].
	BufferProgress float64
	CanPlay        bool
	Err            *Error
}
