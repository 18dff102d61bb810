package engine

// State is the lifecycle position of one running session. Transitions
// happen only inside Engine.Run.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateReady
	StateStreamingAudio
	StateEnding
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateStreamingAudio:
		return "streaming_audio"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether the session still owns a live channel.
func (s State) active() bool {
	switch s {
	case StateOpening, StateReady, StateStreamingAudio:
		return true
	default:
		return false
	}
}
