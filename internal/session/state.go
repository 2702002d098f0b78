package session

// State is the top-level engine state.
type State string

const (
	StateStarting   State = "STARTING"
	StateActivating State = "ACTIVATING"
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateListening  State = "LISTENING"
	StateSpeaking   State = "SPEAKING"
)

// active reports whether the state owns an audio channel.
func (s State) active() bool {
	switch s {
	case StateConnecting, StateListening, StateSpeaking:
		return true
	}
	return false
}

// ChannelState is the audio channel lifecycle state. It is stored as
// an int32 so the frame paths can read it atomically.
type ChannelState int32

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpened
	ChannelRecording
	ChannelProcessing
	ChannelPlaying
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "CLOSED"
	case ChannelOpening:
		return "OPENING"
	case ChannelOpened:
		return "OPENED"
	case ChannelRecording:
		return "RECORDING"
	case ChannelProcessing:
		return "PROCESSING"
	case ChannelPlaying:
		return "PLAYING"
	case ChannelClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}
