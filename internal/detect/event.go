package detect

import "time"

// Kind identifies what a detector observed.
type Kind string

const (
	KindWake           Kind = "wake"
	KindSpeechStart    Kind = "speech_start"
	KindSpeechEnd      Kind = "speech_end"
	KindSilenceTimeout Kind = "silence_timeout"
)

// Event is a single detector observation.
type Event struct {
	Kind       Kind
	Phrase     string
	Confidence float64
	Timestamp  time.Time
}
