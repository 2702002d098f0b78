package audio

import (
	"context"
	"math"
	"time"
)

// Frame is one fixed-duration chunk of microphone or speaker audio.
// PCM carries decoded samples, Encoded carries the wire payload; a frame
// holds at least one of the two depending on direction.
type Frame struct {
	PCM      []int16
	Encoded  []byte
	Captured time.Time
}

// Source produces capture frames at a fixed cadence.
type Source interface {
	// Start begins capture. Frames are delivered on the channel returned
	// by Frames until Stop is called or ctx is cancelled.
	Start(ctx context.Context) error
	Frames() <-chan Frame
	Stop() error
}

// Sink consumes playback frames.
type Sink interface {
	Play(frame Frame) error
	// Flush discards any frames not yet rendered.
	Flush() error
	Close() error
}

// Codec converts between raw samples and the wire payload format.
type Codec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(payload []byte) ([]int16, error)
}

// Energy returns the RMS amplitude of a PCM frame. Empty frames
// report zero energy.
func Energy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
