package audio

import "context"

// NullSource emits no frames. It stands in until a capture device
// implementation is attached; the engine still runs, driven by the
// server side and the control API.
type NullSource struct {
	frames chan Frame
}

func NewNullSource() *NullSource {
	return &NullSource{frames: make(chan Frame)}
}

func (n *NullSource) Start(context.Context) error { return nil }
func (n *NullSource) Frames() <-chan Frame        { return n.frames }
func (n *NullSource) Stop() error                 { return nil }

// NullSink discards playback frames.
type NullSink struct{}

func (NullSink) Play(Frame) error { return nil }
func (NullSink) Flush() error     { return nil }
func (NullSink) Close() error     { return nil }
