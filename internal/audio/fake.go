package audio

import (
	"context"
	"sync"
)

// ScriptedSource replays a fixed sequence of frames. It is used by
// tests that need deterministic capture input.
type ScriptedSource struct {
	mu      sync.Mutex
	frames  chan Frame
	script  []Frame
	started bool
}

func NewScriptedSource(script ...Frame) *ScriptedSource {
	return &ScriptedSource{
		frames: make(chan Frame, len(script)+1),
		script: script,
	}
}

func (s *ScriptedSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	for _, f := range s.script {
		s.frames <- f
	}
	return nil
}

// Push appends a frame after Start, for tests that drive capture
// incrementally.
func (s *ScriptedSource) Push(f Frame) {
	s.frames <- f
}

func (s *ScriptedSource) Frames() <-chan Frame { return s.frames }

func (s *ScriptedSource) Stop() error { return nil }

// CaptureSink records every frame it is asked to play.
type CaptureSink struct {
	mu      sync.Mutex
	played  []Frame
	flushes int
}

func NewCaptureSink() *CaptureSink { return &CaptureSink{} }

func (c *CaptureSink) Play(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.played = append(c.played, frame)
	return nil
}

func (c *CaptureSink) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *CaptureSink) Close() error { return nil }

func (c *CaptureSink) Played() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.played))
	copy(out, c.played)
	return out
}

func (c *CaptureSink) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}
