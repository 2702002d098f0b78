package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/audio"
	"github.com/vesper-ai/vesper/internal/transport"
)

func newTestChannel(t *testing.T, sink audio.Sink) (*Channel, *transport.Fake) {
	t.Helper()
	fake := transport.NewFake("sess-1", transport.Handlers{})
	if _, err := fake.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sink == nil {
		sink = audio.NewCaptureSink()
	}
	ch := newChannel(fake, audio.PCMCodec{}, sink, testMetrics(), zerolog.Nop())
	t.Cleanup(ch.Close)
	return ch, fake
}

func TestCaptureGateBlocksOutsideRecording(t *testing.T) {
	ch, fake := newTestChannel(t, nil)
	frame := audio.Frame{PCM: []int16{1, 2, 3, 4}}

	for _, state := range []ChannelState{ChannelOpening, ChannelOpened, ChannelProcessing, ChannelPlaying, ChannelClosing} {
		ch.setState(state)
		if err := ch.ForwardCapture(frame); err != nil {
			t.Fatalf("ForwardCapture in %s: %v", state, err)
		}
	}
	if n := len(fake.SentAudio()); n != 0 {
		t.Fatalf("%d frames reached the carrier with the gate closed", n)
	}
	if ch.SentSeq() != 0 {
		t.Fatalf("sentSeq = %d, want 0", ch.SentSeq())
	}

	ch.setState(ChannelRecording)
	if err := ch.ForwardCapture(frame); err != nil {
		t.Fatalf("ForwardCapture in RECORDING: %v", err)
	}
	if n := len(fake.SentAudio()); n != 1 {
		t.Fatalf("%d frames sent, want 1", n)
	}
	if ch.SentSeq() != 1 {
		t.Fatalf("sentSeq = %d, want 1", ch.SentSeq())
	}
}

func TestPlaybackGateDropsOutsidePlaying(t *testing.T) {
	sink := audio.NewCaptureSink()
	ch, _ := newTestChannel(t, sink)

	for _, state := range []ChannelState{ChannelOpening, ChannelOpened, ChannelRecording, ChannelClosing} {
		ch.setState(state)
		ch.AcceptPlayback([]byte{1, 0})
	}
	if ch.RecvSeq() != 0 {
		t.Fatalf("recvSeq = %d, want 0 with gate closed", ch.RecvSeq())
	}

	ch.setState(ChannelProcessing)
	ch.AcceptPlayback([]byte{1, 0})
	if ch.State() != ChannelPlaying {
		t.Fatalf("channel state = %s, want PLAYING after first frame", ch.State())
	}
	if ch.RecvSeq() != 1 {
		t.Fatalf("recvSeq = %d, want 1", ch.RecvSeq())
	}
}

// blockingSink holds the render loop until released.
type blockingSink struct {
	release chan struct{}
	played  chan struct{}
}

func (b *blockingSink) Play(audio.Frame) error {
	b.played <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingSink) Flush() error { return nil }
func (b *blockingSink) Close() error { return nil }

func TestPlaybackQueueDropsOldestUnderBackpressure(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), played: make(chan struct{}, 1024)}
	ch, _ := newTestChannel(t, sink)
	released := false
	release := func() {
		if !released {
			released = true
			close(sink.release)
		}
	}
	t.Cleanup(release)
	ch.setState(ChannelProcessing)

	// First frame occupies the renderer, the rest hit the queue.
	total := playbackQueueDepth + 10
	for i := 0; i < total; i++ {
		ch.AcceptPlayback([]byte{byte(i), 0})
	}
	if got := ch.RecvSeq(); got != uint64(total) {
		t.Fatalf("recvSeq = %d, want %d (drops still count as received)", got, total)
	}
	release()

	deadline := time.After(2 * time.Second)
	played := 0
	for {
		select {
		case <-sink.played:
			played++
		case <-deadline:
			t.Fatal("renderer never drained")
		case <-time.After(100 * time.Millisecond):
			if played >= total {
				t.Fatalf("played %d frames, want fewer than %d accepted", played, total)
			}
			if played == 0 {
				t.Fatal("nothing played after release")
			}
			return
		}
	}
}
