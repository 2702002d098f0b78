package session

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/audio"
	"github.com/vesper-ai/vesper/internal/observability"
	"github.com/vesper-ai/vesper/internal/transport"
)

const playbackQueueDepth = 32

// Channel is the audio path for one opened session. Its state is read
// atomically on the frame paths so capture and playback never contend
// with the event loop.
type Channel struct {
	sessionID atomic.Value // string

	state   atomic.Int32
	sentSeq atomic.Uint64
	recvSeq atomic.Uint64

	carrier transport.Transport
	codec   audio.Codec
	sink    audio.Sink
	metrics *observability.Metrics
	log     zerolog.Logger

	playback  chan audio.Frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newChannel(carrier transport.Transport, codec audio.Codec, sink audio.Sink, metrics *observability.Metrics, log zerolog.Logger) *Channel {
	c := &Channel{
		carrier:  carrier,
		codec:    codec,
		sink:     sink,
		metrics:  metrics,
		log:      log,
		playback: make(chan audio.Frame, playbackQueueDepth),
		done:     make(chan struct{}),
	}
	c.sessionID.Store("")
	c.state.Store(int32(ChannelOpening))
	c.wg.Add(1)
	go c.renderLoop()
	return c
}

func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

func (c *Channel) setState(s ChannelState) {
	c.state.Store(int32(s))
}

func (c *Channel) SessionID() string { return c.sessionID.Load().(string) }

func (c *Channel) setSessionID(id string) { c.sessionID.Store(id) }

func (c *Channel) SentSeq() uint64 { return c.sentSeq.Load() }

func (c *Channel) RecvSeq() uint64 { return c.recvSeq.Load() }

// ForwardCapture encodes one capture frame and hands it to the
// carrier. Frames arriving outside RECORDING are dropped and counted.
func (c *Channel) ForwardCapture(frame audio.Frame) error {
	if c.State() != ChannelRecording {
		c.metrics.FramesDropped.WithLabelValues("gate_closed").Inc()
		return nil
	}
	payload, err := c.codec.Encode(frame.PCM)
	if err != nil {
		return err
	}
	if err := c.carrier.SendAudio(payload); err != nil {
		return err
	}
	c.sentSeq.Add(1)
	c.metrics.FramesSent.Inc()
	return nil
}

// AcceptPlayback takes one inbound audio payload. The first frame in
// PROCESSING promotes the channel to PLAYING. Frames in any other
// state are dropped; under backpressure the oldest queued frame gives
// way so playback stays near real time.
func (c *Channel) AcceptPlayback(payload []byte) {
	switch c.State() {
	case ChannelProcessing:
		c.state.CompareAndSwap(int32(ChannelProcessing), int32(ChannelPlaying))
	case ChannelPlaying:
	default:
		c.metrics.FramesDropped.WithLabelValues("gate_closed").Inc()
		c.log.Debug().Str("channel_state", c.State().String()).Msg("playback frame dropped")
		return
	}
	pcm, err := c.codec.Decode(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("undecodable playback frame dropped")
		return
	}
	c.recvSeq.Add(1)
	frame := audio.Frame{PCM: pcm, Encoded: payload}
	select {
	case c.playback <- frame:
		return
	default:
	}
	select {
	case <-c.playback:
		c.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
	default:
	}
	select {
	case c.playback <- frame:
	default:
	}
}

// FlushPlayback discards queued frames. Used on barge-in so stale
// assistant audio stops immediately.
func (c *Channel) FlushPlayback() {
	for {
		select {
		case <-c.playback:
		default:
			c.sink.Flush()
			return
		}
	}
}

func (c *Channel) renderLoop() {
	defer c.wg.Done()
	for {
		select {
		case frame := <-c.playback:
			if err := c.sink.Play(frame); err != nil {
				c.log.Warn().Err(err).Msg("render failed")
			}
		case <-c.done:
			return
		}
	}
}

// Close moves the channel to CLOSING, waits for the render loop to
// drain, and lands in CLOSED. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.setState(ChannelClosing)
		close(c.done)
		c.wg.Wait()
		c.sink.Flush()
		c.setState(ChannelClosed)
	})
}
