package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/activation"
	"github.com/vesper-ai/vesper/internal/audio"
	"github.com/vesper-ai/vesper/internal/config"
	"github.com/vesper-ai/vesper/internal/detect"
	"github.com/vesper-ai/vesper/internal/iot"
	"github.com/vesper-ai/vesper/internal/observability"
	"github.com/vesper-ai/vesper/internal/protocol"
	"github.com/vesper-ai/vesper/internal/transport"
)

const eventQueueDepth = 256

// Dialer opens a carrier connection. The reconnect supervisor
// satisfies this; the engine itself never retries.
type Dialer interface {
	Open(ctx context.Context) (*protocol.Hello, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (*protocol.Hello, error)

func (f DialFunc) Open(ctx context.Context) (*protocol.Hello, error) { return f(ctx) }

// Listener observes state transitions. Callbacks run on the event
// loop goroutine and must not block.
type Listener func(from, to State)

// Options wires the engine's collaborators.
type Options struct {
	Config    config.Config
	Source    audio.Source
	Sink      audio.Sink
	Codec     audio.Codec
	VAD       *detect.VAD
	BargeIn   *detect.BargeIn
	Matcher   *detect.Matcher
	Activator activation.Activator
	Registry  *iot.Registry
	Metrics   *observability.Metrics
	Log       zerolog.Logger

	// OnTerminal fires exactly once if activation retries are
	// exhausted. Optional.
	OnTerminal func(error)
}

// Engine is the voice session state machine. All state mutations run
// on one goroutine consuming the event channel; the capture and
// playback paths touch the engine only through atomic snapshots and
// the channel's frame gate.
type Engine struct {
	cfg       config.Config
	source    audio.Source
	sink      audio.Sink
	codec     audio.Codec
	vad       *detect.VAD
	bargeIn   *detect.BargeIn
	matcher   *detect.Matcher
	activator activation.Activator
	registry  *iot.Registry
	metrics   *observability.Metrics
	log       zerolog.Logger

	carrier transport.Transport
	dialer  Dialer

	events  chan any
	runCtx  context.Context
	channel atomic.Pointer[Channel]

	// mirrors of loop-owned state, for the frame pump and Snapshot
	stateAtomic   atomic.Value // State
	modeAtomic    atomic.Value // string
	emotionAtomic atomic.Value // string
	detectorReset atomic.Bool
	invariantBad  atomic.Int64

	// loop-owned
	state              State
	mode               string
	keepListening      bool
	silenceGen         uint64
	silenceTimer       *time.Timer
	activationAttempts int
	terminalReported   bool
	identity           activation.Identity
	listeners          []Listener
	onTerminal         func(error)
}

func New(opts Options) *Engine {
	e := &Engine{
		cfg:        opts.Config,
		source:     opts.Source,
		sink:       opts.Sink,
		codec:      opts.Codec,
		vad:        opts.VAD,
		bargeIn:    opts.BargeIn,
		matcher:    opts.Matcher,
		activator:  opts.Activator,
		registry:   opts.Registry,
		metrics:    opts.Metrics,
		log:        opts.Log,
		events:     make(chan any, eventQueueDepth),
		state:      StateStarting,
		mode:       opts.Config.ListenMode,
		onTerminal: opts.OnTerminal,
	}
	e.stateAtomic.Store(StateStarting)
	e.modeAtomic.Store(e.mode)
	e.emotionAtomic.Store("")
	return e
}

// TransportHandlers returns the callbacks a carrier needs. Inbound
// audio bypasses the event loop and hits the channel's frame gate
// directly.
func (e *Engine) TransportHandlers() transport.Handlers {
	return transport.Handlers{
		OnControl: func(raw []byte) { e.post(controlEvent{raw: raw}) },
		OnAudio: func(payload []byte) {
			if ch := e.channel.Load(); ch != nil {
				ch.AcceptPlayback(payload)
			}
		},
		OnDisconnect: func(err error) { e.post(disconnectEvent{err: err}) },
	}
}

// Bind attaches the carrier and its dialer. Must be called before Run.
func (e *Engine) Bind(carrier transport.Transport, dialer Dialer) {
	e.carrier = carrier
	e.dialer = dialer
}

// AddListener registers a transition observer. Must be called before
// Run.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// CurrentState returns the engine state as last published by the
// event loop.
func (e *Engine) CurrentState() State {
	return e.stateAtomic.Load().(State)
}

// Snapshot is the read model exposed over the control API.
type Snapshot struct {
	State     State  `json:"state"`
	Channel   string `json:"channel"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode"`
	Emotion   string `json:"emotion,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		State:   e.CurrentState(),
		Channel: ChannelClosed.String(),
		Mode:    e.modeAtomic.Load().(string),
		Emotion: e.emotionAtomic.Load().(string),
	}
	if ch := e.channel.Load(); ch != nil {
		snap.Channel = ch.State().String()
		snap.SessionID = ch.SessionID()
	}
	return snap
}

// Intent posts a user command into the serialized event path.
func (e *Engine) Intent(action IntentAction, mode string) {
	e.post(intentEvent{action: action, mode: mode})
}

// OnTranscript feeds recognized text to the wake-word matcher.
// Recognizer failures upstream simply stop transcripts from arriving;
// the engine keeps running.
func (e *Engine) OnTranscript(text string) {
	if e.matcher == nil || !e.cfg.UseWakeWord {
		return
	}
	phrase, conf, ok := e.matcher.Match(text)
	if !ok {
		return
	}
	e.post(detectionEvent{ev: detect.Event{
		Kind:       detect.KindWake,
		Phrase:     phrase,
		Confidence: conf,
		Timestamp:  time.Now(),
	}})
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.carrier == nil || e.dialer == nil {
		return errors.New("session: engine not bound to a transport")
	}
	e.runCtx = ctx

	if err := e.source.Start(ctx); err != nil {
		return err
	}
	go e.pumpCapture(ctx)

	e.transition(StateActivating)
	e.startActivation()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) post(ev any) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Type("event", ev).Msg("event queue full, event dropped")
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case activationResultEvent:
		e.handleActivationResult(ev)
	case detectionEvent:
		e.handleDetection(ev)
	case controlEvent:
		e.handleControl(ev.raw)
	case disconnectEvent:
		e.handleDisconnect(ev.err)
	case intentEvent:
		e.handleIntent(ev)
	case openResultEvent:
		e.handleOpenResult(ev)
	case timerEvent:
		e.handleTimer(ev)
	default:
		e.log.Warn().Type("event", ev).Msg("unhandled event")
	}
}

// transition moves the engine to a new state, publishes it, and
// verifies the channel ownership invariant.
func (e *Engine) transition(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.stateAtomic.Store(to)
	e.metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to.active() {
		e.metrics.ActiveChannel.Set(1)
	} else {
		e.metrics.ActiveChannel.Set(0)
	}
	if to.active() != (e.channel.Load() != nil) {
		e.invariantBad.Add(1)
		e.log.Error().Str("state", string(to)).Msg("channel ownership invariant violated")
	}
	e.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	for _, l := range e.listeners {
		l(from, to)
	}
}

// --- activation ---

func (e *Engine) startActivation() {
	go func() {
		ident, err := e.activator.Activate(e.runCtx)
		e.post(activationResultEvent{ident: ident, err: err})
	}()
}

func (e *Engine) handleActivationResult(ev activationResultEvent) {
	if e.state != StateActivating {
		return
	}
	if ev.err == nil {
		e.identity = ev.ident
		e.log.Info().Str("device_id", ev.ident.DeviceID).Msg("device activated")
		e.transition(StateIdle)
		return
	}
	e.activationAttempts++
	if e.activationAttempts >= e.cfg.ActivationRetries {
		if !e.terminalReported {
			e.terminalReported = true
			e.log.Error().Err(ev.err).Int("attempts", e.activationAttempts).
				Msg("activation failed, manual intervention required")
			if e.onTerminal != nil {
				e.onTerminal(ev.err)
			}
		}
		return
	}
	e.log.Warn().Err(ev.err).Int("attempt", e.activationAttempts).Msg("activation not confirmed")
	time.AfterFunc(e.cfg.ActivationInterval, func() {
		e.post(timerEvent{kind: timerActivationRetry})
	})
}

// --- channel lifecycle ---

func (e *Engine) openChannel(wakePhrase string) {
	ch := newChannel(e.carrier, e.codec, e.sink, e.metrics, e.log)
	e.channel.Store(ch)
	e.transition(StateConnecting)
	start := time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.OpenChannelTimeout)
		defer cancel()
		hello, err := e.dialer.Open(ctx)
		if err == nil {
			e.metrics.ObserveOpenChannelLatency(time.Since(start))
		}
		e.post(openResultEvent{hello: hello, err: err, wakePhrase: wakePhrase})
	}()
}

func (e *Engine) handleOpenResult(ev openResultEvent) {
	if e.state != StateConnecting {
		if ev.err == nil {
			e.carrier.Disconnect()
		}
		return
	}
	if ev.err != nil {
		e.log.Warn().Err(ev.err).Msg("open channel failed")
		e.destroyChannel(false)
		e.transition(StateIdle)
		return
	}
	ch := e.channel.Load()
	ch.setSessionID(ev.hello.SessionID)
	ch.setState(ChannelOpened)
	e.log.Info().Str("session_id", ev.hello.SessionID).Msg("audio channel opened")

	e.sendDescriptors(ch)
	e.registry.ResetReported()
	e.sendIoTStates(ch)
	if ev.wakePhrase != "" {
		e.sendControl(protocol.NewWakeWordDetected(ch.SessionID(), ev.wakePhrase))
	}
	e.startListening(ch)
}

// startListening arms a fresh listen cycle on an opened channel.
func (e *Engine) startListening(ch *Channel) {
	e.sendControl(protocol.NewStartListening(ch.SessionID(), wireListenMode(e.mode)))
	e.detectorReset.Store(true)
	ch.setState(ChannelRecording)
	e.transition(StateListening)
	e.startSilenceTimer()
}

func (e *Engine) destroyChannel(sendGoodbye bool) {
	ch := e.channel.Load()
	if ch == nil {
		return
	}
	if sendGoodbye && e.carrier.Connected() {
		e.sendControl(protocol.NewGoodbye(ch.SessionID()))
	}
	ch.Close()
	e.carrier.Disconnect()
	e.channel.Store(nil)
	e.stopSilenceTimer()
}

func (e *Engine) closeToIdle(sendGoodbye bool) {
	e.destroyChannel(sendGoodbye)
	e.transition(StateIdle)
}

// --- detection ---

func (e *Engine) handleDetection(ev detectionEvent) {
	e.metrics.DetectionEvents.WithLabelValues(string(ev.ev.Kind)).Inc()
	if ev.bargeIn {
		if e.state == StateSpeaking {
			e.interruptPlayback(protocol.AbortReasonUserInterruption)
		}
		return
	}
	switch ev.ev.Kind {
	case detect.KindWake:
		e.handleWake(ev.ev)
	case detect.KindSpeechStart:
		if e.state == StateListening {
			e.stopSilenceTimer()
		}
	case detect.KindSpeechEnd:
		// Push-to-talk ends on explicit release, not on detected silence.
		if e.state == StateListening && e.mode != config.ModePushToTalk {
			e.finishListening()
		}
	}
}

func (e *Engine) handleWake(ev detect.Event) {
	e.log.Info().Str("phrase", ev.Phrase).Float64("confidence", ev.Confidence).Msg("wake word")
	switch e.state {
	case StateIdle:
		e.keepListening = e.mode != config.ModePushToTalk
		e.openChannel(ev.Phrase)
	case StateSpeaking:
		e.interruptPlayback(protocol.AbortReasonWakeWord)
	}
}

// finishListening hands the utterance to the server and waits for the
// response.
func (e *Engine) finishListening() {
	ch := e.channel.Load()
	if ch == nil {
		return
	}
	e.stopSilenceTimer()
	e.sendControl(protocol.NewStopListening(ch.SessionID()))
	ch.setState(ChannelProcessing)
	e.transition(StateSpeaking)
}

// interruptPlayback aborts the assistant mid-response and reopens the
// microphone on the same channel.
func (e *Engine) interruptPlayback(reason string) {
	ch := e.channel.Load()
	if ch == nil {
		return
	}
	e.sendControl(protocol.NewAbort(ch.SessionID(), reason))
	ch.FlushPlayback()
	e.startListening(ch)
}

// --- control messages ---

func (e *Engine) handleControl(raw []byte) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		e.log.Warn().Err(err).Msg("control message dropped")
		return
	}
	switch msg := msg.(type) {
	case protocol.TTS:
		e.handleTTS(msg)
	case protocol.STT:
		e.log.Info().Str("text", msg.Text).Msg("transcript")
	case protocol.LLM:
		e.emotionAtomic.Store(msg.Emotion)
	case protocol.IoT:
		e.handleIoTCommands(msg)
	case protocol.Goodbye:
		if e.state.active() {
			e.closeToIdle(false)
		}
	case protocol.Hello:
		e.log.Warn().Msg("unexpected hello outside handshake")
	}
}

func (e *Engine) handleTTS(msg protocol.TTS) {
	switch msg.State {
	case protocol.TTSStateStart:
		if e.state == StateListening {
			// The server can cut in before local end-of-speech.
			e.finishListening()
		}
	case protocol.TTSStateSentenceStart:
		e.log.Debug().Str("text", msg.Text).Msg("assistant sentence")
	case protocol.TTSStateStop:
		if e.state != StateSpeaking {
			return
		}
		ch := e.channel.Load()
		if e.keepListening && e.mode != config.ModePushToTalk && ch != nil {
			e.startListening(ch)
			return
		}
		e.closeToIdle(true)
	}
}

func (e *Engine) handleIoTCommands(msg protocol.IoT) {
	ch := e.channel.Load()
	for _, cmd := range msg.Commands {
		result, err := e.registry.Invoke(cmd.Name, cmd.Method, cmd.Parameters)
		if err != nil {
			e.metrics.IoTCommands.WithLabelValues(cmd.Name, "error").Inc()
			e.log.Warn().Err(err).Str("thing", cmd.Name).Str("method", cmd.Method).
				Msg("device command failed")
			continue
		}
		e.metrics.IoTCommands.WithLabelValues(cmd.Name, "ok").Inc()
		e.log.Info().Str("thing", cmd.Name).Str("method", cmd.Method).
			Interface("result", result).Msg("device command")
	}
	if ch != nil {
		e.sendIoTStates(ch)
	}
}

func (e *Engine) sendDescriptors(ch *Channel) {
	raw, err := json.Marshal(e.registry.Descriptors())
	if err != nil {
		e.log.Warn().Err(err).Msg("marshal descriptors")
		return
	}
	e.sendControl(protocol.IoT{
		Type:        protocol.TypeIoT,
		SessionID:   ch.SessionID(),
		Descriptors: raw,
	})
}

func (e *Engine) sendIoTStates(ch *Channel) {
	changed := e.registry.ChangedStates()
	if len(changed) == 0 {
		return
	}
	raw, err := json.Marshal(changed)
	if err != nil {
		e.log.Warn().Err(err).Msg("marshal states")
		return
	}
	e.sendControl(protocol.IoT{
		Type:      protocol.TypeIoT,
		SessionID: ch.SessionID(),
		States:    raw,
	})
}

// --- transport & intents ---

func (e *Engine) handleDisconnect(err error) {
	if !e.state.active() {
		return
	}
	e.log.Warn().Err(err).Msg("transport disconnected")
	e.closeToIdle(false)
}

func (e *Engine) handleIntent(ev intentEvent) {
	switch ev.action {
	case IntentStart:
		if e.state == StateIdle {
			e.keepListening = e.mode != config.ModePushToTalk
			e.openChannel("")
		}
	case IntentStop:
		if e.state == StateListening {
			e.finishListening()
		}
	case IntentToggle:
		switch e.state {
		case StateIdle:
			e.keepListening = e.mode != config.ModePushToTalk
			e.openChannel("")
		case StateConnecting, StateListening:
			e.closeToIdle(true)
		case StateSpeaking:
			e.abortToIdle()
		}
	case IntentAbort:
		if e.state == StateSpeaking {
			e.abortToIdle()
		}
	case IntentMode:
		if e.state == StateIdle && ev.mode != "" {
			e.mode = ev.mode
			e.modeAtomic.Store(ev.mode)
		}
	}
}

func (e *Engine) abortToIdle() {
	if ch := e.channel.Load(); ch != nil {
		e.sendControl(protocol.NewAbort(ch.SessionID(), protocol.AbortReasonUserInterruption))
		ch.FlushPlayback()
	}
	e.closeToIdle(true)
}

// --- timers ---

func (e *Engine) startSilenceTimer() {
	e.stopSilenceTimer()
	gen := e.silenceGen
	e.silenceTimer = time.AfterFunc(e.cfg.SilenceTimeout, func() {
		e.post(timerEvent{kind: timerSilence, gen: gen})
	})
}

func (e *Engine) stopSilenceTimer() {
	if e.silenceTimer != nil {
		e.silenceTimer.Stop()
		e.silenceTimer = nil
	}
	e.silenceGen++
}

func (e *Engine) handleTimer(ev timerEvent) {
	switch ev.kind {
	case timerSilence:
		if ev.gen != e.silenceGen || e.state != StateListening {
			return
		}
		e.metrics.DetectionEvents.WithLabelValues(string(detect.KindSilenceTimeout)).Inc()
		e.log.Info().Msg("silence timeout")
		e.closeToIdle(true)
	case timerActivationRetry:
		if e.state == StateActivating && !e.terminalReported {
			e.startActivation()
		}
	}
}

// --- capture pump ---

// pumpCapture runs the frame path. Only this goroutine touches the
// detectors.
func (e *Engine) pumpCapture(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-e.source.Frames():
			if !ok {
				return
			}
			if e.detectorReset.Swap(false) {
				e.vad.Reset()
				e.bargeIn.Reset()
			}
			switch e.CurrentState() {
			case StateListening:
				if ch := e.channel.Load(); ch != nil {
					if err := ch.ForwardCapture(frame); err != nil {
						e.log.Warn().Err(err).Msg("forward capture frame")
					}
				}
				if ev, fired := e.vad.Process(frame); fired {
					e.post(detectionEvent{ev: ev})
				}
			case StateSpeaking:
				if e.bargeIn.Process(frame) {
					e.post(detectionEvent{
						ev:      detect.Event{Kind: detect.KindSpeechStart, Timestamp: time.Now()},
						bargeIn: true,
					})
				}
			}
		}
	}
}

func (e *Engine) sendControl(msg any) {
	if err := e.carrier.SendControl(msg); err != nil {
		e.log.Warn().Err(err).Msg("send control message")
	}
}

func (e *Engine) shutdown() {
	e.destroyChannel(true)
	e.source.Stop()
	e.sink.Close()
}

func wireListenMode(mode string) string {
	switch mode {
	case config.ModePushToTalk:
		return protocol.ListenModeManual
	case config.ModeWakeWord:
		return protocol.ListenModeRealtime
	default:
		return protocol.ListenModeAuto
	}
}
