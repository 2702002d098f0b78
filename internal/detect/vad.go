package detect

import (
	"time"

	"github.com/vesper-ai/vesper/internal/audio"
)

// Classifier labels a single frame as speech or not. Implementations
// wrap model-based detectors; EnergyClassifier is the built-in default.
type Classifier interface {
	IsSpeech(pcm []int16) bool
}

// EnergyClassifier labels a frame as speech when its RMS amplitude
// exceeds Threshold.
type EnergyClassifier struct {
	Threshold float64
}

func (c EnergyClassifier) IsSpeech(pcm []int16) bool {
	return audio.Energy(pcm) > c.Threshold
}

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	// SpeechFrames is how many consecutive speech frames confirm a
	// speech start.
	SpeechFrames int
	// SilenceFrames is how many consecutive silent frames confirm a
	// speech end.
	SilenceFrames int
	// WindowSize bounds the frame history used for the confidence
	// estimate.
	WindowSize int
	// EnergyThreshold gates frames in addition to the classifier. A
	// frame counts as speech only when both agree.
	EnergyThreshold float64
}

// VAD turns per-frame speech labels into debounced start and end
// events. A single VAD instance is driven from one goroutine.
type VAD struct {
	cfg        VADConfig
	classifier Classifier

	inSpeech   bool
	speechRun  int
	silenceRun int
	history    []bool
}

func NewVAD(cfg VADConfig, classifier Classifier) *VAD {
	if classifier == nil {
		classifier = EnergyClassifier{Threshold: cfg.EnergyThreshold}
	}
	return &VAD{cfg: cfg, classifier: classifier}
}

// Process consumes one capture frame. It returns an event and true
// exactly when the frame flips the debounced speech state.
func (v *VAD) Process(frame audio.Frame) (Event, bool) {
	speech := v.classifier.IsSpeech(frame.PCM) &&
		audio.Energy(frame.PCM) > v.cfg.EnergyThreshold

	v.history = append(v.history, speech)
	if len(v.history) > v.cfg.WindowSize {
		v.history = v.history[1:]
	}

	if speech {
		v.speechRun++
		v.silenceRun = 0
	} else {
		v.silenceRun++
		v.speechRun = 0
	}

	now := frame.Captured
	if now.IsZero() {
		now = time.Now()
	}

	if !v.inSpeech && v.speechRun >= v.cfg.SpeechFrames {
		v.inSpeech = true
		return Event{Kind: KindSpeechStart, Confidence: v.speechRatio(), Timestamp: now}, true
	}
	if v.inSpeech && v.silenceRun >= v.cfg.SilenceFrames {
		v.inSpeech = false
		return Event{Kind: KindSpeechEnd, Confidence: 1 - v.speechRatio(), Timestamp: now}, true
	}
	return Event{}, false
}

// InSpeech reports whether the detector currently considers the user
// to be speaking.
func (v *VAD) InSpeech() bool { return v.inSpeech }

// Reset clears all debounce state. It is called when a listen cycle
// starts so a previous utterance cannot bleed into the next.
func (v *VAD) Reset() {
	v.inSpeech = false
	v.speechRun = 0
	v.silenceRun = 0
	v.history = v.history[:0]
}

func (v *VAD) speechRatio() float64 {
	if len(v.history) == 0 {
		return 0
	}
	n := 0
	for _, s := range v.history {
		if s {
			n++
		}
	}
	return float64(n) / float64(len(v.history))
}

// BargeIn detects the user talking over assistant playback. It is
// stricter than the main VAD so speaker bleed does not interrupt the
// response.
type BargeIn struct {
	frames    int
	threshold float64
	run       int
}

func NewBargeIn(frames int, energyThreshold float64) *BargeIn {
	return &BargeIn{frames: frames, threshold: energyThreshold}
}

// Process consumes one capture frame observed during playback and
// reports whether an interruption is confirmed.
func (b *BargeIn) Process(frame audio.Frame) bool {
	if audio.Energy(frame.PCM) > b.threshold {
		b.run++
	} else {
		b.run = 0
	}
	if b.run >= b.frames {
		b.run = 0
		return true
	}
	return false
}

func (b *BargeIn) Reset() { b.run = 0 }
