package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies control message payload variants.
type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeListen  MessageType = "listen"
	TypeAbort   MessageType = "abort"
	TypeTTS     MessageType = "tts"
	TypeSTT     MessageType = "stt"
	TypeLLM     MessageType = "llm"
	TypeIoT     MessageType = "iot"
	TypeGoodbye MessageType = "goodbye"
)

// Listen states carried on TypeListen messages.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// Listen modes as they appear on the wire.
const (
	ListenModeManual   = "manual"
	ListenModeAuto     = "auto"
	ListenModeRealtime = "realtime"
)

// TTS states carried on TypeTTS messages.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
)

// Abort reasons carried on TypeAbort messages.
const (
	AbortReasonWakeWord         = "wake_word_detected"
	AbortReasonUserInterruption = "user_interruption"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioParams declares the codec settings negotiated in the hello handshake.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Hello is sent by the client when opening the audio channel; the peer
// answers with its own hello carrying the assigned session id.
type Hello struct {
	Type        MessageType `json:"type"`
	Version     int         `json:"version,omitempty"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id,omitempty"`
	AudioParams AudioParams `json:"audio_params,omitempty"`
}

type Listen struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
}

type Abort struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

type TTS struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	State     string      `json:"state"`
	Text      string      `json:"text,omitempty"`
}

type STT struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

type LLM struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Emotion   string      `json:"emotion"`
}

// IoT carries the device-control category in both directions: descriptors
// and states outbound, commands inbound.
type IoT struct {
	Type        MessageType     `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	Commands    []IoTCommand    `json:"commands,omitempty"`
}

type IoTCommand struct {
	Name       string          `json:"name"`
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type Goodbye struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ParseServerMessage decodes one inbound control message into its typed form.
// Unknown types are a protocol violation: the caller drops and logs them.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTTS:
		var msg TTS
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.State {
		case TTSStateStart, TTSStateStop, TTSStateSentenceStart:
		default:
			return nil, fmt.Errorf("invalid tts state %q", msg.State)
		}
		return msg, nil
	case TypeSTT:
		var msg STT
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeLLM:
		var msg LLM
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeIoT:
		var msg IoT
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeGoodbye:
		var msg Goodbye
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// NewClientHello builds the opening handshake message.
func NewClientHello(transport string, params AudioParams) Hello {
	return Hello{
		Type:        TypeHello,
		Version:     1,
		Transport:   transport,
		AudioParams: params,
	}
}

// NewStartListening builds the listen-start message for the given wire mode.
func NewStartListening(sessionID, mode string) Listen {
	return Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateStart, Mode: mode}
}

// NewStopListening builds the listen-stop message.
func NewStopListening(sessionID string) Listen {
	return Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateStop}
}

// NewWakeWordDetected reports a locally detected wake word to the peer.
func NewWakeWordDetected(sessionID, text string) Listen {
	return Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateDetect, Text: text}
}

// NewAbort builds the playback abort message.
func NewAbort(sessionID, reason string) Abort {
	return Abort{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// NewGoodbye builds the channel close message.
func NewGoodbye(sessionID string) Goodbye {
	return Goodbye{Type: TypeGoodbye, SessionID: sessionID}
}
