package session

import (
	"github.com/vesper-ai/vesper/internal/activation"
	"github.com/vesper-ai/vesper/internal/detect"
	"github.com/vesper-ai/vesper/internal/protocol"
)

// Every mutation of the engine flows through exactly one of these
// event values, posted to the loop channel and consumed by a single
// goroutine.

type detectionEvent struct {
	ev      detect.Event
	bargeIn bool
}

type controlEvent struct {
	raw []byte
}

type disconnectEvent struct {
	err error
}

// IntentAction is a user-originated command entering the event path.
type IntentAction string

const (
	IntentStart  IntentAction = "start"
	IntentStop   IntentAction = "stop"
	IntentToggle IntentAction = "toggle"
	IntentAbort  IntentAction = "abort"
	IntentMode   IntentAction = "mode"
)

type intentEvent struct {
	action IntentAction
	mode   string
}

type openResultEvent struct {
	hello      *protocol.Hello
	err        error
	wakePhrase string
}

type timerKind int

const (
	timerSilence timerKind = iota
	timerActivationRetry
)

type timerEvent struct {
	kind timerKind
	gen  uint64
}

type activationResultEvent struct {
	ident activation.Identity
	err   error
}
