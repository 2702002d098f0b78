package transport

import (
	"context"
	"errors"

	"github.com/vesper-ai/vesper/internal/protocol"
)

// ErrNotConnected is returned by send operations when no carrier
// connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// Handlers receive inbound traffic and lifecycle notifications. All
// callbacks fire from the carrier's read goroutine; OnDisconnect fires
// at most once per established connection and never after a deliberate
// Disconnect.
type Handlers struct {
	OnControl    func(raw []byte)
	OnAudio      func(payload []byte)
	OnDisconnect func(err error)
}

// Transport is one carrier to the dialogue server. Connect performs
// the hello handshake and returns the server hello carrying the
// session id.
type Transport interface {
	Connect(ctx context.Context) (*protocol.Hello, error)
	Disconnect() error
	SendControl(msg any) error
	SendAudio(payload []byte) error
	Connected() bool
}
