package transport

import (
	"context"
	"sync"

	"github.com/vesper-ai/vesper/internal/protocol"
)

// Fake is an in-memory Transport for tests. Inbound traffic is
// injected with ServerControl/ServerAudio/DropConnection; outbound
// traffic is recorded.
type Fake struct {
	handlers Handlers

	mu          sync.Mutex
	connected   bool
	connects    int
	failures    int
	hello       protocol.Hello
	sentControl []any
	sentAudio   [][]byte
}

// NewFake returns a fake carrier that answers Connect with the given
// session id.
func NewFake(sessionID string, handlers Handlers) *Fake {
	return &Fake{
		handlers: handlers,
		hello: protocol.Hello{
			Type:      protocol.TypeHello,
			Transport: "fake",
			SessionID: sessionID,
		},
	}
}

// FailConnects makes the next n Connect calls fail.
func (f *Fake) FailConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *Fake) Connect(ctx context.Context) (*protocol.Hello, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failures > 0 {
		f.failures--
		return nil, ErrNotConnected
	}
	f.connected = true
	hello := f.hello
	return &hello, nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) SendControl(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sentControl = append(f.sentControl, msg)
	return nil
}

func (f *Fake) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sentAudio = append(f.sentAudio, buf)
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) SentControl() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sentControl))
	copy(out, f.sentControl)
	return out
}

func (f *Fake) SentAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sentAudio))
	copy(out, f.sentAudio)
	return out
}

// ServerControl injects an inbound control message.
func (f *Fake) ServerControl(raw []byte) {
	if f.handlers.OnControl != nil {
		f.handlers.OnControl(raw)
	}
}

// ServerAudio injects an inbound audio payload.
func (f *Fake) ServerAudio(payload []byte) {
	if f.handlers.OnAudio != nil {
		f.handlers.OnAudio(payload)
	}
}

// DropConnection simulates the carrier failing underneath the client.
func (f *Fake) DropConnection(err error) {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()
	if wasConnected && f.handlers.OnDisconnect != nil {
		f.handlers.OnDisconnect(err)
	}
}
