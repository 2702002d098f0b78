package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesper-ai/vesper/internal/protocol"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsPingInterval  = 54 * time.Second
	wsOutboundDepth = 64
)

// WebsocketConfig carries everything needed to dial the dialogue
// server over a websocket.
type WebsocketConfig struct {
	URL          string
	AccessToken  string
	DeviceID     string
	ClientID     string
	HelloTimeout time.Duration
	AudioParams  protocol.AudioParams
}

// Websocket is the stream carrier. Text frames carry JSON control
// messages, binary frames carry encoded audio.
type Websocket struct {
	cfg      WebsocketConfig
	handlers Handlers
	dialer   websocket.Dialer

	mu   sync.Mutex
	sess *wsConn
}

// wsConn is the per-connection state. A fresh one is built on every
// Connect so a stale reader can never touch a newer connection.
type wsConn struct {
	conn      *websocket.Conn
	outbound  chan wsMessage
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	once      sync.Once
}

type wsMessage struct {
	kind    int
	payload []byte
}

func NewWebsocket(cfg WebsocketConfig, handlers Handlers) *Websocket {
	return &Websocket{
		cfg:      cfg,
		handlers: handlers,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HelloTimeout,
		},
	}
}

// Connect dials the server, performs the hello handshake, and starts
// the read and write loops. The returned server hello carries the
// session id for the opened channel.
func (w *Websocket) Connect(ctx context.Context) (*protocol.Hello, error) {
	w.mu.Lock()
	if w.sess != nil {
		w.mu.Unlock()
		return nil, errors.New("transport: websocket already connected")
	}
	w.mu.Unlock()

	header := http.Header{}
	if w.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	}
	header.Set("Device-Id", w.cfg.DeviceID)
	header.Set("Client-Id", w.cfg.ClientID)
	header.Set("Protocol-Version", "1")

	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	hello, err := w.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sess := &wsConn{
		conn:     conn,
		outbound: make(chan wsMessage, wsOutboundDepth),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.mu.Lock()
	w.sess = sess
	w.mu.Unlock()

	go w.readLoop(sess)
	go w.writeLoop(sess)
	return hello, nil
}

// handshake sends the client hello and waits for the server hello.
// Other message types arriving first are a protocol violation.
func (w *Websocket) handshake(ctx context.Context, conn *websocket.Conn) (*protocol.Hello, error) {
	hello := protocol.NewClientHello("websocket", w.cfg.AudioParams)
	raw, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(w.cfg.HelloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await server hello: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseServerMessage(payload)
		if err != nil {
			return nil, fmt.Errorf("server hello: %w", err)
		}
		ack, ok := msg.(protocol.Hello)
		if !ok {
			return nil, fmt.Errorf("expected hello, got %T", msg)
		}
		return &ack, nil
	}
}

func (w *Websocket) readLoop(sess *wsConn) {
	sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		kind, payload, err := sess.conn.ReadMessage()
		if err != nil {
			w.teardown(sess, err)
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		switch kind {
		case websocket.TextMessage:
			if w.handlers.OnControl != nil {
				w.handlers.OnControl(payload)
			}
		case websocket.BinaryMessage:
			if w.handlers.OnAudio != nil {
				w.handlers.OnAudio(payload)
			}
		}
	}
}

func (w *Websocket) writeLoop(sess *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sess.outbound:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteMessage(msg.kind, msg.payload); err != nil {
				w.teardown(sess, err)
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.teardown(sess, err)
				return
			}
		case <-sess.closing:
			w.drain(sess)
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			w.teardown(sess, nil)
			return
		case <-sess.done:
			return
		}
	}
}

// drain writes out everything queued at the moment the close was
// requested. New sends are already rejected because Disconnect has
// detached the session, so the loop is bounded by the queue depth.
func (w *Websocket) drain(sess *wsConn) {
	for {
		select {
		case msg := <-sess.outbound:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteMessage(msg.kind, msg.payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// teardown closes the connection exactly once and reports the failure
// unless Disconnect initiated it.
func (w *Websocket) teardown(sess *wsConn, err error) {
	sess.once.Do(func() {
		close(sess.done)
		sess.conn.Close()
		w.mu.Lock()
		if w.sess == sess {
			w.sess = nil
		}
		w.mu.Unlock()
		if err != nil && w.handlers.OnDisconnect != nil {
			w.handlers.OnDisconnect(err)
		}
	})
}

// Disconnect detaches the session so no new sends are accepted, then
// asks the write loop to drain queued messages and send the close
// frame. The write loop owns the connection, so nothing here writes
// to it directly.
func (w *Websocket) Disconnect() error {
	w.mu.Lock()
	sess := w.sess
	w.sess = nil
	w.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.closeOnce.Do(func() { close(sess.closing) })
	select {
	case <-sess.done:
	case <-time.After(wsWriteTimeout):
	}
	w.teardown(sess, nil)
	return nil
}

func (w *Websocket) SendControl(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.enqueue(wsMessage{kind: websocket.TextMessage, payload: raw})
}

func (w *Websocket) SendAudio(payload []byte) error {
	return w.enqueue(wsMessage{kind: websocket.BinaryMessage, payload: payload})
}

func (w *Websocket) enqueue(msg wsMessage) error {
	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	select {
	case sess.outbound <- msg:
		return nil
	case <-sess.done:
		return ErrNotConnected
	}
}

func (w *Websocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sess != nil
}
