package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesper-ai/vesper/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialServer runs srv, turning the http URL into a ws URL.
func dialServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// helloServer upgrades, validates the client hello, and answers with a
// server hello carrying sessionID. extra runs afterwards with the
// live connection.
func helloServer(t *testing.T, sessionID string, extra func(*websocket.Conn)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Device-Id"); got != "dev-1" {
			t.Errorf("Device-Id header = %q, want dev-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization header = %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var hello protocol.Hello
		if err := conn.ReadJSON(&hello); err != nil {
			t.Errorf("read client hello: %v", err)
			return
		}
		if hello.Type != protocol.TypeHello || hello.Transport != "websocket" {
			t.Errorf("client hello = %+v", hello)
		}
		ack := protocol.Hello{Type: protocol.TypeHello, Transport: "websocket", SessionID: sessionID}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		if extra != nil {
			extra(conn)
		}
	}
}

func testWSConfig(url string) WebsocketConfig {
	return WebsocketConfig{
		URL:          url,
		AccessToken:  "tok",
		DeviceID:     "dev-1",
		ClientID:     "client-1",
		HelloTimeout: 2 * time.Second,
		AudioParams:  protocol.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20},
	}
}

func TestWebsocketConnectHandshake(t *testing.T) {
	done := make(chan struct{})
	url := dialServer(t, helloServer(t, "sess-42", func(conn *websocket.Conn) {
		<-done
	}))
	ws := NewWebsocket(testWSConfig(url), Handlers{})
	defer close(done)

	hello, err := ws.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if hello.SessionID != "sess-42" {
		t.Fatalf("session id = %q, want sess-42", hello.SessionID)
	}
	if !ws.Connected() {
		t.Fatal("Connected() = false after Connect")
	}
	if err := ws.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if ws.Connected() {
		t.Fatal("Connected() = true after Disconnect")
	}
}

func TestWebsocketRoutesTextAndBinary(t *testing.T) {
	controlCh := make(chan []byte, 1)
	audioCh := make(chan []byte, 1)
	url := dialServer(t, helloServer(t, "s", func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tts","state":"start"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		time.Sleep(100 * time.Millisecond)
	}))
	ws := NewWebsocket(testWSConfig(url), Handlers{
		OnControl: func(raw []byte) { controlCh <- raw },
		OnAudio:   func(p []byte) { audioCh <- p },
	})
	if _, err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Disconnect()

	select {
	case raw := <-controlCh:
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != protocol.TypeTTS {
			t.Fatalf("control payload %s, err %v", raw, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no control message delivered")
	}
	select {
	case p := <-audioCh:
		if len(p) != 3 {
			t.Fatalf("audio payload length = %d, want 3", len(p))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio payload delivered")
	}
}

func TestWebsocketSendControl(t *testing.T) {
	got := make(chan protocol.Listen, 1)
	url := dialServer(t, helloServer(t, "s", func(conn *websocket.Conn) {
		var listen protocol.Listen
		if err := conn.ReadJSON(&listen); err == nil {
			got <- listen
		}
	}))
	ws := NewWebsocket(testWSConfig(url), Handlers{})
	if _, err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Disconnect()

	if err := ws.SendControl(protocol.NewStartListening("s", protocol.ListenModeAuto)); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	select {
	case listen := <-got:
		if listen.State != protocol.ListenStateStart || listen.Mode != protocol.ListenModeAuto {
			t.Fatalf("server received %+v", listen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the control message")
	}
}

func TestWebsocketDisconnectEventFiresOnce(t *testing.T) {
	var fired atomic.Int32
	url := dialServer(t, helloServer(t, "s", func(conn *websocket.Conn) {
		// Returning closes the connection under the client.
	}))
	notified := make(chan struct{}, 2)
	ws := NewWebsocket(testWSConfig(url), Handlers{
		OnDisconnect: func(err error) {
			fired.Add(1)
			notified <- struct{}{}
		},
	})
	if _, err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired")
	}
	// Give a duplicate notification time to arrive, then check the count.
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("disconnect handler fired %d times, want 1", n)
	}
	if ws.Connected() {
		t.Fatal("Connected() = true after remote close")
	}
}

func TestWebsocketDisconnectFlushesQueuedWrites(t *testing.T) {
	got := make(chan protocol.Goodbye, 1)
	closed := make(chan struct{})
	url := dialServer(t, helloServer(t, "s", func(conn *websocket.Conn) {
		var bye protocol.Goodbye
		if err := conn.ReadJSON(&bye); err == nil {
			got <- bye
		}
		// The next read fails with the close frame sent by Disconnect.
		conn.ReadMessage()
		close(closed)
	}))
	ws := NewWebsocket(testWSConfig(url), Handlers{})
	if _, err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := ws.SendControl(protocol.NewGoodbye("s")); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if err := ws.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case bye := <-got:
		if bye.SessionID != "s" {
			t.Fatalf("server received %+v", bye)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued goodbye was dropped on disconnect")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
}

func TestWebsocketDisconnectDuringSendBurst(t *testing.T) {
	url := dialServer(t, helloServer(t, "s", func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	ws := NewWebsocket(testWSConfig(url), Handlers{})
	if _, err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stop := make(chan struct{})
	burstDone := make(chan struct{})
	go func() {
		defer close(burstDone)
		payload := make([]byte, 64)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := ws.SendAudio(payload); err != nil {
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ws.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(stop)
	select {
	case <-burstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("sender stuck after disconnect")
	}
	if err := ws.SendAudio([]byte{1}); err != ErrNotConnected {
		t.Fatalf("SendAudio after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestWebsocketSendWhileDisconnected(t *testing.T) {
	ws := NewWebsocket(testWSConfig("ws://127.0.0.1:1/nope"), Handlers{})
	if err := ws.SendAudio([]byte{1}); err != ErrNotConnected {
		t.Fatalf("SendAudio error = %v, want ErrNotConnected", err)
	}
	if err := ws.SendControl(struct{}{}); err != ErrNotConnected {
		t.Fatalf("SendControl error = %v, want ErrNotConnected", err)
	}
}
