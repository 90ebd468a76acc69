package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antonkrylov/execgate/internal/dispatch"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  int
	argv   []string
	attach bool
	ep     dispatch.Endpoint
	err    error
}

func (d *fakeDispatcher) StartExec(_ context.Context, _ string, argv []string, attach bool) (dispatch.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.argv = argv
	d.attach = attach
	return d.ep, d.err
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// echoBackend serves one connection that echoes everything it reads,
// then closes once the peer half-closes.
func echoBackend(t *testing.T) dispatch.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()
	return endpointOf(t, l)
}

func endpointOf(t *testing.T, l net.Listener) dispatch.Endpoint {
	t.Helper()
	addr := l.Addr().(*net.TCPAddr)
	return dispatch.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

// serveSession runs a session per request against the given dispatcher
// and reports each Run result on the returned channel.
func serveSession(t *testing.T, d Dispatcher) (*httptest.Server, <-chan error) {
	t.Helper()
	return serveSessionOpts(t, Options{MachineID: "mach-1", Dispatcher: d})
}

func serveSessionOpts(t *testing.T, opts Options) (*httptest.Server, <-chan error) {
	t.Helper()
	done := make(chan error, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := New(opts)
		done <- sess.Run(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, done
}

func dialSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if got := conn.Subprotocol(); got != Subprotocol {
		t.Fatalf("negotiated subprotocol %q, want %q", got, Subprotocol)
	}
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, argv ...string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"argv": argv})
	if err != nil {
		t.Fatalf("marshal argv: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("send command: %v", err)
	}
}

func TestInteractiveRoundTrip(t *testing.T) {
	d := &fakeDispatcher{ep: echoBackend(t)}
	srv, done := serveSession(t, d)
	conn := dialSession(t, srv)

	sendCommand(t, conn, "cat")

	chunks := [][]byte{[]byte("b1"), []byte("b2"), []byte("b3")}
	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
		if err := conn.WriteMessage(websocket.BinaryMessage, c); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}

	// Frames may coalesce through the backend, but byte order within
	// the direction is preserved.
	var got []byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < len(want) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("unexpected frame type %d", mt)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("echoed %q, want %q", got, want)
	}

	if d.callCount() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.callCount())
	}
	d.mu.Lock()
	if !d.attach {
		t.Error("interactive dispatch did not request attach")
	}
	if len(d.argv) != 1 || d.argv[0] != "cat" {
		t.Errorf("dispatched argv %v", d.argv)
	}
	d.mu.Unlock()

	// Client closes first: the backend is half-closed, drained, and
	// the session winds down cleanly.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("session ended with %v, want clean close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after client disconnect")
	}
}

func TestIgnoresFramesBeforeValidCommand(t *testing.T) {
	d := &fakeDispatcher{ep: echoBackend(t)}
	srv, done := serveSession(t, d)
	conn := dialSession(t, srv)

	// Noise before the command: junk text, binary, an empty argv.
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2})
	conn.WriteMessage(websocket.TextMessage, []byte(`{"argv":[]}`))
	sendCommand(t, conn, "uname", "-a")

	conn.WriteMessage(websocket.BinaryMessage, []byte("ping"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("echoed %q, want %q", data, "ping")
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}

	if d.callCount() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.callCount())
	}
}

func TestBackendEndsFirst(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	}()

	d := &fakeDispatcher{ep: endpointOf(t, l)}
	srv, done := serveSession(t, d)
	conn := dialSession(t, srv)
	sendCommand(t, conn, "true")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read final output: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != "bye" {
		t.Fatalf("got frame %d %q, want binary %q", mt, data, "bye")
	}

	// Next read observes the explanatory close frame.
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read after backend end = %v, want close error", err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "exec stream ended" {
		t.Fatalf("close frame %d %q", ce.Code, ce.Text)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("session ended with %v, want clean close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestDispatchFailureNotifiesPeerOnce(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("agent rejected command")}
	srv, done := serveSession(t, d)
	conn := dialSession(t, srv)
	sendCommand(t, conn, "cat")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error message: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("error message frame type %d", mt)
	}
	var msg struct {
		Type  string      `json:"type"`
		Error ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode error message %q: %v", data, err)
	}
	if msg.Type != "error" || msg.Error.RestCode != CodeInternalError {
		t.Fatalf("error message %+v", msg)
	}

	// The error message is followed by a close frame, never more data.
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read after error message = %v, want close frame", err)
	}
	if ce.Code != websocket.CloseInternalServerErr {
		t.Fatalf("close code %d, want %d", ce.Code, websocket.CloseInternalServerErr)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("session reported clean close after dispatch failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestConnectFailureNotifiesPeer(t *testing.T) {
	// An endpoint nothing listens on: grab a port, then free it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := endpointOf(t, l)
	l.Close()

	d := &fakeDispatcher{ep: ep}
	srv, done := serveSession(t, d)
	conn := dialSession(t, srv)
	sendCommand(t, conn, "cat")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error message: %v", err)
	}
	var msg struct {
		Type  string      `json:"type"`
		Error ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode error message %q: %v", data, err)
	}
	if msg.Type != "error" || msg.Error.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error message %+v", msg)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("session reported clean close after connect failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestConnectTimeoutNotifiesPeer(t *testing.T) {
	// A listener that never accepts, dialed under a window that is
	// already spent, so the dial can only end in a timeout.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	d := &fakeDispatcher{ep: endpointOf(t, l)}
	srv, done := serveSessionOpts(t, Options{
		MachineID:      "mach-1",
		Dispatcher:     d,
		ConnectTimeout: time.Nanosecond,
	})
	conn := dialSession(t, srv)
	sendCommand(t, conn, "cat")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error message: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("error message frame type %d", mt)
	}
	var msg struct {
		Type  string      `json:"type"`
		Error ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode error message %q: %v", data, err)
	}
	if msg.Type != "error" || msg.Error.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error message %+v", msg)
	}
	if !strings.Contains(msg.Error.Message, "connect timed out") {
		t.Fatalf("error message %q does not name the timeout", msg.Error.Message)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectTimeout) {
			t.Fatalf("session ended with %v, want ErrConnectTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestDrainTimeoutBoundsBackendWait(t *testing.T) {
	// Backend that consumes its input but never ends its side of the
	// stream after the half-close.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
		<-hold
	}()

	d := &fakeDispatcher{ep: endpointOf(t, l)}
	srv, done := serveSessionOpts(t, Options{
		MachineID:    "mach-1",
		Dispatcher:   d,
		CloseTimeout: 300 * time.Millisecond,
	})
	conn := dialSession(t, srv)
	sendCommand(t, conn, "cat")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("input")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	// Client closes first. The drain wait must escalate once the close
	// window lapses instead of hanging on the silent backend.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	start := time.Now()
	select {
	case err := <-done:
		if !errors.Is(err, ErrDrainTimeout) {
			t.Fatalf("session ended with %v, want ErrDrainTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after the drain window lapsed")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("drain escalation took %v", elapsed)
	}
}

func TestPlainRequestRejectedWithStructuredBody(t *testing.T) {
	d := &fakeDispatcher{}
	srv, done := serveSession(t, d)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	var detail ErrorDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if detail.RestCode != CodeUpgradeFailed || detail.StatusCode != http.StatusBadRequest {
		t.Fatalf("rejection %+v", detail)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("rejected session reported no error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rejected session did not finish")
	}
	if d.callCount() != 0 {
		t.Fatalf("dispatcher called %d times on rejected upgrade", d.callCount())
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	s := New(Options{MachineID: "m", Dispatcher: &fakeDispatcher{}})
	s.sock = server
	s.teardown()
	s.teardown()
	s.destroySock()
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, *net.TCPConn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := l.Accept()
		ch <- accepted{c, err}
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-ch
	if srv.err != nil {
		t.Fatalf("accept: %v", srv.err)
	}
	return client, srv.conn.(*net.TCPConn)
}
