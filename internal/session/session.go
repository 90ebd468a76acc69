// Package session drives one interactive exec session: the protocol
// upgrade, command negotiation, backend dispatch, the byte bridge
// between the client channel and the backend socket, and teardown on
// every exit path.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antonkrylov/execgate/internal/dispatch"
)

// Subprotocol is the capability token negotiated during the upgrade
// handshake.
const Subprotocol = "instance-exec.v1"

const (
	defaultConnectTimeout = 5 * time.Second
	defaultCloseTimeout   = 5 * time.Second

	// writeWait bounds any single channel write.
	writeWait = 10 * time.Second

	// maxInboundBytes bounds a single inbound frame.
	maxInboundBytes = 1 << 20

	copyBufSize = 32 * 1024
)

// Dispatcher starts a command on the machine's agent and returns the
// endpoint serving the exec stream.
type Dispatcher interface {
	StartExec(ctx context.Context, machineID string, argv []string, attach bool) (dispatch.Endpoint, error)
}

// Options configures a Session. MachineID and Dispatcher are required.
type Options struct {
	MachineID  string
	Dispatcher Dispatcher
	Logger     *slog.Logger

	// ConnectTimeout bounds the backend TCP dial. Defaults to five
	// seconds.
	ConnectTimeout time.Duration
	// CloseTimeout bounds the backend drain after the channel side
	// ends. Defaults to five seconds.
	CloseTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
}

// pumpEvent is what a relay goroutine reports when its direction ends.
type pumpEvent struct {
	kind eventKind
	err  error
}

// Session owns exactly one client channel and, once connected, exactly
// one backend socket. All state mutation happens in the driver loop;
// the relay goroutines only move bytes and report events.
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	st       state
	argv     []string
	endpoint dispatch.Endpoint
	lastErr  error

	ws   *websocket.Conn
	sock *net.TCPConn

	// wsWriteMu serializes data-frame writes between the relay
	// goroutine and the error-notification path.
	wsWriteMu sync.Mutex
	wsOnce    sync.Once
	sockOnce  sync.Once

	pumpCh chan pumpEvent

	upgrader websocket.Upgrader
}

// New builds a session for one upgraded exec request.
func New(opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		id:     uuid.NewString(),
		opts:   opts,
		st:     stateInit,
		pumpCh: make(chan pumpEvent, 2),
	}
	s.log = opts.Logger.With("session", s.id, "machine", opts.MachineID)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  copyBufSize,
		WriteBufferSize: copyBufSize,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(*http.Request) bool { return true },
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			writeRejection(w, status, reason)
		},
	}
	return s
}

// ID is the session's identity, stable for its whole lifetime.
func (s *Session) ID() string { return s.id }

// Argv is the negotiated command vector; empty until a command control
// message has been accepted.
func (s *Session) Argv() []string { return s.argv }

// Err is the last recorded failure, nil after a clean run. Valid once
// Run has returned.
func (s *Session) Err() error { return s.lastErr }

// Run upgrades the request and drives the session to a terminal state.
// It returns only once both the channel and any backend socket are
// closed. The returned error is nil for clean teardown.
func (s *Session) Run(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	for {
		var ev eventKind
		switch s.st {
		case stateInit:
			ev = s.stepInit()
		case stateUpgrade:
			ev = s.stepUpgrade(w, r)
		case stateReject:
			ev = s.stepReject()
		case stateAwaitCmd:
			ev = s.stepAwaitCmd()
		case stateStartExec:
			ev = s.stepStartExec(ctx)
		case stateConnect:
			ev = s.stepConnect(ctx)
		case stateConnected:
			ev = s.stepConnected()
		case stateWSEnded:
			ev = s.stepWSEnded()
		case stateSockEnded:
			ev = s.stepSockEnded()
		case stateError:
			ev = s.stepError()
		case stateClosed:
			s.teardown()
			s.log.Info("session closed", "err", s.lastErr)
			return s.lastErr
		}
		from := s.st
		s.st = next(s.st, ev)
		s.log.Debug("session transition", "from", from.String(), "to", s.st.String())
	}
}

func (s *Session) stepInit() eventKind {
	s.log.Debug("session created")
	return evStarted
}

// stepUpgrade performs the handshake. On failure the upgrader's Error
// hook has already written the rejection body, so reject only has to
// account for it.
func (s *Session) stepUpgrade(w http.ResponseWriter, r *http.Request) eventKind {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lastErr = fmt.Errorf("upgrade: %w", err)
		return evUpgradeFailed
	}
	// Interactive traffic is latency bound; never coalesce.
	if tc, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	conn.SetReadLimit(maxInboundBytes)
	s.ws = conn
	return evUpgraded
}

func (s *Session) stepReject() eventKind {
	s.log.Warn("upgrade rejected", "err", s.lastErr)
	return evDone
}

// stepAwaitCmd waits for the first control message carrying a
// non-empty argv. Frames that are not a valid command are ignored.
func (s *Session) stepAwaitCmd() eventKind {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			s.lastErr = fmt.Errorf("%w: %v", ErrChannelGone, err)
			return evChannelGone
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg struct {
			Argv []string `json:"argv"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || len(msg.Argv) == 0 {
			continue
		}
		s.argv = msg.Argv
		return evCommand
	}
}

func (s *Session) stepStartExec(ctx context.Context) eventKind {
	ep, err := s.opts.Dispatcher.StartExec(ctx, s.opts.MachineID, s.argv, true)
	if err != nil {
		s.lastErr = err
		return evDispatchFailed
	}
	s.endpoint = ep
	return evDispatched
}

func (s *Session) stepConnect(ctx context.Context) eventKind {
	d := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.endpoint.Addr())
	if err != nil {
		if isTimeout(err) {
			s.lastErr = fmt.Errorf("%w: %s", ErrConnectTimeout, s.endpoint.Addr())
		} else {
			s.lastErr = fmt.Errorf("session: backend connect: %w", err)
		}
		return evConnectFailed
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		s.lastErr = fmt.Errorf("session: backend connection is not TCP")
		return evConnectFailed
	}
	_ = tc.SetNoDelay(true)
	s.sock = tc
	return evConnected
}

// stepConnected starts the two relay directions and waits for the
// first one to end. The surviving direction keeps running; the
// follow-up state decides its fate.
func (s *Session) stepConnected() eventKind {
	s.log.Info("session connected", "endpoint", s.endpoint.Addr(), "argv", s.argv)
	go s.pumpChannelToSock()
	go s.pumpSockToChannel()
	pe := <-s.pumpCh
	if pe.err != nil {
		s.lastErr = pe.err
	}
	return pe.kind
}

// stepWSEnded half-closes the backend socket and lets the surviving
// relay direction drain buffered backend output. The drain is bounded
// by the close timeout.
func (s *Session) stepWSEnded() eventKind {
	if err := s.sock.CloseWrite(); err != nil {
		s.lastErr = fmt.Errorf("session: half-close backend: %w", err)
		return evPumpError
	}
	timer := time.NewTimer(s.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case pe := <-s.pumpCh:
		if pe.err != nil {
			s.lastErr = pe.err
		}
		return pe.kind
	case <-timer.C:
		s.lastErr = ErrDrainTimeout
		return evDrainTimeout
	}
}

// stepSockEnded tells the client the stream is over and closes the
// channel. The reason travels in the close frame.
func (s *Session) stepSockEnded() eventKind {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "exec stream ended")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return evDone
}

// stepError destroys the backend socket, then makes a best-effort
// attempt to hand the peer a structured error followed by a close
// frame before teardown.
func (s *Session) stepError() eventKind {
	s.log.Warn("session failed", "state", "error", "err", s.lastErr)
	s.destroySock()
	if s.ws != nil {
		if err := s.writeErrorMessage(s.lastErr); err != nil {
			s.destroyChannel()
		} else {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session failed")
			_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
	}
	return evDone
}

func (s *Session) writeErrorMessage(cause error) error {
	payload, err := json.Marshal(struct {
		Type  string      `json:"type"`
		Error ErrorDetail `json:"error"`
	}{Type: "error", Error: Describe(cause)})
	if err != nil {
		return err
	}
	s.wsWriteMu.Lock()
	defer s.wsWriteMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// pumpChannelToSock relays channel frames to the backend. Any read
// failure on the channel, clean close included, counts as the channel
// ending.
func (s *Session) pumpChannelToSock() {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.log.Debug("channel read ended", "err", err)
			}
			s.pumpCh <- pumpEvent{kind: evWSClosed}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if _, err := s.sock.Write(data); err != nil {
			s.pumpCh <- pumpEvent{kind: evPumpError, err: fmt.Errorf("session: backend write: %w", err)}
			return
		}
	}
}

// pumpSockToChannel relays backend bytes to the channel. Bytes read
// before EOF are always forwarded before the end event is reported, so
// a half-closed backend drains fully.
func (s *Session) pumpSockToChannel() {
	buf := make([]byte, copyBufSize)
	for {
		n, err := s.sock.Read(buf)
		if n > 0 {
			if werr := s.writeBinary(buf[:n]); werr != nil {
				s.pumpCh <- pumpEvent{kind: evPumpError, err: fmt.Errorf("session: channel write: %w", werr)}
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.pumpCh <- pumpEvent{kind: evSockClosed}
			} else {
				s.pumpCh <- pumpEvent{kind: evPumpError, err: fmt.Errorf("session: backend read: %w", err)}
			}
			return
		}
	}
}

func (s *Session) writeBinary(data []byte) error {
	s.wsWriteMu.Lock()
	defer s.wsWriteMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

// teardown destroys whichever of the channel and socket remains open.
// Safe to reach from any exit path, any number of times.
func (s *Session) teardown() {
	s.destroyChannel()
	s.destroySock()
}

func (s *Session) destroyChannel() {
	if s.ws == nil {
		return
	}
	s.wsOnce.Do(func() { s.ws.Close() })
}

func (s *Session) destroySock() {
	if s.sock == nil {
		return
	}
	s.sockOnce.Do(func() { s.sock.Close() })
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeRejection is installed as the upgrader's error hook so a failed
// handshake still yields a well-formed structured response.
func writeRejection(w http.ResponseWriter, status int, reason error) {
	msg := "upgrade failed"
	if reason != nil {
		msg = reason.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Sec-Websocket-Version", "13")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorDetail{
		StatusCode: status,
		RestCode:   CodeUpgradeFailed,
		Message:    msg,
	})
}
