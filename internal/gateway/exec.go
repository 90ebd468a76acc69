package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/antonkrylov/execgate/internal/directory"
	"github.com/antonkrylov/execgate/internal/dispatch"
	"github.com/antonkrylov/execgate/internal/history"
	"github.com/antonkrylov/execgate/internal/session"
)

const oneShotConnectTimeout = 5 * time.Second

// handleExec guards the target machine, then routes by request shape:
// an upgrade handshake becomes an interactive session, a plain POST
// with argv streams a one-shot command. The guard runs before any
// backend resource is touched.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Directory.Get(r.Context(), chi.URLParam(r, "machineID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := directory.CheckExecable(m); err != nil {
		s.writeError(w, err)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.serveInteractive(w, r, m)
		return
	}
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusBadRequest, session.ErrorDetail{
			StatusCode: http.StatusBadRequest,
			RestCode:   session.CodeInvalidArgument,
			Message:    "exec requires a POST with argv or an upgrade handshake",
		})
		return
	}
	s.serveOneShot(w, r, m)
}

// serveOneShot dispatches without a terminal and mirrors the backend
// stream as the response body.
func (s *Server) serveOneShot(w http.ResponseWriter, r *http.Request, m *directory.Machine) {
	var req struct {
		Argv []string `json:"argv"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Argv) == 0 {
		s.writeError(w, dispatch.ErrEmptyArgv)
		return
	}

	rec := &history.Record{
		SessionID:   uuid.NewString(),
		MachineID:   m.ID,
		Argv:        req.Argv,
		Interactive: false,
		State:       history.StateActive,
		StartedAt:   time.Now().UTC(),
	}

	ep, err := s.opts.Dispatcher.StartExec(r.Context(), m.ID, req.Argv, false)
	if err != nil {
		s.finishRecord(rec, err)
		s.writeError(w, err)
		return
	}
	s.opts.History.Put(rec)

	d := net.Dialer{Timeout: oneShotConnectTimeout}
	conn, err := d.DialContext(r.Context(), "tcp", ep.Addr())
	if err != nil {
		err = fmt.Errorf("backend connect: %w", err)
		s.finishRecord(rec, err)
		s.writeError(w, err)
		return
	}
	defer conn.Close()
	// One-shot carries no stdin; tell the backend up front.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	s.log.Info("one-shot exec streaming", "machine", m.ID, "argv", req.Argv, "endpoint", ep.Addr())
	err = streamResponse(w, r, conn)
	s.finishRecord(rec, err)
}

// streamResponse copies backend output into the response as it
// arrives, compressing when the client asked for it.
func streamResponse(w http.ResponseWriter, r *http.Request, src io.Reader) error {
	w.Header().Set("Content-Type", "application/octet-stream")
	out := io.Writer(w)
	var gz *gzip.Writer
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz = gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			if gz != nil {
				if werr := gz.Flush(); werr != nil {
					return werr
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// serveInteractive hands the request to a session and records its
// lifecycle. Run returns once both sides of the bridge are closed.
func (s *Server) serveInteractive(w http.ResponseWriter, r *http.Request, m *directory.Machine) {
	sess := session.New(session.Options{
		MachineID:      m.ID,
		Dispatcher:     s.opts.Dispatcher,
		Logger:         s.log,
		ConnectTimeout: s.opts.ConnectTimeout,
		CloseTimeout:   s.opts.CloseTimeout,
	})
	rec := &history.Record{
		SessionID:   sess.ID(),
		MachineID:   m.ID,
		Interactive: true,
		State:       history.StateActive,
		StartedAt:   time.Now().UTC(),
	}
	s.opts.History.Put(rec)

	err := sess.Run(w, r)
	rec.Argv = sess.Argv()
	s.finishRecord(rec, err)
}

func (s *Server) finishRecord(rec *history.Record, err error) {
	rec.EndedAt = time.Now().UTC()
	rec.State = history.StateClosed
	if err != nil {
		rec.State = history.StateFailed
		rec.Error = err.Error()
	}
	s.opts.History.Put(rec)
}
