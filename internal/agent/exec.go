package agent

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/antonkrylov/execgate/internal/dispatch"
)

// killGrace is how long an attached command gets to react to the hangup
// signal after its input side ends before it is killed outright.
const killGrace = 5 * time.Second

// launch validates the request, allocates a one-connection listener and
// returns its endpoint. The command itself starts once the gateway
// connects, so an abandoned dispatch never leaves a process behind.
func (a *Agent) launch(req dispatch.StartRequest) (dispatch.Endpoint, error) {
	if len(req.Argv) == 0 {
		return dispatch.Endpoint{}, dispatch.ErrEmptyArgv
	}
	if _, err := exec.LookPath(req.Argv[0]); err != nil {
		return dispatch.Endpoint{}, fmt.Errorf("agent: command %q: %w", req.Argv[0], err)
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(a.opts.BindHost, "0"))
	if err != nil {
		return dispatch.Endpoint{}, fmt.Errorf("agent: allocate exec listener: %w", err)
	}
	go a.serve(lis.(*net.TCPListener), req, uuid.NewString())
	port := lis.Addr().(*net.TCPAddr).Port
	return dispatch.Endpoint{Host: a.opts.AdvertiseHost, Port: port}, nil
}

// serve accepts exactly one connection and runs the command against
// it. The listener closes as soon as the connection is taken.
func (a *Agent) serve(lis *net.TCPListener, req dispatch.StartRequest, execID string) {
	_ = lis.SetDeadline(time.Now().Add(a.opts.AcceptTimeout))
	conn, err := lis.AcceptTCP()
	lis.Close()
	if err != nil {
		a.log.Warn("exec stream never connected", "machine", req.MachineID, "exec", execID, "err", err)
		return
	}
	defer conn.Close()
	_ = conn.SetNoDelay(true)

	out := io.Writer(conn)
	if a.opts.SpoolDir != "" {
		spool, closeSpool, err := a.openSpool(execID)
		if err != nil {
			a.log.Error("exec spool open", "exec", execID, "err", err)
		} else {
			out = io.MultiWriter(conn, spool)
			defer closeSpool()
		}
	}

	if req.Attach {
		err = a.runAttached(conn, out, req)
	} else {
		err = a.runPiped(conn, out, req)
	}
	if err != nil {
		a.log.Warn("exec ended", "machine", req.MachineID, "exec", execID, "err", err)
	}
}

// runPiped wires the command's stdio straight to the stream, no tty.
// Stdout and stderr interleave on the single stream.
func (a *Agent) runPiped(conn *net.TCPConn, out io.Writer, req dispatch.StartRequest) error {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: start command: %w", err)
	}
	go func() {
		io.Copy(stdin, conn)
		stdin.Close()
	}()
	err = cmd.Wait()
	_ = conn.CloseWrite()
	return err
}

// runAttached runs the command under a pseudo-terminal and relays both
// directions. When the input side ends the command is hung up, and
// killed if it lingers.
func (a *Agent) runAttached(conn *net.TCPConn, out io.Writer, req dispatch.StartRequest) error {
	newCmd := func() *exec.Cmd {
		return exec.Command(req.Argv[0], req.Argv[1:]...)
	}
	cmd, ptyFile, err := startAttached(newCmd)
	if err != nil {
		return fmt.Errorf("agent: start pty command: %w", err)
	}
	defer ptyFile.Close()

	go func() {
		io.Copy(ptyFile, conn)
		_ = cmd.Process.Signal(syscall.SIGHUP)
		time.AfterFunc(killGrace, func() { _ = cmd.Process.Kill() })
	}()

	// Relay until the process side of the pty closes; the final read
	// error there is how a pty reports process exit.
	io.Copy(out, ptyFile)
	_ = conn.CloseWrite()
	return cmd.Wait()
}

func (a *Agent) openSpool(execID string) (io.Writer, func(), error) {
	path := filepath.Join(a.opts.SpoolDir, execID+".zst")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	closeSpool := func() {
		enc.Close()
		f.Close()
	}
	return enc, closeSpool, nil
}

func startAttached(newCmd func() *exec.Cmd) (*exec.Cmd, *os.File, error) {
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	cmd := newCmd()
	ptyFile, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms/Go versions reject Setctty; fall back to a pty
		// without controlling terminal, which is sufficient for
		// interactive I/O.
		cmd = newCmd()
		ptyFile, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptyFile, nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}
