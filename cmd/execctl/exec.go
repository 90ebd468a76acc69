package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/execgate/internal/session"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var interactive bool
	var machine string
	cmd := &cobra.Command{
		Use:   "exec [-- ARGV...]",
		Short: "Run a command inside a machine",
		Long: `Run a command inside a machine.

Without --interactive, output streams back over plain HTTP. With
--interactive, the connection upgrades to a full-duplex channel and
your terminal attaches to the remote command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := machine
			if target == "" {
				target = opts.machine
			}
			if target == "" {
				return errors.New("no machine: pass --machine or set defaultMachine in the context")
			}
			if interactive {
				return runInteractive(opts, target, args)
			}
			return runOneShot(opts, target, args)
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "target machine ID (defaults to the context's defaultMachine)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "attach a full-duplex terminal session")
	return cmd
}

func runOneShot(opts *rootOptions, machine string, argv []string) error {
	body, err := json.Marshal(map[string]any{"argv": argv})
	if err != nil {
		return err
	}
	// No client timeout here: the stream lives as long as the command.
	resp, err := http.Post(opts.url("/machines/"+machine+"/exec"), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func runInteractive(opts *rootOptions, machine string, argv []string) error {
	wsURL := strings.Replace(opts.url("/machines/"+machine+"/exec"), "http", "ws", 1)
	dialer := websocket.Dialer{
		Subprotocols:     []string{session.Subprotocol},
		HandshakeTimeout: opts.timeout,
	}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(map[string]any{"argv": argv})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, old)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("session closed: %s", ce.Text)
			}
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var msg struct {
				Type  string              `json:"type"`
				Error session.ErrorDetail `json:"error"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "error" {
				return fmt.Errorf("%s: %s", msg.Error.RestCode, msg.Error.Message)
			}
		}
	}
}
