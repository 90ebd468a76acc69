// Package dispatch asks an exec agent to start a command for a machine
// and hands back the TCP endpoint the agent serves the stream on.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "exec.start."

var (
	// ErrEmptyArgv is returned when a start request carries no command.
	ErrEmptyArgv = errors.New("dispatch: empty argv")
	// ErrStartFailed is returned when the agent refused or failed to
	// start the command.
	ErrStartFailed = errors.New("dispatch: exec start failed")
	// ErrNoResponder is returned when no agent answers for the machine.
	ErrNoResponder = errors.New("dispatch: no agent for machine")
)

// Endpoint is the TCP address an agent serves a single exec stream on.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr formats the endpoint for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// StartRequest is the wire form of a start call, published on the
// machine's start subject.
type StartRequest struct {
	MachineID string   `json:"machine_id"`
	Argv      []string `json:"argv"`
	Attach    bool     `json:"attach"`
}

// StartReply is the agent's answer. Exactly one of Endpoint and Error
// is set.
type StartReply struct {
	Endpoint *Endpoint `json:"endpoint,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Subject returns the start subject for a machine.
func Subject(machineID string) string {
	return subjectPrefix + machineID
}

// MachineFromSubject extracts the machine ID from a start subject.
func MachineFromSubject(subject string) (string, bool) {
	if len(subject) <= len(subjectPrefix) || subject[:len(subjectPrefix)] != subjectPrefix {
		return "", false
	}
	return subject[len(subjectPrefix):], true
}

// Client dispatches start calls over NATS request/reply.
type Client struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewClient wraps a NATS connection. A non-positive timeout defaults
// to ten seconds; it bounds the request when the caller's context has
// no deadline of its own.
func NewClient(conn *nats.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}
}

// StartExec asks the agent responsible for machineID to start argv and
// returns the endpoint serving the stream. Attach requests a terminal
// on the agent side.
func (c *Client) StartExec(ctx context.Context, machineID string, argv []string, attach bool) (Endpoint, error) {
	if len(argv) == 0 {
		return Endpoint{}, ErrEmptyArgv
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	payload, err := json.Marshal(StartRequest{MachineID: machineID, Argv: argv, Attach: attach})
	if err != nil {
		return Endpoint{}, fmt.Errorf("dispatch: encode request: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, Subject(machineID), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Endpoint{}, fmt.Errorf("%w %s", ErrNoResponder, machineID)
		}
		return Endpoint{}, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	var reply StartReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Endpoint{}, fmt.Errorf("dispatch: decode reply: %w", err)
	}
	if reply.Error != "" {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrStartFailed, reply.Error)
	}
	if reply.Endpoint == nil {
		return Endpoint{}, fmt.Errorf("%w: reply carries no endpoint", ErrStartFailed)
	}
	return *reply.Endpoint, nil
}
