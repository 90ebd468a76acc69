// Package agent runs on a compute node, starts commands on request and
// serves each command's I/O on a single-use TCP endpoint.
package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/execgate/internal/dispatch"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options configure an Agent.
type Options struct {
	Conn   *nats.Conn
	Logger *slog.Logger

	// Machines limits the agent to specific machine IDs. Empty means
	// answer for every machine (single-node deployments).
	Machines []string

	// BindHost is the address exec listeners bind to. Defaults to
	// 127.0.0.1.
	BindHost string
	// AdvertiseHost is the host reported in endpoints. Defaults to
	// BindHost.
	AdvertiseHost string

	// SpoolDir, when set, receives a zstd-compressed transcript of
	// each command's output.
	SpoolDir string

	// AcceptTimeout bounds how long an exec listener waits for the
	// gateway to connect. Defaults to thirty seconds.
	AcceptTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = discardLogger
	}
	if o.BindHost == "" {
		o.BindHost = "127.0.0.1"
	}
	if o.AdvertiseHost == "" {
		o.AdvertiseHost = o.BindHost
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = 30 * time.Second
	}
}

// Agent answers exec start requests for the machines it hosts.
type Agent struct {
	opts Options
	log  *slog.Logger
	subs []*nats.Subscription
}

// New builds an Agent. Call Start to begin answering requests.
func New(opts Options) *Agent {
	opts.setDefaults()
	return &Agent{opts: opts, log: opts.Logger}
}

// Start subscribes to the start subjects for the agent's machines.
func (a *Agent) Start() error {
	subjects := []string{dispatch.Subject("*")}
	if len(a.opts.Machines) > 0 {
		subjects = subjects[:0]
		for _, id := range a.opts.Machines {
			subjects = append(subjects, dispatch.Subject(id))
		}
	}
	for _, subj := range subjects {
		sub, err := a.opts.Conn.Subscribe(subj, a.handleStart)
		if err != nil {
			a.Stop()
			return fmt.Errorf("agent: subscribe %s: %w", subj, err)
		}
		a.subs = append(a.subs, sub)
		a.log.Info("agent listening", "subject", subj)
	}
	return nil
}

// Stop drops all subscriptions. In-flight execs keep running until
// their streams end.
func (a *Agent) Stop() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	a.subs = nil
}

func (a *Agent) handleStart(msg *nats.Msg) {
	var req dispatch.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respond(msg, dispatch.StartReply{Error: fmt.Sprintf("malformed start request: %v", err)})
		return
	}
	if id, ok := dispatch.MachineFromSubject(msg.Subject); ok {
		req.MachineID = id
	}
	ep, err := a.launch(req)
	if err != nil {
		a.log.Warn("exec start refused", "machine", req.MachineID, "argv", req.Argv, "err", err)
		a.respond(msg, dispatch.StartReply{Error: err.Error()})
		return
	}
	a.log.Info("exec started", "machine", req.MachineID, "argv", req.Argv, "attach", req.Attach, "endpoint", ep.Addr())
	a.respond(msg, dispatch.StartReply{Endpoint: &ep})
}

func (a *Agent) respond(msg *nats.Msg, reply dispatch.StartReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		a.log.Error("agent encode reply", "err", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Error("agent send reply", "err", err)
	}
}
