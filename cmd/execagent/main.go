package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/execgate/internal/agent"
)

// envConfig carries environment defaults; flags override.
type envConfig struct {
	NATSURL       string `env:"EXECGATE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSUser      string `env:"EXECGATE_NATS_USER"`
	NATSPass      string `env:"EXECGATE_NATS_PASS"`
	BindHost      string `env:"EXECGATE_AGENT_BIND" envDefault:"127.0.0.1"`
	AdvertiseHost string `env:"EXECGATE_AGENT_ADVERTISE"`
	SpoolDir      string `env:"EXECGATE_AGENT_SPOOL"`
}

func main() {
	defaults, err := env.ParseAs[envConfig]()
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse environment:", err)
		os.Exit(1)
	}

	var (
		natsURL       = flag.String("nats-url", defaults.NATSURL, "NATS connection URL (EXECGATE_NATS_URL)")
		natsUser      = flag.String("nats-user", defaults.NATSUser, "NATS username (EXECGATE_NATS_USER)")
		natsPass      = flag.String("nats-pass", defaults.NATSPass, "NATS password (EXECGATE_NATS_PASS)")
		bindHost      = flag.String("bind-host", defaults.BindHost, "host exec listeners bind to (EXECGATE_AGENT_BIND)")
		advertiseHost = flag.String("advertise-host", defaults.AdvertiseHost, "host reported in endpoints; defaults to bind host (EXECGATE_AGENT_ADVERTISE)")
		spoolDir      = flag.String("spool-dir", defaults.SpoolDir, "directory for zstd transcripts, empty disables (EXECGATE_AGENT_SPOOL)")
		machines      = flag.String("machines", "", "comma-separated machine IDs this agent answers for; empty means all")
		acceptTimeout = flag.Duration("accept-timeout", 30*time.Second, "how long an exec listener waits for the gateway")
		logJSON       = flag.Bool("log-json", false, "emit logs as JSON")
	)

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsOpts := []nats.Option{nats.Name("execgate-agent")}
	if *natsUser != "" {
		natsOpts = append(natsOpts, nats.UserInfo(*natsUser, *natsPass))
	}
	conn, err := nats.Connect(*natsURL, natsOpts...)
	if err != nil {
		logger.Error("nats connect", "url", *natsURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	var machineIDs []string
	for _, id := range strings.Split(*machines, ",") {
		if id = strings.TrimSpace(id); id != "" {
			machineIDs = append(machineIDs, id)
		}
	}

	a := agent.New(agent.Options{
		Conn:          conn,
		Logger:        logger,
		Machines:      machineIDs,
		BindHost:      *bindHost,
		AdvertiseHost: *advertiseHost,
		SpoolDir:      *spoolDir,
		AcceptTimeout: *acceptTimeout,
	})
	if err := a.Start(); err != nil {
		logger.Error("agent start", "err", err)
		os.Exit(1)
	}

	logger.Info("agent ready", "nats", *natsURL, "bind", *bindHost)
	<-ctx.Done()
	logger.Info("shutting down agent")
	a.Stop()
	conn.Drain()
}
