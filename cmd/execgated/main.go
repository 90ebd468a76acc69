package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/execgate/internal/directory"
	"github.com/antonkrylov/execgate/internal/dispatch"
	"github.com/antonkrylov/execgate/internal/gateway"
	"github.com/antonkrylov/execgate/internal/history"
)

// envConfig carries environment defaults; flags override.
type envConfig struct {
	Listen   string `env:"EXECGATE_LISTEN" envDefault:":8080"`
	DBPath   string `env:"EXECGATE_DB" envDefault:"execgate.db"`
	NATSURL  string `env:"EXECGATE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSUser string `env:"EXECGATE_NATS_USER"`
	NATSPass string `env:"EXECGATE_NATS_PASS"`
}

func main() {
	defaults, err := env.ParseAs[envConfig]()
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse environment:", err)
		os.Exit(1)
	}

	var (
		listenAddr      = flag.String("listen", defaults.Listen, "HTTP listen address (EXECGATE_LISTEN)")
		dbPath          = flag.String("db", defaults.DBPath, "machine inventory SQLite path (EXECGATE_DB)")
		logJSON         = flag.Bool("log-json", false, "emit logs as JSON")
		natsURL         = flag.String("nats-url", defaults.NATSURL, "NATS connection URL (EXECGATE_NATS_URL)")
		natsUser        = flag.String("nats-user", defaults.NATSUser, "NATS username (EXECGATE_NATS_USER)")
		natsPass        = flag.String("nats-pass", defaults.NATSPass, "NATS password (EXECGATE_NATS_PASS)")
		enableJetStream = flag.Bool("enable-jetstream", false, "persist session history to NATS JetStream")
		eventsPrefix    = flag.String("nats-events-prefix", "events", "NATS subject prefix for session events")
		sessionsStream  = flag.String("nats-sessions-stream", "execgate_sessions", "JetStream stream for session records")
		dispatchTimeout = flag.Duration("dispatch-timeout", 10*time.Second, "bound on agent start requests")
		connectTimeout  = flag.Duration("connect-timeout", 5*time.Second, "bound on backend stream connects")
		closeTimeout    = flag.Duration("close-timeout", 5*time.Second, "bound on backend drain after client close")
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

	dir, err := directory.Open(*dbPath)
	if err != nil {
		logger.Error("directory init", "err", err)
		os.Exit(1)
	}
	defer dir.Close()

	natsOpts := []nats.Option{nats.Name("execgate-gateway")}
	if *natsUser != "" {
		natsOpts = append(natsOpts, nats.UserInfo(*natsUser, *natsPass))
	}
	conn, err := nats.Connect(*natsURL, natsOpts...)
	if err != nil {
		logger.Error("nats connect", "url", *natsURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	histOpts := &history.Options{Logger: logger}
	if *enableJetStream {
		histOpts.JetStream = &history.JetStreamOptions{
			URL:          *natsURL,
			User:         *natsUser,
			Password:     *natsPass,
			EventsPrefix: *eventsPrefix,
			Stream:       *sessionsStream,
		}
	}
	hist, err := history.New(ctx, histOpts)
	if err != nil {
		logger.Error("history init", "err", err)
		os.Exit(1)
	}
	defer hist.Close()

	gw := gateway.New(gateway.Options{
		Directory:      dir,
		Dispatcher:     dispatch.NewClient(conn, *dispatchTimeout),
		History:        hist,
		Logger:         logger,
		ConnectTimeout: *connectTimeout,
		CloseTimeout:   *closeTimeout,
	})

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: gw.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			srv.Close()
		}
	}()

	logger.Info("gateway ready", "addr", *listenAddr, "db", *dbPath, "nats", *natsURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http serve", "err", err)
		os.Exit(1)
	}
}
