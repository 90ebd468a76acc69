package history

import (
	"log/slog"
	"time"
)

// Options configure the store.
type Options struct {
	Logger    *slog.Logger
	JetStream *JetStreamOptions
}

// JetStreamOptions describe how to persist session history in NATS
// JetStream.
type JetStreamOptions struct {
	URL          string
	User         string
	Password     string
	EventsPrefix string
	Stream       string
	MaxBytes     int64
	DupeWindow   time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.EventsPrefix == "" {
		o.EventsPrefix = "events"
	}
	if o.Stream == "" {
		o.Stream = "execgate_sessions"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 * 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
