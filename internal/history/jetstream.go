package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type sessionEvent struct {
	Record    *Record   `json:"record"`
	Version   uint64    `json:"version"`
	EmittedAt time.Time `json:"emitted_at"`
}

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
}

func newJetStreamMirror(opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("execgate-history")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{
		conn:   conn,
		js:     js,
		opts:   &cfg,
		logger: logger,
	}
	if err := m.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
}

func (m *jetStreamMirror) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
	if _, err := m.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg)
	return err
}

// hydrate replays the mirrored session records back into the store so
// a restarted gateway keeps its audit trail.
func (m *jetStreamMirror) hydrate(ctx context.Context, st *Store) error {
	sub, err := m.js.PullSubscribe(
		m.wildcard(),
		"",
		nats.BindStream(m.opts.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return m.drain(ctx, sub, func(msg *nats.Msg) error {
		var evt sessionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			m.logger.Error("session replay decode", "err", err)
			return msg.Ack()
		}
		if evt.Record != nil && evt.Record.SessionID != "" {
			st.applyReplayed(evt.Record, evt.Version)
		}
		return msg.Ack()
	})
}

func (m *jetStreamMirror) drain(ctx context.Context, sub *nats.Subscription, handler func(*nats.Msg) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		for _, msg := range msgs {
			if err := handler(msg); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

func (m *jetStreamMirror) publish(rec *Record, version uint64) error {
	if rec == nil {
		return nil
	}
	payload, err := json.Marshal(sessionEvent{
		Record:    rec.clone(),
		Version:   version,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	subject := m.subject(rec)
	msgID := fmt.Sprintf("session:%s:%d", rec.SessionID, version)
	_, err = m.js.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) subject(rec *Record) string {
	machine := rec.MachineID
	if machine == "" {
		machine = "unknown"
	}
	return fmt.Sprintf("%s.sessions.%s.%s", m.opts.EventsPrefix, machine, rec.SessionID)
}

func (m *jetStreamMirror) wildcard() string {
	return fmt.Sprintf("%s.sessions.*.*", m.opts.EventsPrefix)
}
