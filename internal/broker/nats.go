package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

// NATS shares frames between server instances through core NATS subjects
// named <prefix>.<channel>.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ Broker = (*NATS)(nil)

// NewNATS connects to url. The connection reconnects on its own; the
// broker only logs the transitions.
func NewNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("hairbookery-chat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}, nil
}

func (b *NATS) Publish(_ context.Context, f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	subject := subjectFor(b.prefix, f.Channel)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	return nil
}

func (b *NATS) Subscribe(handler func(realtime.Frame)) (func(), error) {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var f realtime.Frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			b.logger.Warn("dropping undecodable frame", "subject", msg.Subject, "error", err)
			return
		}
		handler(f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to '%s.>': %w", b.prefix, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("nats unsubscribe", "error", err)
		}
	}, nil
}

func (b *NATS) Close() error {
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}

// subjectFor maps a channel to a single NATS token under prefix. Dots would
// split the token, so they are replaced.
func subjectFor(prefix, channel string) string {
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(channel)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}
