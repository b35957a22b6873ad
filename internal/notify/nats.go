// Package notify fans activity log entries out to NATS subscribers.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/modal"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Message is the payload published for every appended entry.
type Message struct {
	ResolutionID string                 `json:"resolutionId"`
	Entry        modal.ActivityLogEntry `json:"entry"`
}

type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Connect dials url and returns a publisher and the underlying connection so
// the caller can drain it on shutdown.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("insight-resolver"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisher(nc, prefix, logger), nc, nil
}

func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject is where entries of one resolution are published.
func (p *Publisher) Subject(resolutionID string) string {
	return fmt.Sprintf("%s.%s.activity", p.prefix, resolutionID)
}

// Attach publishes every future entry of log. Publish failures are logged
// and never affect the log itself.
func (p *Publisher) Attach(resolutionID string, log *activitylog.Log) {
	subject := p.Subject(resolutionID)
	log.OnAppend(func(e modal.ActivityLogEntry) {
		data, err := json.Marshal(Message{ResolutionID: resolutionID, Entry: e})
		if err != nil {
			p.logger.Warn("encode activity entry", slog.String("error", err.Error()))
			return
		}
		if err := p.conn.Publish(subject, data); err != nil {
			p.logger.Warn("publish activity entry",
				slog.String("subject", subject),
				slog.String("resolution_id", resolutionID),
				slog.String("error", err.Error()))
		}
	})
}
