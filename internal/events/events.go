// Package events announces message lifecycle transitions to other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/model"
)

type Type string

const (
	Submitted  Type = "submitted"
	Moderated  Type = "moderated"
	Overridden Type = "overridden"
	Edited     Type = "edited"
	Posted     Type = "posted"
	Failed     Type = "failed"
	Released   Type = "released"
)

type Event struct {
	Type      Type         `json:"type"`
	MessageID int64        `json:"messageId"`
	Status    model.Status `json:"status"`
	RemoteID  string       `json:"remoteId,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}

// Publisher must not block the caller for long; delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Conn is satisfied by *nats.Conn.
type Conn interface {
	Publish(subj string, data []byte) error
}

type NATSPublisher struct {
	conn   Conn
	prefix string
	log    *zap.Logger
}

func NewNATSPublisher(conn Conn, prefix string, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

func (p *NATSPublisher) Subject(t Type) string {
	if p.prefix == "" {
		return "message." + string(t)
	}
	return p.prefix + ".message." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	subj := p.Subject(e.Type)
	if err := p.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	p.log.Debug("event published", zap.String("subject", subj), zap.Int64("message_id", e.MessageID))
	return nil
}
