// Package bus publishes pipeline outcomes to NATS so other processes can
// react to transcripts.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"murmur/config"
	"murmur/log"
	"murmur/pipeline"
)

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type Publisher struct {
	conn    conn
	subject string
	sub     *pipeline.Subscription
}

func Connect(cfg config.BusConfig) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	options := []nats.Option{nats.Name("murmur")}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(time.Duration(cfg.ConnectTimeout)*time.Millisecond))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Infof("connected to NATS: servers=%s subject=%s", url, cfg.Subject)
	return newPublisher(nc, cfg.Subject), nil
}

func newPublisher(c conn, subject string) *Publisher {
	if subject == "" {
		subject = "murmur.onchange"
	}
	return &Publisher{conn: c, subject: subject}
}

// Attach publishes every outcome emitted on ch until Close.
func (p *Publisher) Attach(ch *pipeline.Channel) {
	p.sub = ch.AddListener(pipeline.EventName, func(o pipeline.Outcome) {
		if err := p.Publish(o); err != nil {
			log.Warnf("bus publish: %v", err)
		}
	})
}

func (p *Publisher) Publish(o pipeline.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.sub != nil {
		p.sub.Remove()
	}
	log.Info("closing NATS connection")
	p.conn.Drain()
	p.conn.Close()
}
