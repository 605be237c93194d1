// Package notify publishes relay session events to NATS for external
// monitoring. The relay works identically with the publisher disabled.
package notify

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"LanLink/internal/config"
	"LanLink/internal/relay"
)

// Publisher sends relay events to a NATS subject as JSON.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the configured NATS server.
func NewPublisher(cfg config.NotifyConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	subject := cfg.Subject
	if subject == "" {
		subject = "lanlink.events"
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Publish serializes the event and hands it to NATS. Errors are logged,
// never propagated: a monitoring outage must not affect relaying.
func (p *Publisher) Publish(evt relay.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		log.Printf("Failed to publish event: %v", err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
