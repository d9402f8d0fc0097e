package publisher

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// LogPublisher writes messages to a logger at debug level. It stands in
// for MQTT when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.event(topic, payload).Msg("publish")
	return nil
}

func (p *LogPublisher) PublishRetained(_ context.Context, topic string, payload []byte) error {
	p.event(topic, payload).Bool("retained", true).Msg("publish")
	return nil
}

func (p *LogPublisher) event(topic string, payload []byte) *zerolog.Event {
	e := p.log.Debug().Str("topic", topic)
	if json.Valid(payload) {
		return e.RawJSON("payload", payload)
	}
	return e.Bytes("payload", payload)
}

func (p *LogPublisher) Close() error { return nil }
