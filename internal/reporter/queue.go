package reporter

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/publisher"
)

type outgoing struct {
	topic   string
	payload []byte
}

// Queue decouples producers on session read goroutines from a possibly
// slow publisher. When full, new messages are dropped.
type Queue struct {
	pub     publisher.Publisher
	ch      chan outgoing
	log     zerolog.Logger
	dropped atomic.Uint64
}

func NewQueue(pub publisher.Publisher, size int, log zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		pub: pub,
		ch:  make(chan outgoing, size),
		log: log,
	}
}

// Enqueue adds a message without blocking. It reports false if the
// message was dropped.
func (q *Queue) Enqueue(topic string, payload []byte) bool {
	select {
	case q.ch <- outgoing{topic: topic, payload: payload}:
		return true
	default:
		n := q.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			q.log.Warn().Str("topic", topic).Uint64("dropped", n).Msg("publish queue full, dropping message")
		}
		return false
	}
}

// Dropped returns the number of dropped messages.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Run publishes queued messages until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-q.ch:
			if err := q.pub.Publish(ctx, m.topic, m.payload); err != nil {
				q.log.Error().Err(err).Str("topic", m.topic).Msg("publish failed")
			}
		}
	}
}
