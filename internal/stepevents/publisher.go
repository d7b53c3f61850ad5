package stepevents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juno-intents/cctp-orchestrator/internal/queue"
)

var ErrInvalidConfig = errors.New("stepevents: invalid config")

type Publisher struct {
	producer queue.Producer
	topic    string
}

func NewPublisher(producer queue.Producer, topic string) (*Publisher, error) {
	topic = strings.TrimSpace(topic)
	if producer == nil || topic == "" {
		return nil, fmt.Errorf("%w: producer and topic are required", ErrInvalidConfig)
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

// Publish sends ev keyed by its burn hash so a transfer's events stay ordered.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, p.topic, []byte(ev.BurnTxHash), b)
}
