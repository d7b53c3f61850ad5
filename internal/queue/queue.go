// Package queue moves event envelopes between processes over Kafka, AMQP
// or line-delimited stdio.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverAMQP  = "amqp"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS = "CCTP_QUEUE_KAFKA_TLS"

	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
	defaultAMQPExchange  = "cctp"
	defaultBuffer        = 64
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one delivered record. Topic is the Kafka topic or the AMQP
// routing key; it is empty for stdio.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp when the driver carries one,
	// otherwise the local receive time.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack marks the message processed. Unacked Kafka messages are redelivered
// to the group; unacked AMQP deliveries are requeued when the consumer
// closes.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes payloads. key orders records that share it (Kafka
// partition key, AMQP message id); it may be nil.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string
	Topics []string

	// Kafka.
	Brokers       []string
	Group         string
	KafkaMinBytes int
	KafkaMaxBytes int

	// AMQP. Topics are bound as routing keys of Exchange onto Queue.
	URL      string
	Exchange string
	Queue    string

	// Stdio.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka.
	Brokers      []string
	BatchTimeout time.Duration

	// AMQP.
	URL      string
	Exchange string

	// Stdio.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverAMQP:
		return newAMQPConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverAMQP:
		return newAMQPProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList splits a flag value such as "b1:9092,b2:9092".
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envBool(name string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
