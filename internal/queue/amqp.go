package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpDialTimeout = 10 * time.Second

func amqpURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", fmt.Errorf("%w: amqp url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("%w: amqp url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("%w: amqp url scheme must be amqp or amqps", ErrInvalidConfig)
	}
	return clean, nil
}

func exchangeName(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return defaultAMQPExchange
}

// dialAMQP opens a connection and channel and declares the durable topic
// exchange both sides use.
func dialAMQP(rawURL, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	u, err := amqpURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("queue: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue: amqp declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

type amqpConsumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newAMQPConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	topics := normalizeList(cfg.Topics)
	queueName := strings.TrimSpace(cfg.Queue)
	if queueName == "" {
		queueName = strings.TrimSpace(cfg.Group)
	}
	switch {
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: amqp consumer requires at least one topic", ErrInvalidConfig)
	case queueName == "":
		return nil, fmt.Errorf("%w: amqp consumer requires queue", ErrInvalidConfig)
	}
	if _, err := amqpURL(cfg.URL); err != nil {
		return nil, err
	}

	exchange := exchangeName(cfg.Exchange)
	conn, ch, err := dialAMQP(cfg.URL, exchange)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("queue: amqp declare queue %s: %w", queueName, err))
	}
	for _, topic := range topics {
		if err := ch.QueueBind(q.Name, topic, exchange, false, nil); err != nil {
			return fail(fmt.Errorf("queue: amqp bind %s: %w", topic, err))
		}
	}
	if err := ch.Qos(defaultBuffer, 0, false); err != nil {
		return fail(fmt.Errorf("queue: amqp qos: %w", err))
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("queue: amqp consume: %w", err))
	}

	ctx, cancel := context.WithCancel(parent)
	c := &amqpConsumer{
		conn:   conn,
		ch:     ch,
		msgCh:  make(chan Message, defaultBuffer),
		errCh:  make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, deliveries, conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *amqpConsumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				select {
				case c.errCh <- fmt.Errorf("queue: amqp connection closed: %w", amqpErr):
				default:
				}
			}
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ts := d.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			msg := Message{
				Topic:     d.RoutingKey,
				Key:       []byte(d.MessageId),
				Value:     d.Body,
				Timestamp: ts,
				ackFn: func(context.Context) error {
					return d.Ack(false)
				},
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *amqpConsumer) Messages() <-chan Message { return c.msgCh }
func (c *amqpConsumer) Errors() <-chan error     { return c.errCh }

func (c *amqpConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = errors.Join(c.ch.Close(), c.conn.Close())
		<-c.done
	})
	return err
}

type amqpProducer struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func newAMQPProducer(cfg ProducerConfig) (Producer, error) {
	if _, err := amqpURL(cfg.URL); err != nil {
		return nil, err
	}
	exchange := exchangeName(cfg.Exchange)
	conn, ch, err := dialAMQP(cfg.URL, exchange)
	if err != nil {
		return nil, err
	}
	return &amqpProducer{exchange: exchange, conn: conn, ch: ch}, nil
}

// Publish sends payload with topic as the routing key. A closed channel is
// reopened once.
func (p *amqpProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(key),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx, p.exchange, topic, false, false, msg)
	if err == nil || !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("queue: amqp reopen channel: %w", chErr)
	}
	p.ch = ch
	return p.ch.PublishWithContext(ctx, p.exchange, topic, false, false, msg)
}

func (p *amqpProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.ch.Close(), p.conn.Close())
}
