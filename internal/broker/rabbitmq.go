package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const HeaderPartitionKey = "partition-key"

// RabbitClient publishes to a durable topic exchange named after the topic,
// routed by event type, with publisher confirms.
type RabbitClient struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	confirms  chan amqp.Confirmation
	declared  map[string]bool
	published uint64
}

func NewRabbitClient(url string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &RabbitClient{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		declared: make(map[string]bool),
	}, nil
}

func (c *RabbitClient) Publish(ctx context.Context, topic string, msg Message, partitionKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.declared[topic] {
		err := c.ch.ExchangeDeclare(
			topic,   // name
			"topic", // kind
			true,    // durable
			false,   // auto-deleted
			false,   // internal
			false,   // no-wait
			nil,
		)
		if err != nil {
			return &TemporaryError{fmt.Errorf("declare exchange %s: %w", topic, err)}
		}
		c.declared[topic] = true
	}

	headers := amqp.Table{HeaderPartitionKey: partitionKey}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	err := c.ch.Publish(topic, msg.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		return &TemporaryError{err}
	}
	c.published++

	// Confirms for earlier publishes that timed out may still be queued.
	for {
		select {
		case <-ctx.Done():
			return &TemporaryError{ctx.Err()}
		case conf, ok := <-c.confirms:
			if !ok {
				return &TemporaryError{errors.New("rabbitmq channel closed")}
			}
			if conf.DeliveryTag < c.published {
				continue
			}
			if !conf.Ack {
				return &TemporaryError{fmt.Errorf("message %s nacked by broker", msg.ID)}
			}
			return nil
		}
	}
}

func (c *RabbitClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

var _ Client = (*RabbitClient)(nil)
