package broker

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaConfig is an idempotent producer config: one in-flight request and
// acks from all replicas, so per-key order survives producer retries.
func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

type KafkaClient struct {
	producer sarama.SyncProducer
}

func NewKafkaClient(brokers []string) (*KafkaClient, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaClient{producer: producer}, nil
}

// NewKafkaClientWithProducer wraps an existing producer.
func NewKafkaClientWithProducer(producer sarama.SyncProducer) *KafkaClient {
	return &KafkaClient{producer: producer}
}

func (c *KafkaClient) Publish(ctx context.Context, topic string, msg Message, partitionKey string) error {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	headers = append(headers, sarama.RecordHeader{Key: []byte("event-id"), Value: []byte(msg.ID)})

	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(partitionKey),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers,
	}
	return await(ctx, func() error {
		_, _, err := c.producer.SendMessage(pm)
		return err
	})
}

func (c *KafkaClient) Close() error {
	return c.producer.Close()
}

var _ Client = (*KafkaClient)(nil)
