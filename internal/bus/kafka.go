package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
)

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 3
	return cfg
}

func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Session.Timeout = 60 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 20 * time.Second
	return cfg
}

// KafkaPublisher publishes through a synchronous producer so a returned nil
// means the broker acknowledged the write.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	log      *logrus.Entry
}

func NewKafkaPublisher(brokers []string, log *logrus.Entry) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaPublisher{producer: producer, log: log}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("published message")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// KafkaConsumer is a single-topic consumer-group member. One claim is
// processed at a time; offsets are committed only for handled messages, so a
// handler failure ends the session and the message comes back.
type KafkaConsumer struct {
	group sarama.ConsumerGroup
	topic string
	log   *logrus.Entry
}

func NewKafkaConsumer(brokers []string, groupID, topic string, log *logrus.Entry) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka group id and topic are required")
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaConsumer{group: group, topic: topic, log: log}, nil
}

// Consume blocks until ctx is cancelled. Session errors (rebalances,
// broker hiccups, handler failures) are logged and the group is rejoined;
// the uncommitted message is redelivered on the next session.
func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	claims := &claimRunner{handler: handler, log: c.log}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.group.Consume(ctx, []string{c.topic}, claims); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.WithError(err).WithField("topic", c.topic).Warn("consumer session ended")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

type claimRunner struct {
	handler Handler
	log     *logrus.Entry
}

func (r *claimRunner) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *claimRunner) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *claimRunner) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := r.handler(session.Context(), string(message.Key), message.Value); err != nil {
				// Leave the offset unmarked and end the session; the
				// bus redelivers from the last committed offset.
				return err
			}
			session.MarkMessage(message, "")
		}
	}
}
