package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. A returned error is reported
// but the offset is still committed; graph updates are not replayed.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume runs the poll loop until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	// Close leaves the group and commits final offsets.
	Close()
}

// ConsumerOption configures a KafkaConsumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	clientID  string
	fromStart bool
	onResult  func(msg Message, err error)
}

// WithClientID sets the client id reported to the brokers. Defaults to the
// group id.
func WithClientID(id string) ConsumerOption {
	return func(c *consumerConfig) { c.clientID = id }
}

// WithFromStart makes a new group begin at the earliest offset instead of the
// latest. Invalidation consumers skip history, so this is off by default.
func WithFromStart() ConsumerOption {
	return func(c *consumerConfig) { c.fromStart = true }
}

// WithResultHook registers fn to observe every handled message and its
// handler error, if any.
func WithResultHook(fn func(msg Message, err error)) ConsumerOption {
	return func(c *consumerConfig) { c.onResult = fn }
}

// KafkaConsumer is a franz-go consumer group member.
type KafkaConsumer struct {
	client   *kgo.Client
	groupID  string
	topics   []string
	onResult func(msg Message, err error)

	mu     sync.Mutex
	closed bool
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewConsumer joins groupID and subscribes to topics. Offsets are
// auto-committed.
func NewConsumer(brokers []string, groupID string, topics []string, opts ...ConsumerOption) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if groupID == "" {
		return nil, errors.New("consumer group id is required")
	}

	cfg := &consumerConfig{clientID: groupID}
	for _, opt := range opts {
		opt(cfg)
	}
	start := kgo.NewOffset().AtEnd()
	if cfg.fromStart {
		start = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.clientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(start),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Bool("from_start", cfg.fromStart).
		Msg("kafka consumer created")

	return &KafkaConsumer{
		client:   client,
		groupID:  groupID,
		topics:   topics,
		onResult: cfg.onResult,
	}, nil
}

// Consume polls until ctx is cancelled and hands every record to handler in
// partition order.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("consumer is closed")
	}

	log.Info().Strs("topics", c.topics).Str("group", c.groupID).Msg("consumer loop started")

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.handle(ctx, handler, record)
		})

		c.client.AllowRebalance()
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, handler MessageHandler, record *kgo.Record) {
	msg := recordToMessage(record)
	err := handler(ctx, msg)
	if err != nil {
		log.Error().Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("message handler error")
	}
	if c.onResult != nil {
		c.onResult(msg, err)
	}
}

// Close leaves the group, committing final offsets. Safe to call twice.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// TopicNaming provides canonical topic names.
type TopicNaming struct{}

// GraphUpdates carries GraphUpdated events from the indexer.
func (TopicNaming) GraphUpdates() string { return "graph.updates" }

// HolderStats carries StatsComputed events.
func (TopicNaming) HolderStats() string { return "holders.stats" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}
