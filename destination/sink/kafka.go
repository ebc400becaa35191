package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/tapline/cfg"
	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/transformer"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	Register("kafka", func(config cfg.SinkConfiguration, filter destination.Filter, tr transformer.Transformer) (destination.Destination, error) {
		return NewKafka(KafkaConfig{
			Name:             config.Name,
			Brokers:          config.Brokers,
			Topic:            config.Topic,
			BatchSize:        config.BatchSize,
			Async:            config.Async,
			Compress:         config.Compress,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		}, filter, tr)
	})
}

// KafkaConfig holds configuration for the Kafka sink
type KafkaConfig struct {
	Name             string
	Brokers          []string
	Topic            string
	BatchSize        int                // default: 100
	BatchBytes       int64              // default: 1MB
	RequiredAcks     kafka.RequiredAcks // default: RequireAll
	Async            bool               // delivery errors go to listeners
	Compress         bool               // zstd payloads
	AutoCreateTopics bool
}

// messageWriter is the subset of *kafka.Writer used by the sink
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes mutations to a single topic keyed by mutation key, so all
// changes to one row land on the same partition.
type Kafka struct {
	*base
	config KafkaConfig
	writer messageWriter
}

// NewKafka creates a Kafka sink. The writer connects lazily on first send.
func NewKafka(config KafkaConfig, filter destination.Filter, tr transformer.Transformer) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	if tr == nil {
		return nil, fmt.Errorf("kafka sink requires a transformer")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.Name == "" {
		config.Name = "kafka"
	}

	k := &Kafka{
		base:   newBase(config.Name, filter, tr, config.Compress),
		config: config,
	}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  config.Async,
		AllowAutoTopicCreation: config.AutoCreateTopics,
		Completion:             k.completion,
	}
	return k, nil
}

func (k *Kafka) Open(context.Context) error {
	k.started.Store(true)
	log.Info().
		Str("sink", k.name).
		Strs("brokers", k.config.Brokers).
		Str("topic", k.config.Topic).
		Bool("async", k.config.Async).
		Msg("Kafka sink opened")
	return nil
}

// Send writes the mutations in order. In async mode it returns once the
// messages are queued in the writer and failures reach the listeners.
func (k *Kafka) Send(ctx context.Context, mutations []mutation.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	records, err := k.render(mutations)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		k.acknowledge(mutations[len(mutations)-1])
		return nil
	}

	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{
			Key:        []byte(r.key),
			Value:      r.value,
			WriterData: r.m,
		}
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return &destination.DeliveryError{Op: "publish", Destination: k.name, Err: err}
	}
	if !k.config.Async {
		k.acknowledge(mutations[len(mutations)-1])
	}
	return nil
}

// completion runs on the writer goroutine after each produce request
func (k *Kafka) completion(messages []kafka.Message, err error) {
	if err != nil {
		if !k.config.Async {
			return
		}
		log.Error().
			Err(err).
			Str("sink", k.name).
			Int("messages", len(messages)).
			Msg("Async Kafka write failed")
		k.NotifyError(&destination.DeliveryError{Op: "publish", Destination: k.name, Err: err})
		return
	}

	for _, msg := range messages {
		if m, ok := msg.WriterData.(mutation.Mutation); ok {
			k.acknowledge(m)
		}
	}
}

func (k *Kafka) Close() error {
	k.started.Store(false)
	if k.writer == nil {
		return nil
	}
	if err := k.writer.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
