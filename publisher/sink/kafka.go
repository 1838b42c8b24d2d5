package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	// Writes are synchronous and one record at a time, so a partial batch is
	// flushed after this long
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kafkaConfig.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink writes records to Kafka, one partition per vbucket slot
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	BatchTimeout     time.Duration
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig requires acknowledgement from all in-sync replicas
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a KafkaSink. The connection is established lazily on
// the first write.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &VBucketBalancer{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes rec and waits for the broker acknowledgement. A nil value
// is a tombstone for compacted topics.
func (k *KafkaSink) Publish(ctx context.Context, rec publisher.Record) error {
	return k.writer.WriteMessages(ctx, kafkaMessage(rec))
}

// Close flushes pending writes and releases the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func kafkaMessage(rec publisher.Record) kafka.Message {
	hs := recordHeaders(rec)
	headers := make([]kafka.Header, 0, len(hs))
	for _, h := range hs {
		headers = append(headers, kafka.Header{Key: h.name, Value: []byte(h.value)})
	}
	return kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: headers,
	}
}

// VBucketBalancer keeps every record of a vbucket on one partition so
// checkpoint boundaries stay ordered with the mutations they enclose.
// Messages without a vbucket header are hashed by key.
type VBucketBalancer struct {
	fallback kafka.Hash
}

func (b *VBucketBalancer) Balance(msg kafka.Message, partitions ...int) int {
	for _, h := range msg.Headers {
		if h.Key != HeaderVBucket {
			continue
		}
		vb, err := strconv.ParseUint(string(h.Value), 10, 16)
		if err != nil {
			break
		}
		return partitions[int(vb)%len(partitions)]
	}
	return b.fallback.Balance(msg, partitions...)
}
