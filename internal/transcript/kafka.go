package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/segmentio/kafka-go"
)

// Scoper is implemented by sinks that tag lines with the action they belong
// to. Executors call Scope once per action before writing any line.
type Scoper interface {
	Scope(actionID string) Sink
}

// Scope returns s scoped to actionID when s supports it.
func Scope(s Sink, actionID string) Sink {
	if sc, ok := s.(Scoper); ok {
		return sc.Scope(actionID)
	}
	return s
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string      `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string        `yaml:"topic" json:"topic" validate:"required"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// KafkaSink publishes one message per line, keyed by action ID so that a
// transcript stays ordered within its partition.
type KafkaSink struct {
	writer   messageWriter
	actionID string
	timeout  time.Duration
	logger   lg.Logger
}

type kafkaLine struct {
	ActionID string    `json:"action_id,omitempty"`
	Level    string    `json:"level"`
	Text     string    `json:"text"`
	Time     time.Time `json:"time"`
}

func NewKafkaSink(cfg KafkaConfig, logger lg.Logger) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		Async:                  false,
		AllowAutoTopicCreation: true,
	}, cfg.Timeout, logger)
}

func newKafkaSink(w messageWriter, timeout time.Duration, logger lg.Logger) *KafkaSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &KafkaSink{writer: w, timeout: timeout, logger: logger}
}

func (k *KafkaSink) Scope(actionID string) Sink {
	scoped := *k
	scoped.actionID = actionID
	return &scoped
}

func (k *KafkaSink) WriteLine(level Level, text string) {
	now := time.Now()
	value, err := json.Marshal(kafkaLine{ActionID: k.actionID, Level: level.String(), Text: text, Time: now})
	if err != nil {
		k.logger.Error("Failed to marshal transcript line", lg.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(k.actionID),
		Value: value,
		Time:  now,
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			k.logger.Error("Kafka topic does not exist",
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		k.logger.Error("Failed to publish transcript line", lg.String("action_id", k.actionID), lg.Err(err))
	}
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
