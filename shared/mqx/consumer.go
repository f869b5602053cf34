package mqx

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/events"
)

// NewConsumer joins groupID (KAFKA_CONSUMER_GROUP when empty) on topic.
// Offsets are committed explicitly by the caller; a new group starts from
// the oldest retained message.
func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, ErrNoBrokers
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("mqx: KAFKA_CONSUMER_GROUP is required")
	}
	if topic == "" {
		return nil, errors.New("mqx: topic is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	}), nil
}

// DecodeEnvelope parses a relayed outbox payload.
func DecodeEnvelope(msg kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}
