package broadcast

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

var (
	errMissingProducer = errors.New("kafka producer is required")
	errMissingTopic    = errors.New("kafka topic is required")
)

// ChangeEvent is the record published to Kafka for every accepted change,
// consumed by external dashboards and collectors.
type ChangeEvent struct {
	EventType string              `json:"eventType"`
	Change    sync.ChangeDocument `json:"change"`
	AppliedAt time.Time           `json:"appliedAt"`
}

const changeEventType = "CHANGE_APPLIED"

// ChangeExporter publishes accepted changes to a Kafka topic, keyed by user
// so one user's changes stay ordered within a partition.
type ChangeExporter struct {
	producer sarama.SyncProducer
	topic    string
	clock    func() time.Time
}

// NewChangeExporter validates the configuration and constructs the exporter.
func NewChangeExporter(producer sarama.SyncProducer, topic string, clock func() time.Time) (*ChangeExporter, error) {
	if producer == nil {
		return nil, errMissingProducer
	}
	if topic == "" {
		return nil, errMissingTopic
	}
	if clock == nil {
		clock = time.Now
	}
	return &ChangeExporter{producer: producer, topic: topic, clock: clock}, nil
}

// Export publishes one accepted change. Export failures are reported to the
// caller but never block the sync pipeline.
func (e *ChangeExporter) Export(change sync.Change) error {
	event := ChangeEvent{
		EventType: changeEventType,
		Change:    sync.EncodeChange(change),
		AppliedAt: e.clock().UTC(),
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(change.UserID.String()),
		Value: sarama.ByteEncoder(encoded),
	}
	_, _, err = e.producer.SendMessage(message)
	return err
}

// NewSyncProducer builds a sarama synchronous producer with acknowledgement
// from all in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	return sarama.NewSyncProducer(brokers, config)
}
