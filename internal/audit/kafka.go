package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"chainalert/internal/platform/kafka/producer"
)

// Topic names, one per category so consumers can apply per-category
// retention.
const (
	TopicCompliance = "chainalert.audit.compliance"
	TopicOperations = "chainalert.audit.operations"
)

// TopicFor maps a category to its Kafka topic.
func TopicFor(category EventCategory) string {
	if category == CategoryCompliance {
		return TopicCompliance
	}
	return TopicOperations
}

// KafkaSink publishes events to the category topics, keyed by event id so a
// replaying consumer can dedupe.
type KafkaSink struct {
	producer *producer.Producer
}

func NewKafkaSink(ctx context.Context, p *producer.Producer) (*KafkaSink, error) {
	if err := p.EnsureTopics(ctx, TopicCompliance, TopicOperations); err != nil {
		return nil, fmt.Errorf("ensure audit topics: %w", err)
	}
	return &KafkaSink{producer: p}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.producer.Publish(ctx, TopicFor(event.Category), []byte(event.ID.String()), value)
}
