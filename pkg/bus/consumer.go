package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"ladder/pkg/models"
)

// Scanner pipelines publish results to the findings topic; the consumer is
// the only ingestion boundary for findings and scan completions.

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader kafkaReader
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg ConsumerConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// FindingStore is what the ingest loop needs from persistence.
type FindingStore interface {
	InsertFinding(ctx context.Context, f models.Finding) error
	RecordScan(ctx context.Context, projectID, source, status string, completedAt time.Time) error
}

// FindingEvent is the wire shape scanner pipelines produce. A scan_completed
// event carries no finding payload.
type FindingEvent struct {
	Kind        string         `json:"kind"`
	ProjectID   string         `json:"project_id"`
	Source      string         `json:"source"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Finding     models.Finding `json:"finding,omitempty"`
}

// Ingest consumes finding events until the context ends. Malformed messages
// are logged and dropped; the loop never stops on a single bad payload.
func Ingest(ctx context.Context, consumer Consumer, store FindingStore) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		var evt FindingEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("findings ingest: drop malformed message: %v", err)
			continue
		}
		if err := handleFindingEvent(ctx, store, evt); err != nil {
			log.Printf("findings ingest: %v", err)
		}
	}
}

func handleFindingEvent(ctx context.Context, store FindingStore, evt FindingEvent) error {
	switch evt.Kind {
	case "finding":
		f := evt.Finding
		if f.ProjectID == "" {
			f.ProjectID = evt.ProjectID
		}
		if f.FindingID == "" || f.ProjectID == "" {
			return fmt.Errorf("drop finding without ids (project %q)", evt.ProjectID)
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		return store.InsertFinding(ctx, f)
	case "scan_completed":
		if evt.ProjectID == "" || evt.Source == "" {
			return fmt.Errorf("drop scan completion without project/source")
		}
		at := evt.CompletedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return store.RecordScan(ctx, evt.ProjectID, evt.Source, "completed", at)
	default:
		return fmt.Errorf("drop unknown event kind %q", evt.Kind)
	}
}
