package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/security"
	"github.com/orbitpay/sentra/pkg/models"
)

// Default topics for the event pipeline.
const (
	TopicEvents    = "security.events"
	TopicDecisions = "security.decisions"
)

// KafkaConfig contains configuration for Kafka connection.
type KafkaConfig struct {
	Brokers        []string      `json:"brokers"`
	EventsTopic    string        `json:"events_topic"`
	DecisionsTopic string        `json:"decisions_topic"`
	ConsumerGroup  string        `json:"consumer_group"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BatchSize      int           `json:"batch_size"`
	BatchTimeout   time.Duration `json:"batch_timeout"`
	RetryMax       int           `json:"retry_max"`
	MaxBytes       int           `json:"max_bytes"`
}

// DefaultKafkaConfig returns defaults suitable for a single-broker dev setup.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		EventsTopic:    TopicEvents,
		DecisionsTopic: TopicDecisions,
		ConsumerGroup:  "sentra-pipeline",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   time.Second,
		BatchSize:      100,
		BatchTimeout:   10 * time.Millisecond,
		RetryMax:       3,
		MaxBytes:       1048576, // 1MB
	}
}

// EventProcessor runs one event through the analysis pipeline.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *models.SecurityEvent) (*security.ProcessResult, error)
}

// Decision is the verdict published for each processed event.
type Decision struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	EventType   string    `json:"event_type"`
	RiskScore   float64   `json:"risk_score"`
	Anomalous   bool      `json:"anomalous"`
	Blocked     bool      `json:"blocked"`
	AlertIDs    []string  `json:"alert_ids,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Publisher writes pipeline decisions to the decisions topic.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a decision publisher.
func NewPublisher(cfg KafkaConfig, logger *zap.Logger) *Publisher {
	topic := cfg.DecisionsTopic
	if topic == "" {
		topic = TopicDecisions
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  cfg.RetryMax,
		Compression:  kafka.Snappy,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to publish decisions", zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
	return &Publisher{writer: writer, logger: logger}
}

// Publish sends one decision keyed by user so per-user ordering holds.
func (p *Publisher) Publish(ctx context.Context, decision Decision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(decision.UserID),
		Value: data,
		Time:  time.Now(),
	})
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer reads security events off Kafka and feeds them through the
// pipeline. Malformed payloads are logged and skipped; processing errors are
// logged but the offset still advances, matching at-most-once handling for
// analysis while the HTTP surface remains the authoritative intake.
type Consumer struct {
	cfg       KafkaConfig
	processor EventProcessor
	publisher *Publisher
	logger    *zap.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsumer creates an event consumer. publisher may be nil when no
// decision stream is configured.
func NewConsumer(cfg KafkaConfig, processor EventProcessor, publisher *Publisher, logger *zap.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		processor: processor,
		publisher: publisher,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins consuming in the background until Stop is called.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	topic := c.cfg.EventsTopic
	if topic == "" {
		topic = TopicEvents
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    topic,
		GroupID:  c.cfg.ConsumerGroup,
		MaxBytes: c.cfg.MaxBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	go func() {
		defer close(c.done)
		defer reader.Close()

		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("Failed to read event message", zap.Error(err))
				continue
			}
			c.handle(ctx, msg)
		}
	}()
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event models.SecurityEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Error("Dropping malformed event payload",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition))
		return
	}

	result, err := c.processor.ProcessEvent(ctx, &event)
	if err != nil {
		c.logger.Error("Event processing failed",
			zap.Error(err),
			zap.String("user_id", event.UserID.String()),
			zap.Int64("offset", msg.Offset))
		return
	}

	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, decisionFor(result)); err != nil {
		c.logger.Error("Failed to publish decision", zap.Error(err))
	}
}

func decisionFor(result *security.ProcessResult) Decision {
	d := Decision{
		EventID:     result.Event.ID.String(),
		UserID:      result.Event.UserID.String(),
		EventType:   string(result.Event.Type),
		RiskScore:   result.Event.RiskScore,
		Anomalous:   result.Event.Anomalous,
		Blocked:     result.Blocked,
		ProcessedAt: time.Now(),
	}
	for _, a := range result.Alerts {
		d.AlertIDs = append(d.AlertIDs, a.ID.String())
	}
	return d
}

// Stop halts consumption and waits for the read loop to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}
