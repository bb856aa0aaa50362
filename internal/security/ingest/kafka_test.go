package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/security"
	"github.com/orbitpay/sentra/pkg/models"
)

type fakeProcessor struct {
	calls  int
	last   *models.SecurityEvent
	result *security.ProcessResult
	err    error
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, event *models.SecurityEvent) (*security.ProcessResult, error) {
	f.calls++
	f.last = event
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &security.ProcessResult{Event: event}, nil
}

func eventMessage(t *testing.T, event *models.SecurityEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func TestHandleProcessesEvent(t *testing.T) {
	processor := &fakeProcessor{}
	consumer := NewConsumer(DefaultKafkaConfig(), processor, nil, zap.NewNop())

	event := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventLoginAttempt,
		UserID:    uuid.New(),
		Timestamp: time.Now(),
		Success:   true,
	}
	consumer.handle(context.Background(), eventMessage(t, event))

	require.Equal(t, 1, processor.calls)
	assert.Equal(t, event.ID, processor.last.ID)
	assert.Equal(t, event.UserID, processor.last.UserID)
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	processor := &fakeProcessor{}
	consumer := NewConsumer(DefaultKafkaConfig(), processor, nil, zap.NewNop())

	consumer.handle(context.Background(), kafka.Message{Value: []byte("{not json"), Offset: 42})

	assert.Zero(t, processor.calls)
}

func TestHandleProcessingErrorDoesNotPanic(t *testing.T) {
	processor := &fakeProcessor{err: assert.AnError}
	consumer := NewConsumer(DefaultKafkaConfig(), processor, nil, zap.NewNop())

	event := &models.SecurityEvent{ID: uuid.New(), Type: models.EventLoginAttempt, UserID: uuid.New()}
	consumer.handle(context.Background(), eventMessage(t, event))

	assert.Equal(t, 1, processor.calls)
}

func TestDecisionForMapsResult(t *testing.T) {
	event := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventTransaction,
		UserID:    uuid.New(),
		RiskScore: 87.5,
		Anomalous: true,
	}
	alerts := []*models.SecurityAlert{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}

	d := decisionFor(&security.ProcessResult{Event: event, Alerts: alerts, Blocked: true})

	assert.Equal(t, event.ID.String(), d.EventID)
	assert.Equal(t, event.UserID.String(), d.UserID)
	assert.Equal(t, string(models.EventTransaction), d.EventType)
	assert.Equal(t, 87.5, d.RiskScore)
	assert.True(t, d.Anomalous)
	assert.True(t, d.Blocked)
	require.Len(t, d.AlertIDs, 2)
	assert.Equal(t, alerts[0].ID.String(), d.AlertIDs[0])
	assert.False(t, d.ProcessedAt.IsZero())
}

func TestDecisionForNoAlerts(t *testing.T) {
	event := &models.SecurityEvent{ID: uuid.New(), Type: models.EventLoginAttempt, UserID: uuid.New()}

	d := decisionFor(&security.ProcessResult{Event: event})

	assert.Empty(t, d.AlertIDs)
	assert.False(t, d.Blocked)
	assert.Zero(t, d.RiskScore)
}

func TestDefaultKafkaConfigTopics(t *testing.T) {
	cfg := DefaultKafkaConfig()
	assert.Equal(t, TopicEvents, cfg.EventsTopic)
	assert.Equal(t, TopicDecisions, cfg.DecisionsTopic)
	assert.NotEmpty(t, cfg.ConsumerGroup)
}
