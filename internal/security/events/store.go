package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orbitpay/sentra/pkg/metrics"
	"github.com/orbitpay/sentra/pkg/models"
)

// Config controls the write buffer.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultConfig returns the standard buffer settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100,
		FlushInterval: 30 * time.Second,
	}
}

// Filter narrows an event query. Zero fields are ignored.
type Filter struct {
	UserID  uuid.UUID
	Type    models.EventType
	Success *bool
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Store durably records security events. Writes are buffered in memory and
// flushed in batches, triggered by size, by a periodic timer, or explicitly.
// A failed batch write is re-queued entirely for the next flush, so the
// persistence side must tolerate duplicate ids (upsert semantics).
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    Config

	mu     sync.Mutex
	buffer []*models.SecurityEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewStore creates an event store. Call Start to enable the periodic flush
// and Stop for the mandatory final flush on shutdown.
func NewStore(db *gorm.DB, cfg Config, logger *zap.Logger) *Store {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Store{
		db:     db,
		logger: logger,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Record assigns an id and timestamp (when absent) and enqueues the event.
// Reaching the configured buffer size triggers one automatic flush of the
// buffered batch. Missing user id or type is a hard ingestion error.
func (s *Store) Record(ctx context.Context, event *models.SecurityEvent) (*models.SecurityEvent, error) {
	if event.UserID == uuid.Nil {
		return nil, fmt.Errorf("event user id is required")
	}
	if !models.ValidEventType(event.Type) {
		return nil, fmt.Errorf("invalid event type %q", event.Type)
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.CreatedAt = time.Now()

	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	depth := len(s.buffer)
	var batch []*models.SecurityEvent
	if depth >= s.cfg.BufferSize {
		batch = s.buffer
		s.buffer = nil
		depth = 0
	}
	s.mu.Unlock()
	metrics.EventBufferDepth.Set(float64(depth))

	if batch != nil {
		if err := s.persistBatch(ctx, batch); err != nil {
			// Fail-safe: the event is recorded in memory and retried on the
			// next flush cycle, the caller proceeds.
			s.logger.Error("Automatic flush failed, batch re-queued",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
		}
	}

	return event, nil
}

// Flush persists the current buffer as one batch and clears it. Safe to call
// concurrently with Record: the buffer is snapshot-and-swapped, not drained
// in place.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	metrics.EventBufferDepth.Set(0)

	return s.persistBatch(ctx, batch)
}

// persistBatch writes one batch, re-queuing it at the front of the buffer on
// failure (at-least-once persistence).
func (s *Store) persistBatch(ctx context.Context, batch []*models.SecurityEvent) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(batch, len(batch)).Error
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		depth := len(s.buffer)
		s.mu.Unlock()
		metrics.EventBufferDepth.Set(float64(depth))
		metrics.FlushBatches.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist event batch: %w", err)
	}

	metrics.FlushBatches.WithLabelValues("ok").Inc()
	s.logger.Debug("Flushed event batch", zap.Int("batch_size", len(batch)))
	return nil
}

// Start launches the periodic flush. Idempotent stop via Stop.
func (s *Store) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(context.Background()); err != nil {
					s.logger.Error("Periodic event flush failed", zap.Error(err))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic flush and performs the mandatory final synchronous
// flush. Safe to call more than once.
func (s *Store) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		err = s.Flush(ctx)
	})
	return err
}

// BufferedCount returns the number of events awaiting flush.
func (s *Store) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Query returns events matching the filter, most recent first. Buffered but
// not yet flushed events are included so analysis never misses the freshest
// activity.
func (s *Store) Query(ctx context.Context, filter Filter) ([]models.SecurityEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.SecurityEvent{})
	if filter.UserID != uuid.Nil {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Success != nil {
		q = q.Where("success = ?", *filter.Success)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp <= ?", filter.Until)
	}

	var persisted []models.SecurityEvent
	if err := q.Order("timestamp DESC").Find(&persisted).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	merged := s.mergeBuffered(persisted, filter)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// mergeBuffered appends matching buffered events not already persisted.
func (s *Store) mergeBuffered(persisted []models.SecurityEvent, filter Filter) []models.SecurityEvent {
	seen := make(map[uuid.UUID]struct{}, len(persisted))
	for _, e := range persisted {
		seen[e.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged := persisted
	for _, e := range s.buffer {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		if !matches(e, filter) {
			continue
		}
		merged = append(merged, *e)
	}
	return merged
}

func matches(e *models.SecurityEvent, filter Filter) bool {
	if filter.UserID != uuid.Nil && e.UserID != filter.UserID {
		return false
	}
	if filter.Type != "" && e.Type != filter.Type {
		return false
	}
	if filter.Success != nil && e.Success != *filter.Success {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
		return false
	}
	return true
}

// RecentEvents satisfies the analyzers' event source contract: all events
// for one user since the given time, most recent first.
func (s *Store) RecentEvents(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.SecurityEvent, error) {
	return s.Query(ctx, Filter{UserID: userID, Since: since})
}

// UpdateAnalysis sets the risk score and anomaly flag on a recorded event,
// the only mutation the audit trail permits.
func (s *Store) UpdateAnalysis(ctx context.Context, eventID uuid.UUID, riskScore float64, anomalous bool) error {
	s.mu.Lock()
	for _, e := range s.buffer {
		if e.ID == eventID {
			e.RiskScore = riskScore
			e.Anomalous = anomalous
		}
	}
	s.mu.Unlock()

	err := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{"risk_score": riskScore, "anomalous": anomalous}).Error
	if err != nil {
		return fmt.Errorf("failed to update event analysis: %w", err)
	}
	return nil
}
