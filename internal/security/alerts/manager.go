package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitpay/sentra/internal/security/notification"
	"github.com/orbitpay/sentra/pkg/metrics"
	"github.com/orbitpay/sentra/pkg/models"
)

// Notifier dispatches alert notifications. Fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, n notification.Notification)
}

// CreateInput describes a new alert to raise.
type CreateInput struct {
	Type        models.AlertType
	Severity    models.AlertSeverity // derived from RiskScore when empty
	Title       string
	Description string
	UserID      uuid.UUID
	EventIDs    []uuid.UUID
	RiskScore   float64
	Confidence  float64
	Actions     []string
	Impact      string
	Category    string
}

// Filter narrows an active-alert query. Zero fields are ignored.
type Filter struct {
	Severity models.AlertSeverity
	Type     models.AlertType
	UserID   uuid.UUID
	Category string
}

// Manager creates, routes, and tracks the lifecycle of security alerts.
// Active alerts (open or investigating) are held in a fast-access cache in
// addition to durable storage; resolution evicts from the cache only.
// Cached alerts are immutable snapshots: readers get copies, and lifecycle
// transitions swap in a fresh snapshot instead of mutating in place.
type Manager struct {
	db       *gorm.DB
	notifier Notifier
	logger   *zap.Logger

	mu     sync.RWMutex
	active map[uuid.UUID]*models.SecurityAlert

	rewarmInterval time.Duration
	stopOnce       sync.Once
	stopCh         chan struct{}
	done           chan struct{}
}

// NewManager creates an alert manager.
func NewManager(db *gorm.DB, notifier Notifier, rewarmInterval time.Duration, logger *zap.Logger) *Manager {
	if rewarmInterval <= 0 {
		rewarmInterval = 5 * time.Minute
	}
	return &Manager{
		db:             db,
		notifier:       notifier,
		logger:         logger,
		active:         make(map[uuid.UUID]*models.SecurityAlert),
		rewarmInterval: rewarmInterval,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// CreateAlert assigns id, timestamp, and open status, persists the alert,
// caches it, and dispatches a notification scaled to severity. Every alert
// must reference at least one event.
func (m *Manager) CreateAlert(ctx context.Context, input CreateInput) (*models.SecurityAlert, error) {
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("alert user id is required")
	}
	if len(input.EventIDs) == 0 {
		return nil, fmt.Errorf("alert must reference at least one event")
	}

	severity := input.Severity
	if severity == "" {
		severity = models.SeverityForScore(input.RiskScore)
	}

	now := time.Now()
	alert := &models.SecurityAlert{
		ID:          uuid.New(),
		Type:        input.Type,
		Severity:    severity,
		Title:       input.Title,
		Description: input.Description,
		UserID:      input.UserID,
		EventIDs:    input.EventIDs,
		DetectedAt:  now,
		Status:      models.AlertStatusOpen,
		RiskScore:   input.RiskScore,
		Confidence:  input.Confidence,
		Actions:     input.Actions,
		Impact:      input.Impact,
		Category:    input.Category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.db.WithContext(ctx).Create(alert).Error; err != nil {
		return nil, fmt.Errorf("failed to persist alert: %w", err)
	}

	m.mu.Lock()
	m.active[alert.ID] = alert.Clone()
	m.mu.Unlock()

	metrics.AlertsCreated.WithLabelValues(string(severity)).Inc()
	m.logger.Warn("Security alert created",
		zap.String("alert_id", alert.ID.String()),
		zap.String("user_id", alert.UserID.String()),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(severity)))

	m.dispatch(alert)

	return alert, nil
}

// dispatch fans the alert out to channels scaled by severity: critical goes
// everywhere, high to email and push, the rest to push only.
func (m *Manager) dispatch(alert *models.SecurityAlert) {
	var channels []notification.Channel
	switch alert.Severity {
	case models.SeverityCritical:
		channels = notification.AllChannels()
	case models.SeverityHigh:
		channels = []notification.Channel{notification.ChannelEmail, notification.ChannelPush}
	default:
		channels = []notification.Channel{notification.ChannelPush}
	}

	n := notification.Notification{
		UserID:   alert.UserID,
		Type:     "security_alert",
		Title:    alert.Title,
		Message:  alert.Description,
		Priority: string(alert.Severity),
		Channels: channels,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.notifier.Send(ctx, n)
	}()
}

// Acknowledge moves an open alert to investigating, optionally assigning it.
func (m *Manager) Acknowledge(ctx context.Context, alertID uuid.UUID, assignee string) error {
	current, err := m.load(ctx, alertID)
	if err != nil {
		return err
	}
	if current.Status != models.AlertStatusOpen {
		return fmt.Errorf("alert %s is %s, only open alerts can be acknowledged", alertID, current.Status)
	}

	alert := current.Clone()
	alert.Status = models.AlertStatusInvestigating
	alert.Assignee = assignee
	alert.UpdatedAt = time.Now()

	if err := m.persist(ctx, alert); err != nil {
		return err
	}

	m.mu.Lock()
	m.active[alert.ID] = alert
	m.mu.Unlock()
	return nil
}

// Resolve closes an alert as resolved or false_positive and evicts it from
// the active cache. Resolving an unknown alert fails without side effects.
func (m *Manager) Resolve(ctx context.Context, alertID uuid.UUID, outcome models.AlertStatus) error {
	if !outcome.Terminal() {
		return fmt.Errorf("invalid resolution outcome %q", outcome)
	}

	current, err := m.load(ctx, alertID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("alert %s already %s", alertID, current.Status)
	}

	alert := current.Clone()
	alert.Status = outcome
	alert.UpdatedAt = time.Now()

	if err := m.persist(ctx, alert); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, alert.ID)
	m.mu.Unlock()

	m.logger.Info("Alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("outcome", string(outcome)))
	return nil
}

// load returns the cached snapshot or the stored row. Callers must not
// mutate the returned alert.
func (m *Manager) load(ctx context.Context, alertID uuid.UUID) (*models.SecurityAlert, error) {
	m.mu.RLock()
	if a, ok := m.active[alertID]; ok {
		m.mu.RUnlock()
		return a, nil
	}
	m.mu.RUnlock()

	var alert models.SecurityAlert
	err := m.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return &alert, nil
}

func (m *Manager) persist(ctx context.Context, alert *models.SecurityAlert) error {
	if err := m.db.WithContext(ctx).Save(alert).Error; err != nil {
		return fmt.Errorf("failed to persist alert update: %w", err)
	}
	return nil
}

// Get returns a copy of one alert by id, from the cache or storage.
func (m *Manager) Get(ctx context.Context, alertID uuid.UUID) (*models.SecurityAlert, error) {
	alert, err := m.load(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return alert.Clone(), nil
}

// Active returns copies of the cached active alerts matching the filter,
// sorted by severity descending then recency descending.
func (m *Manager) Active(filter Filter) []*models.SecurityAlert {
	m.mu.RLock()
	result := make([]*models.SecurityAlert, 0, len(m.active))
	for _, a := range m.active {
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.UserID != uuid.Nil && a.UserID != filter.UserID {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		result = append(result, a.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Severity.Rank() != result[j].Severity.Rank() {
			return result[i].Severity.Rank() > result[j].Severity.Rank()
		}
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})
	return result
}

// WarmCache loads every active alert from storage into the cache.
func (m *Manager) WarmCache(ctx context.Context) error {
	var alerts []models.SecurityAlert
	err := m.db.WithContext(ctx).
		Where("status IN ?", []models.AlertStatus{models.AlertStatusOpen, models.AlertStatusInvestigating}).
		Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("failed to warm alert cache: %w", err)
	}

	m.mu.Lock()
	for i := range alerts {
		if _, ok := m.active[alerts[i].ID]; !ok {
			m.active[alerts[i].ID] = &alerts[i]
		}
	}
	m.mu.Unlock()

	m.logger.Info("Alert cache warmed", zap.Int("active_alerts", len(alerts)))
	return nil
}

// Start launches the periodic cache re-warm. Stop is idempotent.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.rewarmInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.WarmCache(context.Background()); err != nil {
					m.logger.Error("Alert cache re-warm failed", zap.Error(err))
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic re-warm. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.done
	})
}
