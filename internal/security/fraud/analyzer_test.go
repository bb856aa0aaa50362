package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/pkg/models"
)

type fakeEventSource struct {
	events []models.SecurityEvent
}

func (f *fakeEventSource) RecentEvents(_ context.Context, _ uuid.UUID, _ time.Time) ([]models.SecurityEvent, error) {
	return f.events, nil
}

func newTestAnalyzer(t *testing.T, cfg Config, source *fakeEventSource) (*Analyzer, *gorm.DB, *behavior.ProfileStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.UserBehaviorProfile{},
		&models.FraudDetectionRecord{},
	))
	profiles := behavior.NewProfileStore(db, zap.NewNop())
	return NewAnalyzer(db, source, profiles, cfg, zap.NewNop()), db, profiles
}

// quietTime is a weekday mid-morning, outside every temporal fraud window.
var quietTime = time.Date(2025, 6, 10, 10, 30, 0, 0, time.UTC)

func transaction(userID uuid.UUID, ts time.Time, amount float64) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventTransaction,
		UserID:    userID,
		Timestamp: ts,
		Success:   true,
		Metadata:  map[string]interface{}{"amount": amount},
	}
}

func seedProfile(t *testing.T, db *gorm.DB, userID uuid.UUID, avg, max float64, merchants []string) {
	t.Helper()
	profile := &models.UserBehaviorProfile{
		UserID:         userID,
		KnownMerchants: merchants,
		TransactionStats: models.TransactionStats{
			AverageAmount: decimal.NewFromFloat(avg),
			MaxAmount:     decimal.NewFromFloat(max),
			Count:         10,
		},
		CreatedAt: quietTime.Add(-24 * time.Hour),
		UpdatedAt: quietTime.Add(-time.Hour),
	}
	require.NoError(t, db.Create(profile).Error)
}

func TestAnalyzeIgnoresNonTransactions(t *testing.T) {
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{})

	result, err := analyzer.Analyze(context.Background(), &models.SecurityEvent{
		ID:     uuid.New(),
		Type:   models.EventLoginAttempt,
		UserID: uuid.New(),
	})
	require.NoError(t, err)
	assert.False(t, result.Fraudulent)
	assert.Zero(t, result.RiskScore)
	assert.Empty(t, result.Indicators)
}

func TestAnalyzeCleanTransaction(t *testing.T) {
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{})
	userID := uuid.New()

	result, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 24.99))
	require.NoError(t, err)

	assert.False(t, result.Fraudulent)
	assert.Zero(t, result.RiskScore)
}

func TestAnalyzeAmountSpikeIsHardOverride(t *testing.T) {
	analyzer, db, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{})
	userID := uuid.New()
	seedProfile(t, db, userID, 100, 500, nil)

	// 3000 exceeds 5x the historical maximum: flagged regardless of the
	// summed score.
	result, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 3000))
	require.NoError(t, err)

	assert.True(t, result.Fraudulent)
	assert.Equal(t, 1.0, result.RiskScore)

	exceeded := map[string]bool{}
	for _, ind := range result.Indicators {
		if ind.Exceeded {
			exceeded[ind.Description] = true
		}
	}
	assert.True(t, exceeded["transaction amount exceeds 5x historical maximum"])
	assert.True(t, exceeded["transaction amount exceeds 10x running average"])

	var detections int64
	require.NoError(t, db.Model(&models.FraudDetectionRecord{}).Count(&detections).Error)
	assert.Equal(t, int64(1), detections)
}

func TestAnalyzeImpossibleTravelBetweenTransactions(t *testing.T) {
	userID := uuid.New()
	newYork := &models.GeoLocation{Latitude: 40.7128, Longitude: -74.0060}
	london := &models.GeoLocation{Latitude: 51.5074, Longitude: -0.1278}

	previous := *transaction(userID, quietTime.Add(-5*time.Minute), 50)
	previous.Location = newYork
	source := &fakeEventSource{events: []models.SecurityEvent{previous}}

	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), source)

	current := transaction(userID, quietTime, 50)
	current.Location = london
	result, err := analyzer.Analyze(context.Background(), current)
	require.NoError(t, err)

	assert.True(t, result.Fraudulent)
	assert.InDelta(t, 0.95, result.RiskScore, 1e-9)
}

func TestAnalyzeVelocityBurst(t *testing.T) {
	userID := uuid.New()
	var recent []models.SecurityEvent
	for i := 0; i < 12; i++ {
		recent = append(recent, *transaction(userID, quietTime.Add(-time.Duration(i+1)*time.Minute), 10))
	}
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{events: recent})

	result, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 10))
	require.NoError(t, err)

	assert.True(t, result.Fraudulent)
	assert.InDelta(t, 0.8, result.RiskScore, 1e-9)
}

func TestAnalyzeVelocityIgnoresEventsOutsideWindow(t *testing.T) {
	userID := uuid.New()
	var recent []models.SecurityEvent
	for i := 0; i < 12; i++ {
		recent = append(recent, *transaction(userID, quietTime.Add(-90*time.Minute), 10))
	}
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{events: recent})

	result, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 10))
	require.NoError(t, err)
	assert.False(t, result.Fraudulent)
}

func TestAnalyzeSuspiciousIPAndBlacklistedMerchant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousIPs = []string{"203.0.113.7"}
	cfg.BlacklistedMerchants = []string{"shady-goods"}
	analyzer, db, _ := newTestAnalyzer(t, cfg, &fakeEventSource{})
	userID := uuid.New()
	seedProfile(t, db, userID, 100, 500, []string{"shady-goods"})

	event := transaction(userID, quietTime, 50)
	event.IPAddress = "203.0.113.7"
	event.Metadata["merchant"] = "shady-goods"

	result, err := analyzer.Analyze(context.Background(), event)
	require.NoError(t, err)

	assert.True(t, result.Fraudulent)
	// Suspicious IP (0.9) plus blacklisted merchant (0.95), clamped.
	assert.Equal(t, 1.0, result.RiskScore)
}

func TestAnalyzeFailedAttemptsBeforeSuccess(t *testing.T) {
	userID := uuid.New()
	var recent []models.SecurityEvent
	for i := 0; i < 3; i++ {
		failed := *transaction(userID, quietTime.Add(-time.Duration(i+1)*time.Minute), 40)
		failed.Success = false
		recent = append(recent, failed)
	}
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{events: recent})

	result, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 40))
	require.NoError(t, err)

	// 0.6 alone stays below the threshold but the indicator must fire.
	assert.False(t, result.Fraudulent)
	found := false
	for _, ind := range result.Indicators {
		if ind.Description == "failed transaction attempts preceding success" {
			found = ind.Exceeded
		}
	}
	assert.True(t, found)
}

func TestAnalyzeNightTimeLargeAmount(t *testing.T) {
	analyzer, _, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{})
	userID := uuid.New()

	threeAM := time.Date(2025, 6, 10, 3, 15, 0, 0, time.UTC)
	result, err := analyzer.Analyze(context.Background(), transaction(userID, threeAM, 2500))
	require.NoError(t, err)

	// Dead-of-night window (0.4) plus night amount (0.4) plus round
	// amount (0.3) pushes past the threshold.
	assert.True(t, result.Fraudulent)
	assert.InDelta(t, 1.0, result.RiskScore, 0.11)
}

func TestAnalyzeScoreMonotonicInIndicators(t *testing.T) {
	analyzer, db, _ := newTestAnalyzer(t, DefaultConfig(), &fakeEventSource{})
	userID := uuid.New()
	seedProfile(t, db, userID, 100, 500, nil)

	mild, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 150))
	require.NoError(t, err)
	wild, err := analyzer.Analyze(context.Background(), transaction(userID, quietTime, 9000))
	require.NoError(t, err)

	assert.Less(t, mild.RiskScore, wild.RiskScore)
}
