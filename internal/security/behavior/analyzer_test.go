package behavior

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orbitpay/sentra/pkg/models"
)

type fakeEventSource struct {
	events []models.SecurityEvent
	err    error
}

func (f *fakeEventSource) RecentEvents(_ context.Context, _ uuid.UUID, _ time.Time) ([]models.SecurityEvent, error) {
	return f.events, f.err
}

func newTestProfileStore(t *testing.T) *ProfileStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.UserBehaviorProfile{}))
	return NewProfileStore(db, zap.NewNop())
}

// tuesdayAt returns a fixed Tuesday with the given hour, so weekday and
// night-hour checks stay deterministic.
func tuesdayAt(hour int) time.Time {
	return time.Date(2025, 6, 10, hour, 30, 0, 0, time.UTC)
}

func loginEvent(userID uuid.UUID, ts time.Time, loc *models.GeoLocation) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventLoginAttempt,
		UserID:    userID,
		Timestamp: ts,
		Location:  loc,
		Success:   true,
	}
}

func TestAnalyzeColdStartNeverFlags(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())

	tokyo := models.GeoLocation{City: "Tokyo", Country: "JP", Latitude: 35.6762, Longitude: 139.6503}
	result, err := analyzer.Analyze(context.Background(), loginEvent(uuid.New(), tuesdayAt(3), &tokyo))
	require.NoError(t, err)

	assert.True(t, result.NewProfile)
	assert.False(t, result.Anomalous)
	assert.Zero(t, result.Score)
}

func TestAnalyzeUnknownLocation(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	seed := loginEvent(userID, tuesdayAt(10), &newYork)
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	// Same hour and weekday, but from the other side of the Atlantic.
	result, err := analyzer.Analyze(ctx, loginEvent(userID, tuesdayAt(10), &london))
	require.NoError(t, err)

	assert.True(t, result.Anomalous)
	assert.InDelta(t, 0.8, result.Score, 1e-9)
	assert.NotEmpty(t, result.Reasons)
}

func TestAnalyzeFamiliarActivityNotFlagged(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	seed := loginEvent(userID, tuesdayAt(10), &newYork)
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	result, err := analyzer.Analyze(ctx, loginEvent(userID, tuesdayAt(10), &newYork))
	require.NoError(t, err)

	assert.False(t, result.Anomalous)
	assert.Zero(t, result.Score)
}

func TestAnalyzeTemporalNeedsBothOutside(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	seed := loginEvent(userID, tuesdayAt(10), nil)
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	// Unusual hour, but the same weekday: suppressed.
	result, err := analyzer.Analyze(ctx, loginEvent(userID, tuesdayAt(3), nil))
	require.NoError(t, err)
	assert.Zero(t, result.Score)

	// Unusual hour on an unusual weekday: flagged, but below the anomaly
	// threshold on its own.
	saturday := time.Date(2025, 6, 14, 3, 30, 0, 0, time.UTC)
	result, err = analyzer.Analyze(ctx, loginEvent(userID, saturday, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.Score, 1e-9)
	assert.False(t, result.Anomalous)
}

func TestAnalyzeImpossibleTravel(t *testing.T) {
	profiles := newTestProfileStore(t)
	userID := uuid.New()
	ctx := context.Background()

	now := tuesdayAt(10)
	previous := *loginEvent(userID, now.Add(-5*time.Minute), &newYork)
	source := &fakeEventSource{events: []models.SecurityEvent{previous}}
	analyzer := NewAnalyzer(profiles, source, DefaultConfig(), zap.NewNop())

	// London is a known location so only the velocity check fires.
	seed := loginEvent(userID, now.Add(-time.Hour), &london)
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	result, err := analyzer.Analyze(ctx, loginEvent(userID, now, &london))
	require.NoError(t, err)

	assert.True(t, result.Anomalous)
	assert.InDelta(t, 0.85, result.Score, 1e-9)
}

func TestAnalyzeVelocitySourceFailureIsSoft(t *testing.T) {
	profiles := newTestProfileStore(t)
	userID := uuid.New()
	ctx := context.Background()

	source := &fakeEventSource{err: assert.AnError}
	analyzer := NewAnalyzer(profiles, source, DefaultConfig(), zap.NewNop())

	seed := loginEvent(userID, tuesdayAt(10), &newYork)
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	result, err := analyzer.Analyze(ctx, loginEvent(userID, tuesdayAt(10), &newYork))
	require.NoError(t, err)
	assert.False(t, result.Anomalous)
}

func TestAnalyzeTransactionAmountSpike(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	seed := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventTransaction,
		UserID:    userID,
		Timestamp: tuesdayAt(10),
		Success:   true,
		Metadata:  map[string]interface{}{"amount": 100.0},
	}
	_, err := analyzer.Analyze(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, analyzer.UpdateProfile(ctx, seed, false))

	spike := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventTransaction,
		UserID:    userID,
		Timestamp: tuesdayAt(10),
		Success:   true,
		Metadata:  map[string]interface{}{"amount": 250.0},
	}
	result, err := analyzer.Analyze(ctx, spike)
	require.NoError(t, err)

	assert.True(t, result.Anomalous)
	assert.InDelta(t, 0.9, result.Score, 1e-9)
}

func TestUpdateProfileSmoothingAverage(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	for _, amount := range []float64{100, 200} {
		event := &models.SecurityEvent{
			ID:        uuid.New(),
			Type:      models.EventTransaction,
			UserID:    userID,
			Timestamp: tuesdayAt(10),
			Success:   true,
			Metadata:  map[string]interface{}{"amount": amount},
		}
		require.NoError(t, analyzer.UpdateProfile(ctx, event, false))
	}

	profile, err := profiles.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, profile)

	stats := profile.TransactionStats
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, "150", stats.AverageAmount.String())
	assert.Equal(t, "200", stats.MaxAmount.String())
}

func TestUpdateProfileBoundsLocationList(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	// Each step is far enough from every previous location to count as new.
	for i := 0; i < MaxFrequentLocations+4; i++ {
		loc := models.GeoLocation{Latitude: float64(i*5) - 60, Longitude: 10}
		event := loginEvent(userID, tuesdayAt(10), &loc)
		require.NoError(t, analyzer.UpdateProfile(ctx, event, false))
	}

	profile, err := profiles.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Len(t, profile.FrequentLocations, MaxFrequentLocations)
	// Oldest entries were evicted, the newest survives.
	last := profile.FrequentLocations[len(profile.FrequentLocations)-1]
	assert.InDelta(t, float64((MaxFrequentLocations+3)*5)-60, last.Latitude, 1e-9)
}

func TestUpdateProfileBoundsDeviceList(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	// Every fingerprint is fully distinct, so none matches a known device.
	for i := 0; i < MaxKnownDevices+3; i++ {
		event := loginEvent(userID, tuesdayAt(10), nil)
		event.Device = &models.DeviceFingerprint{
			Browser:          fmt.Sprintf("browser-%d", i),
			OS:               fmt.Sprintf("os-%d", i),
			ScreenResolution: fmt.Sprintf("%dx%d", 1000+i, 800+i),
			Timezone:         fmt.Sprintf("tz-%d", i),
			Language:         fmt.Sprintf("lang-%d", i),
			CanvasHash:       fmt.Sprintf("canvas-%d", i),
			WebGLHash:        fmt.Sprintf("webgl-%d", i),
		}
		require.NoError(t, analyzer.UpdateProfile(ctx, event, false))
	}

	profile, err := profiles.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Len(t, profile.KnownDevices, MaxKnownDevices)
	// Oldest entries were evicted, the newest survives.
	first := profile.KnownDevices[0]
	last := profile.KnownDevices[len(profile.KnownDevices)-1]
	assert.Equal(t, "canvas-3", first.CanvasHash)
	assert.Equal(t, fmt.Sprintf("canvas-%d", MaxKnownDevices+2), last.CanvasHash)
}

func TestUpdateProfileCountsRiskIndicators(t *testing.T) {
	profiles := newTestProfileStore(t)
	analyzer := NewAnalyzer(profiles, &fakeEventSource{}, DefaultConfig(), zap.NewNop())
	userID := uuid.New()
	ctx := context.Background()

	permChange := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventPermissionChange,
		UserID:    userID,
		Timestamp: tuesdayAt(10),
		Success:   true,
	}
	require.NoError(t, analyzer.UpdateProfile(ctx, permChange, true))

	failedAccess := &models.SecurityEvent{
		ID:        uuid.New(),
		Type:      models.EventDataAccess,
		UserID:    userID,
		Timestamp: tuesdayAt(11),
		Success:   false,
	}
	require.NoError(t, analyzer.UpdateProfile(ctx, failedAccess, false))

	// Failed logins are tracked separately and do not count as high-risk.
	failedLogin := loginEvent(userID, tuesdayAt(12), nil)
	failedLogin.Success = false
	require.NoError(t, analyzer.UpdateProfile(ctx, failedLogin, false))

	profile, err := profiles.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 1, profile.AnomalyCount)
	assert.Equal(t, 2, profile.HighRiskActionCount)
	assert.Equal(t, int64(1), profile.AccessSummary[string(models.EventDataAccess)])
}
