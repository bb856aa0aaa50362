package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/pkg/models"
)

// Per-check anomaly scores. The overall score is the maximum of the
// triggered checks.
const (
	scoreUnknownLocation = 0.8
	scoreUnusualTime     = 0.6
	scoreUnknownDevice   = 0.7
	scoreImpossibleSpeed = 0.85
	scoreAmountOverMax   = 0.9
	scoreAmountOverAvg   = 0.8
)

// EventSource supplies recent events for velocity checks.
type EventSource interface {
	RecentEvents(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.SecurityEvent, error)
}

// Config carries the behavioral analyzer thresholds.
type Config struct {
	AnomalyThreshold      float64
	KnownLocationRadiusKm float64
	DeviceMatchThreshold  float64
	MaxTravelSpeedKmh     float64
	TravelLookback        time.Duration
}

// DefaultConfig returns the standard analyzer thresholds.
func DefaultConfig() Config {
	return Config{
		AnomalyThreshold:      0.7,
		KnownLocationRadiusKm: 100,
		DeviceMatchThreshold:  0.8,
		MaxTravelSpeedKmh:     1000,
		TravelLookback:        2 * time.Hour,
	}
}

// Result is the outcome of one behavioral analysis.
type Result struct {
	Anomalous  bool     `json:"anomalous"`
	Score      float64  `json:"score"`
	Reasons    []string `json:"reasons,omitempty"`
	NewProfile bool     `json:"new_profile"`
}

// Analyzer compares incoming events against the user's rolling behavior
// profile. A brand-new user's first event is never flagged (cold start).
type Analyzer struct {
	profiles *ProfileStore
	events   EventSource
	cfg      Config
	logger   *zap.Logger
}

// NewAnalyzer creates a behavioral anomaly analyzer.
func NewAnalyzer(profiles *ProfileStore, events EventSource, cfg Config, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		profiles: profiles,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Analyze runs the five behavioral checks against the user's profile.
// Profile mutation happens separately through UpdateProfile.
func (a *Analyzer) Analyze(ctx context.Context, event *models.SecurityEvent) (Result, error) {
	profile, created, err := a.profiles.GetOrCreate(ctx, event.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load profile for analysis: %w", err)
	}
	if created {
		return Result{NewProfile: true}, nil
	}

	var result Result

	if score, reason := a.checkLocation(event, profile); score > 0 {
		result.record(score, reason)
	}
	if score, reason := a.checkTemporal(event, profile); score > 0 {
		result.record(score, reason)
	}
	if score, reason := a.checkDevice(event, profile); score > 0 {
		result.record(score, reason)
	}
	if score, reason := a.checkVelocity(ctx, event); score > 0 {
		result.record(score, reason)
	}
	if score, reason := a.checkPattern(event, profile); score > 0 {
		result.record(score, reason)
	}

	result.Anomalous = result.Score > a.cfg.AnomalyThreshold
	return result, nil
}

func (r *Result) record(score float64, reason string) {
	if score > r.Score {
		r.Score = score
	}
	r.Reasons = append(r.Reasons, reason)
}

// checkLocation flags events farther than the known-location radius from
// every location in the profile.
func (a *Analyzer) checkLocation(event *models.SecurityEvent, profile *models.UserBehaviorProfile) (float64, string) {
	if !HasCoordinates(event.Location) || len(profile.FrequentLocations) == 0 {
		return 0, ""
	}

	minDistance := -1.0
	for _, known := range profile.FrequentLocations {
		d := Haversine(known, *event.Location)
		if minDistance < 0 || d < minDistance {
			minDistance = d
		}
	}

	if minDistance > a.cfg.KnownLocationRadiusKm {
		return scoreUnknownLocation, fmt.Sprintf(
			"location %.0f km from nearest known location", minDistance)
	}
	return 0, ""
}

// checkTemporal flags events whose hour AND weekday both fall outside the
// profile baseline. Either matching suppresses the flag.
func (a *Analyzer) checkTemporal(event *models.SecurityEvent, profile *models.UserBehaviorProfile) (float64, string) {
	if len(profile.TypicalLoginHours) == 0 && len(profile.TypicalDays) == 0 {
		return 0, ""
	}

	hour := event.Timestamp.Hour()
	day := int(event.Timestamp.Weekday())
	if !profile.HasTypicalHour(hour) && !profile.HasTypicalDay(day) {
		return scoreUnusualTime, fmt.Sprintf(
			"activity at hour %d on weekday %d outside typical schedule", hour, day)
	}
	return 0, ""
}

// checkDevice flags fingerprints that don't weighted-match any known device.
func (a *Analyzer) checkDevice(event *models.SecurityEvent, profile *models.UserBehaviorProfile) (float64, string) {
	if event.Device == nil || len(profile.KnownDevices) == 0 {
		return 0, ""
	}

	best := 0.0
	for _, known := range profile.KnownDevices {
		if s := DeviceSimilarity(known, *event.Device); s > best {
			best = s
		}
	}

	if best <= a.cfg.DeviceMatchThreshold {
		return scoreUnknownDevice, fmt.Sprintf(
			"device fingerprint best match %.2f below threshold", best)
	}
	return 0, ""
}

// checkVelocity flags impossible travel against the user's recent events.
func (a *Analyzer) checkVelocity(ctx context.Context, event *models.SecurityEvent) (float64, string) {
	if !HasCoordinates(event.Location) {
		return 0, ""
	}

	recent, err := a.events.RecentEvents(ctx, event.UserID, event.Timestamp.Add(-a.cfg.TravelLookback))
	if err != nil {
		// Velocity is a best-effort check; a store failure must not abort
		// the analysis.
		a.logger.Warn("Velocity check skipped",
			zap.String("user_id", event.UserID.String()),
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return 0, ""
	}

	for _, prev := range recent {
		if prev.ID == event.ID || !HasCoordinates(prev.Location) {
			continue
		}
		elapsed := event.Timestamp.Sub(prev.Timestamp).Hours()
		impossible, speed := ImpossibleTravel(*prev.Location, *event.Location, elapsed, a.cfg.MaxTravelSpeedKmh)
		if impossible {
			return scoreImpossibleSpeed, fmt.Sprintf(
				"implied travel speed %.0f km/h exceeds %.0f km/h", speed, a.cfg.MaxTravelSpeedKmh)
		}
	}
	return 0, ""
}

// checkPattern flags transactions far outside the profile's amount history.
func (a *Analyzer) checkPattern(event *models.SecurityEvent, profile *models.UserBehaviorProfile) (float64, string) {
	if event.Type != models.EventTransaction {
		return 0, ""
	}
	amount, ok := event.TransactionAmount()
	if !ok {
		return 0, ""
	}

	stats := profile.TransactionStats
	if stats.MaxAmount.IsPositive() && amount.GreaterThan(stats.MaxAmount.Mul(decimal.NewFromInt(2))) {
		return scoreAmountOverMax, fmt.Sprintf(
			"transaction amount %s exceeds 2x historical maximum %s",
			amount.StringFixed(2), stats.MaxAmount.StringFixed(2))
	}
	if stats.AverageAmount.IsPositive() && amount.GreaterThan(stats.AverageAmount.Mul(decimal.NewFromInt(10))) {
		return scoreAmountOverAvg, fmt.Sprintf(
			"transaction amount %s exceeds 10x running average %s",
			amount.StringFixed(2), stats.AverageAmount.StringFixed(2))
	}
	return 0, ""
}

// UpdateProfile folds the event into the user's profile: typical hours and
// days, bounded location/device/merchant lists, transaction statistics, and
// risk-indicator counters.
func (a *Analyzer) UpdateProfile(ctx context.Context, event *models.SecurityEvent, anomalous bool) error {
	return a.profiles.Update(ctx, event.UserID, func(p *models.UserBehaviorProfile) {
		hour := event.Timestamp.Hour()
		if !p.HasTypicalHour(hour) {
			p.TypicalLoginHours = append(p.TypicalLoginHours, hour)
		}
		day := int(event.Timestamp.Weekday())
		if !p.HasTypicalDay(day) {
			p.TypicalDays = append(p.TypicalDays, day)
		}

		if HasCoordinates(event.Location) && !a.knownLocation(p, *event.Location) {
			p.FrequentLocations = append(p.FrequentLocations, *event.Location)
			if len(p.FrequentLocations) > MaxFrequentLocations {
				p.FrequentLocations = p.FrequentLocations[len(p.FrequentLocations)-MaxFrequentLocations:]
			}
		}

		if event.Device != nil && !a.knownDevice(p, *event.Device) {
			p.KnownDevices = append(p.KnownDevices, *event.Device)
			if len(p.KnownDevices) > MaxKnownDevices {
				p.KnownDevices = p.KnownDevices[len(p.KnownDevices)-MaxKnownDevices:]
			}
		}

		if event.Type == models.EventTransaction {
			if amount, ok := event.TransactionAmount(); ok {
				stats := &p.TransactionStats
				if stats.Count == 0 {
					stats.AverageAmount = amount
				} else {
					// Smoothing update (avg+amount)/2, kept intentionally.
					stats.AverageAmount = stats.AverageAmount.Add(amount).Div(decimal.NewFromInt(2))
				}
				if amount.GreaterThan(stats.MaxAmount) {
					stats.MaxAmount = amount
				}
				stats.Count++
				stats.LastTransactionAt = event.Timestamp
			}
			if merchant := event.Merchant(); merchant != "" && !p.KnowsMerchant(merchant) {
				p.KnownMerchants = append(p.KnownMerchants, merchant)
				if len(p.KnownMerchants) > maxKnownMerchants {
					p.KnownMerchants = p.KnownMerchants[len(p.KnownMerchants)-maxKnownMerchants:]
				}
			}
		}

		switch event.Type {
		case models.EventDataAccess, models.EventSystemAccess, models.EventFileAccess:
			if p.AccessSummary == nil {
				p.AccessSummary = make(map[string]int64)
			}
			p.AccessSummary[string(event.Type)]++
		}

		if anomalous {
			p.AnomalyCount++
		}
		if event.Type == models.EventPermissionChange || (!event.Success && event.Type != models.EventLoginAttempt) {
			p.HighRiskActionCount++
		}
	})
}

func (a *Analyzer) knownLocation(p *models.UserBehaviorProfile, loc models.GeoLocation) bool {
	for _, known := range p.FrequentLocations {
		if Haversine(known, loc) <= a.cfg.KnownLocationRadiusKm {
			return true
		}
	}
	return false
}

func (a *Analyzer) knownDevice(p *models.UserBehaviorProfile, dev models.DeviceFingerprint) bool {
	for _, known := range p.KnownDevices {
		if DeviceSimilarity(known, dev) > a.cfg.DeviceMatchThreshold {
			return true
		}
	}
	return false
}
