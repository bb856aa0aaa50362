package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/pkg/models"
)

// Config carries the fraud analyzer thresholds and lists.
type Config struct {
	FraudThreshold       float64
	MaxTravelSpeedKmh    float64
	VelocityWindow       time.Duration
	VelocityMaxCount     int
	VelocityMaxTotal     decimal.Decimal
	FailureWindow        time.Duration
	FailureMinCount      int
	SuspiciousIPs        []string
	BlacklistedMerchants []string
}

// DefaultConfig returns the standard fraud thresholds.
func DefaultConfig() Config {
	return Config{
		FraudThreshold:    0.7,
		MaxTravelSpeedKmh: 1000,
		VelocityWindow:    time.Hour,
		VelocityMaxCount:  10,
		VelocityMaxTotal:  decimal.NewFromInt(10000),
		FailureWindow:     30 * time.Minute,
		FailureMinCount:   3,
	}
}

// Result is the outcome of one fraud analysis.
type Result struct {
	Fraudulent bool                    `json:"fraudulent"`
	RiskScore  float64                 `json:"risk_score"`
	Indicators []models.FraudIndicator `json:"indicators,omitempty"`
}

// Analyzer evaluates transaction events against velocity, amount, location,
// merchant, pattern, and temporal rules. Non-transaction events pass through
// with a zero result.
type Analyzer struct {
	db          *gorm.DB
	events      behavior.EventSource
	profiles    *behavior.ProfileStore
	cfg         Config
	suspicious  map[string]struct{}
	blacklisted map[string]struct{}
	logger      *zap.Logger
}

// NewAnalyzer creates a fraud indicator analyzer.
func NewAnalyzer(db *gorm.DB, events behavior.EventSource, profiles *behavior.ProfileStore, cfg Config, logger *zap.Logger) *Analyzer {
	suspicious := make(map[string]struct{}, len(cfg.SuspiciousIPs))
	for _, ip := range cfg.SuspiciousIPs {
		suspicious[ip] = struct{}{}
	}
	blacklisted := make(map[string]struct{}, len(cfg.BlacklistedMerchants))
	for _, m := range cfg.BlacklistedMerchants {
		blacklisted[m] = struct{}{}
	}
	return &Analyzer{
		db:          db,
		events:      events,
		profiles:    profiles,
		cfg:         cfg,
		suspicious:  suspicious,
		blacklisted: blacklisted,
		logger:      logger,
	}
}

// Analyze runs all fraud checks against a transaction. The risk score is the
// clamped sum of exceeded indicator weights; fraud is flagged above the
// threshold, or immediately when a heavy amount indicator fires.
func (a *Analyzer) Analyze(ctx context.Context, event *models.SecurityEvent) (Result, error) {
	if event.Type != models.EventTransaction {
		return Result{}, nil
	}

	profile, err := a.profiles.Get(ctx, event.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load profile for fraud analysis: %w", err)
	}

	recent, err := a.events.RecentEvents(ctx, event.UserID, event.Timestamp.Add(-2*time.Hour))
	if err != nil {
		return Result{}, fmt.Errorf("failed to load recent events for fraud analysis: %w", err)
	}

	var indicators []models.FraudIndicator
	indicators = append(indicators, a.checkAmount(event, profile)...)
	indicators = append(indicators, a.checkVelocity(event, recent)...)
	indicators = append(indicators, a.checkLocation(event, recent)...)
	indicators = append(indicators, a.checkPattern(event, recent)...)
	indicators = append(indicators, a.checkMerchant(event, profile)...)
	indicators = append(indicators, a.checkTime(event)...)

	var score float64
	hardOverride := false
	for _, ind := range indicators {
		if !ind.Exceeded {
			continue
		}
		score += ind.Weight
		if ind.Type == models.IndicatorAmount && ind.Weight > 0.8 {
			hardOverride = true
		}
	}
	if score > 1 {
		score = 1
	}

	result := Result{
		Fraudulent: score > a.cfg.FraudThreshold || hardOverride,
		RiskScore:  score,
		Indicators: indicators,
	}

	if result.Fraudulent {
		a.recordDetection(ctx, event, result)
	}

	return result, nil
}

// checkAmount compares the amount to the user's historical maximum and
// running average, and flags large round amounts.
func (a *Analyzer) checkAmount(event *models.SecurityEvent, profile *models.UserBehaviorProfile) []models.FraudIndicator {
	amount, ok := event.TransactionAmount()
	if !ok {
		return nil
	}

	var indicators []models.FraudIndicator
	if profile != nil {
		stats := profile.TransactionStats
		if stats.MaxAmount.IsPositive() {
			threshold := stats.MaxAmount.Mul(decimal.NewFromInt(5))
			indicators = append(indicators, models.FraudIndicator{
				Type:        models.IndicatorAmount,
				Description: "transaction amount exceeds 5x historical maximum",
				Weight:      0.9,
				Value:       amount.InexactFloat64(),
				Threshold:   threshold.InexactFloat64(),
				Exceeded:    amount.GreaterThan(threshold),
			})
		}
		if stats.AverageAmount.IsPositive() {
			threshold := stats.AverageAmount.Mul(decimal.NewFromInt(10))
			indicators = append(indicators, models.FraudIndicator{
				Type:        models.IndicatorAmount,
				Description: "transaction amount exceeds 10x running average",
				Weight:      0.7,
				Value:       amount.InexactFloat64(),
				Threshold:   threshold.InexactFloat64(),
				Exceeded:    amount.GreaterThan(threshold),
			})
		}
	}

	thousand := decimal.NewFromInt(1000)
	hundred := decimal.NewFromInt(100)
	round := amount.GreaterThan(thousand) && amount.Mod(hundred).IsZero()
	indicators = append(indicators, models.FraudIndicator{
		Type:        models.IndicatorPattern,
		Description: "large round transaction amount",
		Weight:      0.3,
		Value:       amount.InexactFloat64(),
		Threshold:   thousand.InexactFloat64(),
		Exceeded:    round,
	})

	return indicators
}

// checkVelocity flags bursts of transactions in the trailing hour, by count
// and by total amount.
func (a *Analyzer) checkVelocity(event *models.SecurityEvent, recent []models.SecurityEvent) []models.FraudIndicator {
	since := event.Timestamp.Add(-a.cfg.VelocityWindow)

	count := 0
	total := decimal.Zero
	for _, prev := range recent {
		if prev.ID == event.ID || prev.Type != models.EventTransaction || prev.Timestamp.Before(since) {
			continue
		}
		count++
		if amt, ok := prev.TransactionAmount(); ok {
			total = total.Add(amt)
		}
	}
	count++ // current transaction
	if amt, ok := event.TransactionAmount(); ok {
		total = total.Add(amt)
	}

	return []models.FraudIndicator{
		{
			Type:        models.IndicatorVelocity,
			Description: "transaction count in trailing hour",
			Weight:      0.8,
			Value:       float64(count),
			Threshold:   float64(a.cfg.VelocityMaxCount),
			Exceeded:    count > a.cfg.VelocityMaxCount,
		},
		{
			Type:        models.IndicatorVelocity,
			Description: "transaction total in trailing hour",
			Weight:      0.9,
			Value:       total.InexactFloat64(),
			Threshold:   a.cfg.VelocityMaxTotal.InexactFloat64(),
			Exceeded:    total.GreaterThan(a.cfg.VelocityMaxTotal),
		},
	}
}

// checkLocation flags suspicious source IPs and impossible travel between
// transactions in the trailing two hours.
func (a *Analyzer) checkLocation(event *models.SecurityEvent, recent []models.SecurityEvent) []models.FraudIndicator {
	var indicators []models.FraudIndicator

	if _, bad := a.suspicious[event.IPAddress]; bad {
		indicators = append(indicators, models.FraudIndicator{
			Type:        models.IndicatorLocation,
			Description: fmt.Sprintf("source IP %s on suspicious list", event.IPAddress),
			Weight:      0.9,
			Value:       1,
			Threshold:   0,
			Exceeded:    true,
		})
	}

	if behavior.HasCoordinates(event.Location) {
		for _, prev := range recent {
			if prev.ID == event.ID || prev.Type != models.EventTransaction || !behavior.HasCoordinates(prev.Location) {
				continue
			}
			elapsed := event.Timestamp.Sub(prev.Timestamp).Hours()
			impossible, speed := behavior.ImpossibleTravel(*prev.Location, *event.Location, elapsed, a.cfg.MaxTravelSpeedKmh)
			if impossible {
				indicators = append(indicators, models.FraudIndicator{
					Type:        models.IndicatorLocation,
					Description: "impossible travel between transactions",
					Weight:      0.95,
					Value:       speed,
					Threshold:   a.cfg.MaxTravelSpeedKmh,
					Exceeded:    true,
				})
				break
			}
		}
	}

	return indicators
}

// checkPattern flags dead-of-night transactions and failed-then-success runs.
func (a *Analyzer) checkPattern(event *models.SecurityEvent, recent []models.SecurityEvent) []models.FraudIndicator {
	var indicators []models.FraudIndicator

	hour := event.Timestamp.Hour()
	indicators = append(indicators, models.FraudIndicator{
		Type:        models.IndicatorPattern,
		Description: "transaction during 02:00-05:00",
		Weight:      0.4,
		Value:       float64(hour),
		Threshold:   2,
		Exceeded:    hour >= 2 && hour < 5,
	})

	if event.Success {
		since := event.Timestamp.Add(-a.cfg.FailureWindow)
		failures := 0
		for _, prev := range recent {
			if prev.ID == event.ID || prev.Type != models.EventTransaction || prev.Timestamp.Before(since) {
				continue
			}
			if !prev.Success {
				failures++
			}
		}
		indicators = append(indicators, models.FraudIndicator{
			Type:        models.IndicatorPattern,
			Description: "failed transaction attempts preceding success",
			Weight:      0.6,
			Value:       float64(failures),
			Threshold:   float64(a.cfg.FailureMinCount),
			Exceeded:    failures >= a.cfg.FailureMinCount,
		})
	}

	return indicators
}

// checkMerchant flags blacklisted merchants and large first-ever-merchant
// transactions.
func (a *Analyzer) checkMerchant(event *models.SecurityEvent, profile *models.UserBehaviorProfile) []models.FraudIndicator {
	merchant := event.Merchant()
	if merchant == "" {
		return nil
	}

	var indicators []models.FraudIndicator
	if _, bad := a.blacklisted[merchant]; bad {
		indicators = append(indicators, models.FraudIndicator{
			Type:        models.IndicatorBehavioral,
			Description: fmt.Sprintf("merchant %s is blacklisted", merchant),
			Weight:      0.95,
			Value:       1,
			Threshold:   0,
			Exceeded:    true,
		})
	}

	if profile != nil && !profile.KnowsMerchant(merchant) {
		amount, _ := event.TransactionAmount()
		threshold := decimal.NewFromInt(1000)
		indicators = append(indicators, models.FraudIndicator{
			Type:        models.IndicatorBehavioral,
			Description: "large first transaction with new merchant",
			Weight:      0.5,
			Value:       amount.InexactFloat64(),
			Threshold:   threshold.InexactFloat64(),
			Exceeded:    amount.GreaterThan(threshold),
		})
	}

	return indicators
}

// checkTime flags large off-hours transactions.
func (a *Analyzer) checkTime(event *models.SecurityEvent) []models.FraudIndicator {
	amount, ok := event.TransactionAmount()
	if !ok {
		return nil
	}

	weekday := event.Timestamp.Weekday()
	weekend := weekday == time.Saturday || weekday == time.Sunday
	hour := event.Timestamp.Hour()
	night := hour < 6 || hour >= 23

	return []models.FraudIndicator{
		{
			Type:        models.IndicatorPattern,
			Description: "weekend transaction above 5000",
			Weight:      0.3,
			Value:       amount.InexactFloat64(),
			Threshold:   5000,
			Exceeded:    weekend && amount.GreaterThan(decimal.NewFromInt(5000)),
		},
		{
			Type:        models.IndicatorPattern,
			Description: "night-hours transaction above 2000",
			Weight:      0.4,
			Value:       amount.InexactFloat64(),
			Threshold:   2000,
			Exceeded:    night && amount.GreaterThan(decimal.NewFromInt(2000)),
		},
	}
}

// recordDetection persists a flagged transaction with its indicator list for
// later investigation. A storage failure is logged, never propagated.
func (a *Analyzer) recordDetection(ctx context.Context, event *models.SecurityEvent, result Result) {
	record := &models.FraudDetectionRecord{
		ID:         uuid.New(),
		EventID:    event.ID,
		UserID:     event.UserID,
		RiskScore:  result.RiskScore,
		Indicators: result.Indicators,
		DetectedAt: time.Now(),
	}
	if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
		a.logger.Error("Failed to record fraud detection",
			zap.String("user_id", event.UserID.String()),
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}
