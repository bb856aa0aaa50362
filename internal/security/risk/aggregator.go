package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/pkg/metrics"
	"github.com/orbitpay/sentra/pkg/models"
)

// Sub-score weights for the overall risk score.
const (
	weightBehavioral    = 0.30
	weightTransactional = 0.25
	weightGeographical  = 0.20
	weightDevice        = 0.15
	weightTemporal      = 0.10
)

// Automated-client signatures looked for in user-agent strings.
var automatedAgentSignatures = []string{
	"bot", "curl", "wget", "python", "headless", "spider", "scraper", "httpclient",
}

// Config carries the aggregator settings.
type Config struct {
	Validity          time.Duration
	EventWindow       time.Duration
	MaxTravelSpeedKmh float64
}

// DefaultConfig returns the standard aggregator settings.
func DefaultConfig() Config {
	return Config{
		Validity:          24 * time.Hour,
		EventWindow:       24 * time.Hour,
		MaxTravelSpeedKmh: 1000,
	}
}

// Aggregator combines recent events and the behavior profile into a single
// weighted risk assessment per user. Assessments are cached in memory (and,
// when available, in redis) until their validity window elapses or they are
// explicitly invalidated.
type Aggregator struct {
	db       *gorm.DB
	redis    *redis.Client
	events   behavior.EventSource
	profiles *behavior.ProfileStore
	cfg      Config
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]*models.RiskAssessment
}

// NewAggregator creates a risk aggregator. redisClient may be nil, in which
// case only the in-memory cache level is used.
func NewAggregator(db *gorm.DB, redisClient *redis.Client, events behavior.EventSource, profiles *behavior.ProfileStore, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultConfig().Validity
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = DefaultConfig().EventWindow
	}
	if cfg.MaxTravelSpeedKmh <= 0 {
		cfg.MaxTravelSpeedKmh = DefaultConfig().MaxTravelSpeedKmh
	}
	return &Aggregator{
		db:       db,
		redis:    redisClient,
		events:   events,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[uuid.UUID]*models.RiskAssessment),
	}
}

// Assess returns the user's current risk assessment, recomputing only after
// the cached one expires. A computation failure yields a conservative
// medium-risk default instead of an error.
func (ag *Aggregator) Assess(ctx context.Context, userID uuid.UUID) (*models.RiskAssessment, error) {
	now := time.Now()

	ag.mu.RLock()
	cached, ok := ag.cache[userID]
	ag.mu.RUnlock()
	if ok && !cached.Expired(now) {
		metrics.RiskAssessments.WithLabelValues("memory").Inc()
		return cached, nil
	}

	if fromRedis := ag.loadRedis(ctx, userID); fromRedis != nil && !fromRedis.Expired(now) {
		ag.mu.Lock()
		ag.cache[userID] = fromRedis
		ag.mu.Unlock()
		metrics.RiskAssessments.WithLabelValues("redis").Inc()
		return fromRedis, nil
	}

	assessment, err := ag.compute(ctx, userID, now)
	if err != nil {
		// Fail conservative: medium risk rather than a pipeline error.
		ag.logger.Error("Risk assessment computation failed, returning default",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		assessment = ag.defaultAssessment(userID, now)
	}
	metrics.RiskAssessments.WithLabelValues("computed").Inc()

	ag.store(ctx, assessment)
	return assessment, nil
}

// Invalidate drops cached assessments so the next request recomputes.
func (ag *Aggregator) Invalidate(ctx context.Context, userID uuid.UUID) {
	ag.mu.Lock()
	delete(ag.cache, userID)
	ag.mu.Unlock()

	if ag.redis != nil {
		if err := ag.redis.Del(ctx, ag.redisKey(userID)).Err(); err != nil {
			ag.logger.Warn("Failed to invalidate redis assessment cache",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
}

func (ag *Aggregator) redisKey(userID uuid.UUID) string {
	return "sentra:risk:" + userID.String()
}

func (ag *Aggregator) loadRedis(ctx context.Context, userID uuid.UUID) *models.RiskAssessment {
	if ag.redis == nil {
		return nil
	}
	data, err := ag.redis.Get(ctx, ag.redisKey(userID)).Bytes()
	if err != nil {
		return nil
	}
	var assessment models.RiskAssessment
	if err := json.Unmarshal(data, &assessment); err != nil {
		return nil
	}
	return &assessment
}

func (ag *Aggregator) store(ctx context.Context, assessment *models.RiskAssessment) {
	ag.mu.Lock()
	ag.cache[assessment.UserID] = assessment
	ag.mu.Unlock()

	if ag.redis != nil {
		if data, err := json.Marshal(assessment); err == nil {
			ttl := time.Until(assessment.ValidUntil)
			if ttl > 0 {
				if err := ag.redis.Set(ctx, ag.redisKey(assessment.UserID), data, ttl).Err(); err != nil {
					ag.logger.Warn("Failed to cache assessment in redis", zap.Error(err))
				}
			}
		}
	}

	if err := ag.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(assessment).Error; err != nil {
		ag.logger.Warn("Failed to persist risk assessment",
			zap.String("user_id", assessment.UserID.String()),
			zap.Error(err))
	}
}

func (ag *Aggregator) defaultAssessment(userID uuid.UUID, now time.Time) *models.RiskAssessment {
	return &models.RiskAssessment{
		UserID:             userID,
		Category:           models.RiskMedium,
		OverallScore:       50,
		BehavioralScore:    50,
		GeographicalScore:  50,
		TransactionalScore: 50,
		TemporalScore:      50,
		DeviceScore:        50,
		Recommendations:    []string{"insufficient data, continue standard monitoring"},
		AssessedAt:         now,
		ValidUntil:         now.Add(ag.cfg.Validity),
	}
}

func (ag *Aggregator) compute(ctx context.Context, userID uuid.UUID, now time.Time) (*models.RiskAssessment, error) {
	recent, err := ag.events.RecentEvents(ctx, userID, now.Add(-ag.cfg.EventWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load events for assessment: %w", err)
	}
	profile, err := ag.profiles.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile for assessment: %w", err)
	}

	assessment := &models.RiskAssessment{
		UserID:             userID,
		BehavioralScore:    models.Clamp100(ag.behavioralScore(recent, profile)),
		GeographicalScore:  models.Clamp100(ag.geographicalScore(recent)),
		TransactionalScore: models.Clamp100(ag.transactionalScore(recent)),
		TemporalScore:      models.Clamp100(ag.temporalScore(recent)),
		DeviceScore:        models.Clamp100(ag.deviceScore(recent)),
		AssessedAt:         now,
		ValidUntil:         now.Add(ag.cfg.Validity),
	}

	assessment.OverallScore = models.Clamp100(
		assessment.BehavioralScore*weightBehavioral +
			assessment.TransactionalScore*weightTransactional +
			assessment.GeographicalScore*weightGeographical +
			assessment.DeviceScore*weightDevice +
			assessment.TemporalScore*weightTemporal)
	assessment.Category = models.CategoryForScore(assessment.OverallScore)
	assessment.Recommendations = recommendations(assessment)

	ag.logger.Info("Computed risk assessment",
		zap.String("user_id", userID.String()),
		zap.Float64("overall_score", assessment.OverallScore),
		zap.String("category", string(assessment.Category)))

	return assessment, nil
}

// behavioralScore: anomaly rate over recent events, profile risk counters,
// and failed-login bursts.
func (ag *Aggregator) behavioralScore(recent []models.SecurityEvent, profile *models.UserBehaviorProfile) float64 {
	var score float64

	if len(recent) > 0 {
		anomalies := 0
		for _, e := range recent {
			if e.Anomalous {
				anomalies++
			}
		}
		score += 40 * float64(anomalies) / float64(len(recent))
	}

	if profile != nil {
		counterScore := float64(profile.AnomalyCount)*3 + float64(profile.HighRiskActionCount)*5
		if counterScore > 45 {
			counterScore = 45
		}
		score += counterScore
	}

	failedLogins := 0
	for _, e := range recent {
		if e.Type == models.EventLoginAttempt && !e.Success {
			failedLogins++
		}
	}
	if failedLogins > 3 {
		score += 15
	}

	return score
}

// geographicalScore: country and city spread plus impossible travel.
func (ag *Aggregator) geographicalScore(recent []models.SecurityEvent) float64 {
	var score float64

	countries := make(map[string]struct{})
	cities := make(map[string]struct{})
	for _, e := range recent {
		if e.Location == nil {
			continue
		}
		if e.Location.Country != "" {
			countries[e.Location.Country] = struct{}{}
		}
		if e.Location.City != "" {
			cities[e.Location.City] = struct{}{}
		}
	}

	switch {
	case len(countries) > 2:
		score += 30
	case len(countries) > 1:
		score += 15
	}
	switch {
	case len(cities) > 5:
		score += 20
	case len(cities) > 3:
		score += 10
	}

	// Events arrive most recent first; walk consecutive located pairs and
	// short-circuit on the first impossible hop.
	var located []models.SecurityEvent
	for _, e := range recent {
		if behavior.HasCoordinates(e.Location) {
			located = append(located, e)
		}
	}
	for i := 0; i+1 < len(located); i++ {
		newer, older := located[i], located[i+1]
		elapsed := newer.Timestamp.Sub(older.Timestamp).Hours()
		if impossible, _ := behavior.ImpossibleTravel(*older.Location, *newer.Location, elapsed, ag.cfg.MaxTravelSpeedKmh); impossible {
			score += 40
			break
		}
	}

	return score
}

// transactionalScore: volume, amount extremes, and failure-then-success runs
// over the assessment window.
func (ag *Aggregator) transactionalScore(recent []models.SecurityEvent) float64 {
	var score float64

	var transactions []models.SecurityEvent
	for _, e := range recent {
		if e.Type == models.EventTransaction {
			transactions = append(transactions, e)
		}
	}
	if len(transactions) == 0 {
		return 0
	}

	switch {
	case len(transactions) > 50:
		score += 30
	case len(transactions) > 20:
		score += 15
	}

	maxAmount := decimal.Zero
	total := decimal.Zero
	counted := 0
	for _, t := range transactions {
		if amt, ok := t.TransactionAmount(); ok {
			if amt.GreaterThan(maxAmount) {
				maxAmount = amt
			}
			total = total.Add(amt)
			counted++
		}
	}
	if maxAmount.GreaterThan(decimal.NewFromInt(10000)) {
		score += 25
	} else if maxAmount.GreaterThan(decimal.NewFromInt(5000)) {
		score += 10
	}
	if counted > 0 {
		avg := total.Div(decimal.NewFromInt(int64(counted)))
		if avg.GreaterThan(decimal.NewFromInt(2000)) {
			score += 15
		}
	}

	// Consecutive failures followed by a success, oldest to newest.
	failures := 0
	flagged := false
	for i := len(transactions) - 1; i >= 0; i-- {
		if !transactions[i].Success {
			failures++
			continue
		}
		if failures >= 3 {
			flagged = true
		}
		failures = 0
	}
	if flagged {
		score += 30
	}

	return score
}

// temporalScore: night-hour volume, weekend share, and burst detection over
// a 60-second sliding window.
func (ag *Aggregator) temporalScore(recent []models.SecurityEvent) float64 {
	if len(recent) == 0 {
		return 0
	}

	var score float64

	night := 0
	weekend := 0
	for _, e := range recent {
		hour := e.Timestamp.Hour()
		if hour < 6 || hour >= 23 {
			night++
		}
		if wd := e.Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend++
		}
	}
	if night > 10 {
		score += 30
	} else if night > 5 {
		score += 15
	}
	if float64(weekend)/float64(len(recent)) > 0.5 {
		score += 20
	}

	times := make([]time.Time, len(recent))
	for i, e := range recent {
		times[i] = e.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	maxBurst := 0
	left := 0
	for right := range times {
		for times[right].Sub(times[left]) > time.Minute {
			left++
		}
		if burst := right - left + 1; burst > maxBurst {
			maxBurst = burst
		}
	}
	if maxBurst > 20 {
		score += 50
	} else if maxBurst > 10 {
		score += 25
	}

	return score
}

// deviceScore: distinct devices and IPs plus automated-client signatures.
func (ag *Aggregator) deviceScore(recent []models.SecurityEvent) float64 {
	var score float64

	devices := make(map[string]struct{})
	ips := make(map[string]struct{})
	automated := false
	for _, e := range recent {
		if e.Device != nil {
			key := e.Device.CanvasHash + "|" + e.Device.WebGLHash + "|" + e.Device.Browser
			devices[key] = struct{}{}
		}
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
		ua := strings.ToLower(e.UserAgent)
		for _, sig := range automatedAgentSignatures {
			if strings.Contains(ua, sig) {
				automated = true
				break
			}
		}
	}

	switch {
	case len(devices) > 5:
		score += 30
	case len(devices) > 3:
		score += 15
	}
	switch {
	case len(ips) > 10:
		score += 35
	case len(ips) > 5:
		score += 20
	}
	if automated {
		score += 35
	}

	return score
}

// recommendations derives deterministic guidance from sub-scores above 60.
func recommendations(a *models.RiskAssessment) []string {
	var recs []string
	if a.BehavioralScore > 60 {
		recs = append(recs, "review recent behavioral anomalies and verify account ownership")
	}
	if a.GeographicalScore > 60 {
		recs = append(recs, "verify recent sign-in locations and require re-authentication")
	}
	if a.TransactionalScore > 60 {
		recs = append(recs, "review recent transactions and consider transaction limits")
	}
	if a.TemporalScore > 60 {
		recs = append(recs, "investigate off-hours activity bursts")
	}
	if a.DeviceScore > 60 {
		recs = append(recs, "audit registered devices and revoke unrecognized sessions")
	}
	if len(recs) == 0 {
		recs = append(recs, "continue standard monitoring")
	}
	return recs
}
