package security

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/security/alerts"
	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/internal/security/events"
	"github.com/orbitpay/sentra/internal/security/fraud"
	"github.com/orbitpay/sentra/internal/security/risk"
	"github.com/orbitpay/sentra/internal/security/threatintel"
	"github.com/orbitpay/sentra/pkg/metrics"
	"github.com/orbitpay/sentra/pkg/models"
)

// IntelChecker looks up IP reputation. Lookup failures degrade open: the
// pipeline continues without the verdict.
type IntelChecker interface {
	CheckIPReputation(ctx context.Context, ip string) (*threatintel.Reputation, error)
}

// ProcessResult is the outcome of running one event through the pipeline.
type ProcessResult struct {
	Event      *models.SecurityEvent   `json:"event"`
	Assessment *models.RiskAssessment  `json:"assessment,omitempty"`
	Alerts     []*models.SecurityAlert `json:"alerts,omitempty"`
	Blocked    bool                    `json:"blocked"`
}

// Config carries the orchestrator's decision thresholds.
type Config struct {
	AnomalyThreshold float64
	FraudThreshold   float64
	BlockFraudRisk   float64
}

// Orchestrator runs the full analysis pipeline over each incoming event:
// persist, reputation pre-check, behavioral and fraud analysis in parallel,
// alerting, profile update, and risk re-assessment. Analyzer failures are
// logged and skipped so one faulty stage never drops an event.
type Orchestrator struct {
	store    *events.Store
	behavior *behavior.Analyzer
	fraud    *fraud.Analyzer
	risk     *risk.Aggregator
	alerts   *alerts.Manager
	intel    IntelChecker
	cfg      Config
	logger   *zap.Logger
}

// NewOrchestrator wires the pipeline. intel may be nil when no reputation
// feed is configured.
func NewOrchestrator(
	store *events.Store,
	behaviorAnalyzer *behavior.Analyzer,
	fraudAnalyzer *fraud.Analyzer,
	riskAggregator *risk.Aggregator,
	alertManager *alerts.Manager,
	intel IntelChecker,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 0.7
	}
	if cfg.FraudThreshold <= 0 {
		cfg.FraudThreshold = 0.7
	}
	if cfg.BlockFraudRisk <= 0 {
		cfg.BlockFraudRisk = 0.9
	}
	return &Orchestrator{
		store:    store,
		behavior: behaviorAnalyzer,
		fraud:    fraudAnalyzer,
		risk:     riskAggregator,
		alerts:   alertManager,
		intel:    intel,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessEvent runs one event through the pipeline and returns the decision.
func (o *Orchestrator) ProcessEvent(ctx context.Context, event *models.SecurityEvent) (*ProcessResult, error) {
	started := time.Now()
	defer func() {
		metrics.PipelineLatency.Observe(time.Since(started).Seconds())
	}()

	stored, err := o.store.Record(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	event = stored

	result := &ProcessResult{Event: event}

	// Reputation pre-check. A blocking verdict short-circuits analysis.
	if o.intel != nil && event.IPAddress != "" {
		rep, err := o.intel.CheckIPReputation(ctx, event.IPAddress)
		if err != nil {
			o.logger.Warn("Threat intel lookup failed, continuing without verdict",
				zap.String("ip", event.IPAddress),
				zap.Error(err))
		} else if rep.Level.Blocking() {
			alert := o.createAlert(ctx, alerts.CreateInput{
				Type:     models.AlertSecurityBreach,
				Severity: models.SeverityCritical,
				Title:    "Request from known-malicious address",
				Description: fmt.Sprintf("IP %s flagged %s by threat intelligence (%s)",
					event.IPAddress, rep.Level, strings.Join(rep.Categories, ", ")),
				UserID:     event.UserID,
				EventIDs:   []uuid.UUID{event.ID},
				RiskScore:  1.0,
				Confidence: rep.Score,
				Actions:    []string{"block request", "review source address"},
				Impact:     "request blocked",
				Category:   "threat_intel",
			})
			if alert != nil {
				result.Alerts = append(result.Alerts, alert)
			}
			result.Blocked = true
			o.finishEvent(ctx, event, 100, true)
			metrics.EventsProcessed.WithLabelValues(string(event.Type), "true").Inc()
			return result, nil
		}
	}

	var (
		wg          sync.WaitGroup
		behaviorRes behavior.Result
		behaviorErr error
		fraudRes    fraud.Result
		fraudErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		behaviorRes, behaviorErr = o.behavior.Analyze(ctx, event)
	}()
	go func() {
		defer wg.Done()
		fraudRes, fraudErr = o.fraud.Analyze(ctx, event)
	}()
	wg.Wait()

	if behaviorErr != nil {
		o.logger.Error("Behavioral analysis failed, skipping stage",
			zap.String("event_id", event.ID.String()),
			zap.Error(behaviorErr))
		behaviorRes = behavior.Result{}
	}
	if fraudErr != nil {
		o.logger.Error("Fraud analysis failed, skipping stage",
			zap.String("event_id", event.ID.String()),
			zap.Error(fraudErr))
		fraudRes = fraud.Result{}
	}

	if behaviorRes.Anomalous {
		metrics.AnomaliesDetected.Inc()
		alert := o.createAlert(ctx, alerts.CreateInput{
			Type:        models.AlertBehavioralAnomaly,
			Title:       "Anomalous user behavior detected",
			Description: "Behavioral deviations: " + strings.Join(behaviorRes.Reasons, "; "),
			UserID:      event.UserID,
			EventIDs:    []uuid.UUID{event.ID},
			RiskScore:   behaviorRes.Score,
			Confidence:  behaviorRes.Score,
			Actions:     []string{"review recent user activity", "verify user identity"},
			Impact:      "possible account compromise",
			Category:    "behavior",
		})
		if alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	}

	if fraudRes.Fraudulent {
		metrics.FraudDetected.Inc()
		alert := o.createAlert(ctx, alerts.CreateInput{
			Type:        models.AlertFraudDetection,
			Title:       "Suspected fraudulent transaction",
			Description: describeIndicators(fraudRes.Indicators),
			UserID:      event.UserID,
			EventIDs:    []uuid.UUID{event.ID},
			RiskScore:   fraudRes.RiskScore,
			Confidence:  fraudRes.RiskScore,
			Actions:     []string{"hold transaction", "contact account owner"},
			Impact:      "potential financial loss",
			Category:    "fraud",
		})
		if alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
		if fraudRes.RiskScore > o.cfg.BlockFraudRisk {
			result.Blocked = true
		}
	}

	anomalous := behaviorRes.Anomalous || fraudRes.Fraudulent
	eventRisk := models.Clamp100(100 * maxFloat(behaviorRes.Score, fraudRes.RiskScore))
	o.finishEvent(ctx, event, eventRisk, anomalous)

	if err := o.behavior.UpdateProfile(ctx, event, anomalous); err != nil {
		o.logger.Error("Profile update failed",
			zap.String("user_id", event.UserID.String()),
			zap.Error(err))
	}

	o.risk.Invalidate(ctx, event.UserID)
	assessment, err := o.risk.Assess(ctx, event.UserID)
	if err != nil {
		o.logger.Error("Risk assessment failed",
			zap.String("user_id", event.UserID.String()),
			zap.Error(err))
	} else {
		result.Assessment = assessment
		if assessment.Category == models.RiskVeryHigh {
			result.Blocked = true
			alert := o.createAlert(ctx, alerts.CreateInput{
				Type:     models.AlertSecurityBreach,
				Severity: models.SeverityCritical,
				Title:    "User risk escalated to very high",
				Description: fmt.Sprintf("Overall risk score %.1f; activity blocked pending review",
					assessment.OverallScore),
				UserID:     event.UserID,
				EventIDs:   []uuid.UUID{event.ID},
				RiskScore:  assessment.OverallScore / 100,
				Confidence: 0.9,
				Actions:    assessment.Recommendations,
				Impact:     "user activity suspended",
				Category:   "risk",
			})
			if alert != nil {
				result.Alerts = append(result.Alerts, alert)
			}
		}
	}

	metrics.EventsProcessed.WithLabelValues(string(event.Type), strconv.FormatBool(result.Blocked)).Inc()
	return result, nil
}

// createAlert never fails the pipeline; a persistence error is logged and
// the alert dropped.
func (o *Orchestrator) createAlert(ctx context.Context, input alerts.CreateInput) *models.SecurityAlert {
	alert, err := o.alerts.CreateAlert(ctx, input)
	if err != nil {
		o.logger.Error("Failed to create alert",
			zap.String("type", string(input.Type)),
			zap.String("user_id", input.UserID.String()),
			zap.Error(err))
		return nil
	}
	return alert
}

func (o *Orchestrator) finishEvent(ctx context.Context, event *models.SecurityEvent, riskScore float64, anomalous bool) {
	if err := o.store.UpdateAnalysis(ctx, event.ID, riskScore, anomalous); err != nil {
		o.logger.Error("Failed to update event analysis outcome",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
	event.RiskScore = riskScore
	event.Anomalous = anomalous
}

// describeIndicators summarizes the indicators that actually fired.
func describeIndicators(indicators []models.FraudIndicator) string {
	parts := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind.Exceeded {
			parts = append(parts, ind.Description)
		}
	}
	if len(parts) == 0 {
		return "fraud risk threshold exceeded"
	}
	return "Fraud indicators: " + strings.Join(parts, "; ")
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
