package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType classifies a security event.
type EventType string

const (
	EventLoginAttempt     EventType = "login_attempt"
	EventTransaction      EventType = "transaction"
	EventDataAccess       EventType = "data_access"
	EventPermissionChange EventType = "permission_change"
	EventSystemAccess     EventType = "system_access"
	EventFileAccess       EventType = "file_access"
)

// ValidEventType reports whether t is one of the recognized event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventLoginAttempt, EventTransaction, EventDataAccess,
		EventPermissionChange, EventSystemAccess, EventFileAccess:
		return true
	}
	return false
}

// GeoLocation carries the coordinates attached to an event. Only used for
// distance and known-location comparisons, never reverse-geocoded.
type GeoLocation struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// DeviceFingerprint describes the client device. Fingerprints are compared by
// weighted partial match, not equality.
type DeviceFingerprint struct {
	Browser          string `json:"browser"`
	OS               string `json:"os"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
	CanvasHash       string `json:"canvas_hash"`
	WebGLHash        string `json:"webgl_hash"`
}

// SecurityEvent is the append-only record of a single user/account action.
// Immutable once recorded except for RiskScore and Anomalous, which are set
// after analysis.
type SecurityEvent struct {
	ID        uuid.UUID              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type      EventType              `gorm:"type:varchar(50);index" json:"type"`
	UserID    uuid.UUID              `gorm:"type:varchar(36);index" json:"user_id"`
	SessionID string                 `gorm:"type:varchar(64);index" json:"session_id,omitempty"`
	IPAddress string                 `gorm:"type:varchar(45);index" json:"ip_address"`
	UserAgent string                 `gorm:"type:text" json:"user_agent"`
	Resource  string                 `gorm:"type:varchar(200)" json:"resource,omitempty"`
	Action    string                 `gorm:"type:varchar(100)" json:"action,omitempty"`
	Timestamp time.Time              `gorm:"index" json:"timestamp"`
	Location  *GeoLocation           `gorm:"serializer:json" json:"location,omitempty"`
	Device    *DeviceFingerprint     `gorm:"serializer:json" json:"device,omitempty"`
	Success   bool                   `json:"success"`
	Metadata  map[string]interface{} `gorm:"serializer:json" json:"metadata,omitempty"`
	RiskScore float64                `json:"risk_score"`
	Anomalous bool                   `json:"anomalous"`
	CreatedAt time.Time              `json:"created_at"`
}

// TableName specifies the table name for SecurityEvent
func (SecurityEvent) TableName() string {
	return "security_events"
}

// TransactionAmount extracts the transaction amount from event metadata.
// Returns zero and false when the event carries no parseable amount.
func (e *SecurityEvent) TransactionAmount() (decimal.Decimal, bool) {
	if e.Metadata == nil {
		return decimal.Zero, false
	}
	switch v := e.Metadata["amount"].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case decimal.Decimal:
		return v, true
	}
	return decimal.Zero, false
}

// Merchant extracts the merchant name from transaction metadata.
func (e *SecurityEvent) Merchant() string {
	if e.Metadata == nil {
		return ""
	}
	if m, ok := e.Metadata["merchant"].(string); ok {
		return m
	}
	return ""
}

// TransactionStats holds the running transaction statistics of a profile.
// AverageAmount uses the smoothing update (avg+amount)/2, a deliberate
// approximation carried over from the original scoring rules, not a true mean.
type TransactionStats struct {
	AverageAmount     decimal.Decimal `json:"average_amount"`
	MaxAmount         decimal.Decimal `json:"max_amount"`
	Count             int64           `json:"count"`
	LastTransactionAt time.Time       `json:"last_transaction_at"`
}

// UserBehaviorProfile is the rolling per-user behavioral baseline. Created
// lazily on a user's first event and updated after every subsequent one.
// Bounded lists evict oldest entries past their capacity.
type UserBehaviorProfile struct {
	UserID              uuid.UUID           `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	TypicalLoginHours   []int               `gorm:"serializer:json" json:"typical_login_hours"`
	TypicalDays         []int               `gorm:"serializer:json" json:"typical_days"`
	FrequentLocations   []GeoLocation       `gorm:"serializer:json" json:"frequent_locations"`
	KnownDevices        []DeviceFingerprint `gorm:"serializer:json" json:"known_devices"`
	KnownMerchants      []string            `gorm:"serializer:json" json:"known_merchants"`
	TransactionStats    TransactionStats    `gorm:"serializer:json" json:"transaction_stats"`
	AccessSummary       map[string]int64    `gorm:"serializer:json" json:"access_summary"`
	AnomalyCount        int                 `json:"anomaly_count"`
	HighRiskActionCount int                 `json:"high_risk_action_count"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// TableName specifies the table name for UserBehaviorProfile
func (UserBehaviorProfile) TableName() string {
	return "user_behavior_profiles"
}

// Clone returns a deep copy of the profile. Slices and the access summary
// are copied so callers can read or mutate the clone without affecting the
// original.
func (p *UserBehaviorProfile) Clone() *UserBehaviorProfile {
	c := *p
	c.TypicalLoginHours = append([]int(nil), p.TypicalLoginHours...)
	c.TypicalDays = append([]int(nil), p.TypicalDays...)
	c.FrequentLocations = append([]GeoLocation(nil), p.FrequentLocations...)
	c.KnownDevices = append([]DeviceFingerprint(nil), p.KnownDevices...)
	c.KnownMerchants = append([]string(nil), p.KnownMerchants...)
	if p.AccessSummary != nil {
		c.AccessSummary = make(map[string]int64, len(p.AccessSummary))
		for k, v := range p.AccessSummary {
			c.AccessSummary[k] = v
		}
	}
	return &c
}

// HasTypicalHour reports whether hour is part of the profile baseline.
func (p *UserBehaviorProfile) HasTypicalHour(hour int) bool {
	for _, h := range p.TypicalLoginHours {
		if h == hour {
			return true
		}
	}
	return false
}

// HasTypicalDay reports whether weekday is part of the profile baseline.
func (p *UserBehaviorProfile) HasTypicalDay(day int) bool {
	for _, d := range p.TypicalDays {
		if d == day {
			return true
		}
	}
	return false
}

// KnowsMerchant reports whether the user transacted with merchant before.
func (p *UserBehaviorProfile) KnowsMerchant(merchant string) bool {
	for _, m := range p.KnownMerchants {
		if m == merchant {
			return true
		}
	}
	return false
}

// IndicatorType classifies a fraud check.
type IndicatorType string

const (
	IndicatorVelocity   IndicatorType = "velocity"
	IndicatorAmount     IndicatorType = "amount"
	IndicatorLocation   IndicatorType = "location"
	IndicatorDevice     IndicatorType = "device"
	IndicatorPattern    IndicatorType = "pattern"
	IndicatorBehavioral IndicatorType = "behavioral"
)

// FraudIndicator is one named check result produced by the fraud analyzer.
type FraudIndicator struct {
	Type        IndicatorType `json:"type"`
	Description string        `json:"description"`
	Weight      float64       `json:"weight"`
	Value       float64       `json:"value"`
	Threshold   float64       `json:"threshold"`
	Exceeded    bool          `json:"exceeded"`
}

// FraudDetectionRecord persists a flagged transaction together with the full
// indicator list for later investigation.
type FraudDetectionRecord struct {
	ID         uuid.UUID        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	EventID    uuid.UUID        `gorm:"type:varchar(36);index" json:"event_id"`
	UserID     uuid.UUID        `gorm:"type:varchar(36);index" json:"user_id"`
	RiskScore  float64          `json:"risk_score"`
	Indicators []FraudIndicator `gorm:"serializer:json" json:"indicators"`
	DetectedAt time.Time        `gorm:"index" json:"detected_at"`
}

// TableName specifies the table name for FraudDetectionRecord
func (FraudDetectionRecord) TableName() string {
	return "fraud_detections"
}

// RiskCategory bands an overall risk score.
type RiskCategory string

const (
	RiskVeryLow  RiskCategory = "very_low"
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskVeryHigh RiskCategory = "very_high"
)

// CategoryForScore maps an overall 0-100 score onto its risk band.
func CategoryForScore(score float64) RiskCategory {
	switch {
	case score >= 80:
		return RiskVeryHigh
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// RiskAssessment is a cached per-user risk snapshot. All scores are clamped
// to [0,100]; the assessment is current until ValidUntil.
type RiskAssessment struct {
	UserID             uuid.UUID    `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	Category           RiskCategory `gorm:"type:varchar(20)" json:"category"`
	OverallScore       float64      `json:"overall_score"`
	BehavioralScore    float64      `json:"behavioral_score"`
	GeographicalScore  float64      `json:"geographical_score"`
	TransactionalScore float64      `json:"transactional_score"`
	TemporalScore      float64      `json:"temporal_score"`
	DeviceScore        float64      `json:"device_score"`
	Recommendations    []string     `gorm:"serializer:json" json:"recommendations"`
	AssessedAt         time.Time    `json:"assessed_at"`
	ValidUntil         time.Time    `json:"valid_until"`
}

// TableName specifies the table name for RiskAssessment
func (RiskAssessment) TableName() string {
	return "risk_assessments"
}

// Expired reports whether the assessment's validity window has elapsed.
func (r *RiskAssessment) Expired(now time.Time) bool {
	return now.After(r.ValidUntil)
}

// AlertType classifies a security alert.
type AlertType string

const (
	AlertFraudDetection        AlertType = "fraud_detection"
	AlertBehavioralAnomaly     AlertType = "behavioral_anomaly"
	AlertSecurityBreach        AlertType = "security_breach"
	AlertUnauthorizedAccess    AlertType = "unauthorized_access"
	AlertDataLeak              AlertType = "data_leak"
	AlertSuspiciousTransaction AlertType = "suspicious_transaction"
)

// AlertSeverity orders alerts from informational to critical.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// SeverityForScore maps a [0,1] confidence/risk score to a severity.
func SeverityForScore(score float64) AlertSeverity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.5:
		return SeverityMedium
	case score >= 0.3:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Rank orders severities for sorting, critical first.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AlertStatus tracks the alert lifecycle. Transitions only move forward:
// open -> investigating -> resolved or false_positive.
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "open"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// Terminal reports whether the status ends the alert lifecycle.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalsePositive
}

// SecurityAlert tracks one raised alert through its lifecycle. Every alert
// references at least one existing security event.
type SecurityAlert struct {
	ID          uuid.UUID     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type        AlertType     `gorm:"type:varchar(50);index" json:"type"`
	Severity    AlertSeverity `gorm:"type:varchar(20);index" json:"severity"`
	Title       string        `gorm:"type:varchar(200)" json:"title"`
	Description string        `gorm:"type:text" json:"description"`
	UserID      uuid.UUID     `gorm:"type:varchar(36);index" json:"user_id"`
	EventIDs    []uuid.UUID   `gorm:"serializer:json" json:"event_ids"`
	DetectedAt  time.Time     `gorm:"index" json:"detected_at"`
	Status      AlertStatus   `gorm:"type:varchar(20);index" json:"status"`
	Assignee    string        `gorm:"type:varchar(100)" json:"assignee,omitempty"`
	RiskScore   float64       `json:"risk_score"`
	Confidence  float64       `json:"confidence"`
	Actions     []string      `gorm:"serializer:json" json:"actions"`
	Impact      string        `gorm:"type:varchar(200)" json:"impact"`
	Category    string        `gorm:"type:varchar(100);index" json:"category"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName specifies the table name for SecurityAlert
func (SecurityAlert) TableName() string {
	return "security_alerts"
}

// Clone returns a deep copy of the alert, with its own event id and action
// slices.
func (a *SecurityAlert) Clone() *SecurityAlert {
	c := *a
	c.EventIDs = append([]uuid.UUID(nil), a.EventIDs...)
	c.Actions = append([]string(nil), a.Actions...)
	return &c
}

// Active reports whether the alert is open or investigating.
func (a *SecurityAlert) Active() bool {
	return a.Status == AlertStatusOpen || a.Status == AlertStatusInvestigating
}

// NotificationRecord persists one dispatched notification for auditability.
// Delivery itself is fire-and-forget.
type NotificationRecord struct {
	ID        uuid.UUID `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    uuid.UUID `gorm:"type:varchar(36);index" json:"user_id"`
	Type      string    `gorm:"type:varchar(50)" json:"type"`
	Title     string    `gorm:"type:varchar(200)" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Priority  string    `gorm:"type:varchar(20)" json:"priority"`
	Channels  []string  `gorm:"serializer:json" json:"channels"`
	SentAt    time.Time `gorm:"index" json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for NotificationRecord
func (NotificationRecord) TableName() string {
	return "notification_records"
}

// Clamp100 bounds a score to [0,100].
func Clamp100(score float64) float64 {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
