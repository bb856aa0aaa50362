package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidEventType(t *testing.T) {
	for _, et := range []EventType{
		EventLoginAttempt, EventTransaction, EventDataAccess,
		EventPermissionChange, EventSystemAccess, EventFileAccess,
	} {
		assert.True(t, ValidEventType(et), string(et))
	}
	assert.False(t, ValidEventType(""))
	assert.False(t, ValidEventType("logout"))
}

func TestTransactionAmount(t *testing.T) {
	cases := []struct {
		name   string
		meta   map[string]interface{}
		want   string
		wantOK bool
	}{
		{"float", map[string]interface{}{"amount": 125.50}, "125.5", true},
		{"int", map[string]interface{}{"amount": 80}, "80", true},
		{"string", map[string]interface{}{"amount": "42.10"}, "42.1", true},
		{"decimal", map[string]interface{}{"amount": decimal.NewFromInt(7)}, "7", true},
		{"garbage", map[string]interface{}{"amount": "not-a-number"}, "0", false},
		{"missing", map[string]interface{}{}, "0", false},
		{"nil metadata", nil, "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &SecurityEvent{Metadata: tc.meta}
			amount, ok := e.TransactionAmount()
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, amount.String())
		})
	}
}

func TestCategoryForScore(t *testing.T) {
	assert.Equal(t, RiskVeryLow, CategoryForScore(0))
	assert.Equal(t, RiskVeryLow, CategoryForScore(19.9))
	assert.Equal(t, RiskLow, CategoryForScore(20))
	assert.Equal(t, RiskMedium, CategoryForScore(40))
	assert.Equal(t, RiskHigh, CategoryForScore(60))
	assert.Equal(t, RiskVeryHigh, CategoryForScore(80))
	assert.Equal(t, RiskVeryHigh, CategoryForScore(100))
}

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, SeverityInfo, SeverityForScore(0.1))
	assert.Equal(t, SeverityLow, SeverityForScore(0.3))
	assert.Equal(t, SeverityMedium, SeverityForScore(0.5))
	assert.Equal(t, SeverityHigh, SeverityForScore(0.7))
	assert.Equal(t, SeverityCritical, SeverityForScore(0.9))
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestAlertStatusTerminal(t *testing.T) {
	assert.False(t, AlertStatusOpen.Terminal())
	assert.False(t, AlertStatusInvestigating.Terminal())
	assert.True(t, AlertStatusResolved.Terminal())
	assert.True(t, AlertStatusFalsePositive.Terminal())
}

func TestAssessmentExpired(t *testing.T) {
	now := time.Now()
	a := &RiskAssessment{ValidUntil: now.Add(time.Hour)}
	assert.False(t, a.Expired(now))
	assert.True(t, a.Expired(now.Add(2*time.Hour)))
}

func TestClamp100(t *testing.T) {
	assert.Equal(t, 0.0, Clamp100(-5))
	assert.Equal(t, 42.5, Clamp100(42.5))
	assert.Equal(t, 100.0, Clamp100(180))
}
