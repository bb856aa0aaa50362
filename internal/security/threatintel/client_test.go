package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckIPReputation(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/reputation/203.0.113.7", r.URL.Path)
		json.NewEncoder(w).Encode(Reputation{
			Level:      ThreatHigh,
			Categories: []string{"botnet"},
			Score:      0.92,
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil, zap.NewNop())

	rep, err := client.CheckIPReputation(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", rep.IPAddress)
	assert.Equal(t, ThreatHigh, rep.Level)
	assert.True(t, rep.Level.Blocking())
	assert.Equal(t, []string{"botnet"}, rep.Categories)
	assert.Equal(t, int64(1), hits.Load())

	// Without redis every lookup goes over the wire.
	_, err = client.CheckIPReputation(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestCheckIPReputationUnknownAddressIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())

	rep, err := client.CheckIPReputation(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, ThreatNone, rep.Level)
	assert.False(t, rep.Level.Blocking())
}

func TestCheckIPReputationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())

	_, err := client.CheckIPReputation(context.Background(), "198.51.100.1")
	assert.Error(t, err)
}

func TestCheckIPReputationTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil, zap.NewNop())

	_, err := client.CheckIPReputation(context.Background(), "198.51.100.1")
	assert.Error(t, err)
}

func TestCheckIPReputationRequiresAddress(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost"}, nil, zap.NewNop())
	_, err := client.CheckIPReputation(context.Background(), "")
	assert.Error(t, err)
}

func TestThreatLevelBlocking(t *testing.T) {
	assert.False(t, ThreatNone.Blocking())
	assert.False(t, ThreatLow.Blocking())
	assert.False(t, ThreatMedium.Blocking())
	assert.True(t, ThreatHigh.Blocking())
	assert.True(t, ThreatCritical.Blocking())
}
