package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThreatLevel is the reputation verdict for an address.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Blocking reports whether this level warrants blocking the request outright.
func (t ThreatLevel) Blocking() bool {
	return t == ThreatHigh || t == ThreatCritical
}

// Reputation is the intel provider's verdict for one IP address.
type Reputation struct {
	IPAddress  string      `json:"ip_address"`
	Level      ThreatLevel `json:"threat_level"`
	Categories []string    `json:"categories"`
	Score      float64     `json:"score"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Config configures the intel client.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client queries an external IP reputation feed, caching verdicts in Redis so
// repeat lookups within the TTL stay off the wire. A nil redis client
// disables caching. Callers decide how lookup failures degrade.
type Client struct {
	cfg    Config
	http   *http.Client
	redis  *redis.Client
	logger *zap.Logger
}

// NewClient creates a threat intelligence client.
func NewClient(cfg Config, redisClient *redis.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		redis:  redisClient,
		logger: logger,
	}
}

// CheckIPReputation returns the provider's verdict for ip, served from cache
// when a fresh entry exists.
func (c *Client) CheckIPReputation(ctx context.Context, ip string) (*Reputation, error) {
	if ip == "" {
		return nil, errors.New("ip address is required")
	}

	if cached := c.fromCache(ctx, ip); cached != nil {
		return cached, nil
	}

	rep, err := c.lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	c.cache(ctx, rep)
	return rep, nil
}

func (c *Client) lookup(ctx context.Context, ip string) (*Reputation, error) {
	url := fmt.Sprintf("%s/v1/reputation/%s", c.cfg.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build reputation request")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "reputation lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown to the feed: treat as clean.
		return &Reputation{IPAddress: ip, Level: ThreatNone, CheckedAt: time.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("reputation service returned status %d", resp.StatusCode)
	}

	var rep Reputation
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, errors.Wrap(err, "failed to decode reputation response")
	}
	rep.IPAddress = ip
	rep.CheckedAt = time.Now()
	return &rep, nil
}

func (c *Client) fromCache(ctx context.Context, ip string) *Reputation {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, cacheKey(ip)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("Threat intel cache read failed", zap.Error(err))
		}
		return nil
	}
	var rep Reputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil
	}
	return &rep
}

func (c *Client) cache(ctx context.Context, rep *Reputation) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(rep.IPAddress), data, c.cfg.CacheTTL).Err(); err != nil {
		c.logger.Debug("Threat intel cache write failed", zap.Error(err))
	}
}

func cacheKey(ip string) string {
	return "sentra:intel:ip:" + ip
}
