package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitpay/sentra/pkg/models"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// AllChannels lists every delivery channel.
func AllChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush}
}

// Notification is one outbound message.
type Notification struct {
	UserID   uuid.UUID `json:"user_id"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Priority string    `json:"priority"`
	Channels []Channel `json:"channels"`
}

// Config configures the delivery backends.
type Config struct {
	SMTPHost    string
	SMTPPort    int
	FromAddress string
	PushWebhook string
	SMSProvider string
	SendTimeout time.Duration
	Enabled     bool
}

// Service delivers notifications over email, SMS, and push. Delivery is
// fire-and-forget from the pipeline's perspective: failures are logged here
// and never surfaced to the caller.
type Service struct {
	db     *gorm.DB
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewService creates a notification service.
func NewService(db *gorm.DB, cfg Config, logger *zap.Logger) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		db:     db,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.SendTimeout},
		logger: logger,
	}
}

// Send dispatches the notification on every requested channel and records it
// for auditing. Never returns an error.
func (s *Service) Send(ctx context.Context, n Notification) {
	if !s.cfg.Enabled {
		s.logger.Debug("Notifications disabled, dropping",
			zap.String("user_id", n.UserID.String()),
			zap.String("type", n.Type))
		return
	}

	for _, ch := range n.Channels {
		var err error
		switch ch {
		case ChannelEmail:
			err = s.sendEmail(n)
		case ChannelSMS:
			err = s.sendSMS(ctx, n)
		case ChannelPush:
			err = s.sendPush(ctx, n)
		default:
			err = fmt.Errorf("unknown channel %q", ch)
		}
		if err != nil {
			s.logger.Error("Notification delivery failed",
				zap.String("user_id", n.UserID.String()),
				zap.String("channel", string(ch)),
				zap.String("type", n.Type),
				zap.Error(err))
		}
	}

	s.record(ctx, n)
}

func (s *Service) sendEmail(n Notification) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	body := fmt.Sprintf("From: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.cfg.FromAddress, n.Title, n.Message)

	// Recipient resolution happens at the mail relay keyed by user id.
	to := fmt.Sprintf("user+%s@relay.local", n.UserID.String())
	if err := smtp.SendMail(addr, nil, s.cfg.FromAddress, []string{to}, []byte(body)); err != nil {
		return errors.Wrap(err, "smtp send failed")
	}
	return nil
}

func (s *Service) sendSMS(ctx context.Context, n Notification) error {
	if s.cfg.SMSProvider == "" {
		s.logger.Debug("No SMS provider configured, skipping",
			zap.String("user_id", n.UserID.String()))
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"user_id": n.UserID.String(),
		"message": n.Title + ": " + n.Message,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal sms payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SMSProvider, bytes.NewBuffer(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create sms request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sms provider request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider returned status %d", resp.StatusCode)
	}
	return nil
}

// sendPush posts to the push gateway with small retries.
func (s *Service) sendPush(ctx context.Context, n Notification) error {
	if s.cfg.PushWebhook == "" {
		s.logger.Debug("No push webhook configured, skipping",
			zap.String("user_id", n.UserID.String()))
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal push payload")
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.PushWebhook, bytes.NewBuffer(payload))
		if err != nil {
			return errors.Wrap(err, "failed to create push request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}

	return errors.Wrap(lastErr, "push send failed after retries")
}

func (s *Service) record(ctx context.Context, n Notification) {
	channels := make([]string, len(n.Channels))
	for i, ch := range n.Channels {
		channels[i] = string(ch)
	}
	rec := &models.NotificationRecord{
		ID:       uuid.New(),
		UserID:   n.UserID,
		Type:     n.Type,
		Title:    n.Title,
		Message:  n.Message,
		Priority: n.Priority,
		Channels: channels,
		SentAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		s.logger.Warn("Failed to record notification",
			zap.String("user_id", n.UserID.String()),
			zap.Error(err))
	}
}
