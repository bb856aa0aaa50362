package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/security/alerts"
	"github.com/orbitpay/sentra/internal/security/events"
	"github.com/orbitpay/sentra/pkg/models"
)

type processEventRequest struct {
	Type      models.EventType          `json:"type" binding:"required,eventtype"`
	UserID    uuid.UUID                 `json:"user_id" binding:"required"`
	SessionID string                    `json:"session_id"`
	IPAddress string                    `json:"ip_address"`
	UserAgent string                    `json:"user_agent"`
	Resource  string                    `json:"resource"`
	Action    string                    `json:"action"`
	Success   bool                      `json:"success"`
	Location  *models.GeoLocation       `json:"location,omitempty"`
	Device    *models.DeviceFingerprint `json:"device,omitempty"`
	Metadata  map[string]interface{}    `json:"metadata,omitempty"`
}

func (s *Server) handleProcessEvent(c *gin.Context) {
	var req processEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event := &models.SecurityEvent{
		Type:      req.Type,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Resource:  req.Resource,
		Action:    req.Action,
		Success:   req.Success,
		Location:  req.Location,
		Device:    req.Device,
		Metadata:  req.Metadata,
	}

	result, err := s.orchestrator.ProcessEvent(c.Request.Context(), event)
	if err != nil {
		s.logger.Error("Event processing failed", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusCreated
	if result.Blocked {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}

func (s *Server) handleQueryEvents(c *gin.Context) {
	filter := events.Filter{Limit: 100}

	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		filter.UserID = id
	}
	if v := c.Query("type"); v != "" {
		filter.Type = models.EventType(v)
	}
	if v := c.Query("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid success flag"})
			return
		}
		filter.Success = &b
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		filter.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until timestamp"})
			return
		}
		filter.Until = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	result, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Event query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": result, "count": len(result)})
}

func (s *Server) handleActiveAlerts(c *gin.Context) {
	filter := alerts.Filter{
		Severity: models.AlertSeverity(c.Query("severity")),
		Type:     models.AlertType(c.Query("type")),
		Category: c.Query("category"),
	}
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		filter.UserID = id
	}

	active := s.alerts.Active(filter)
	c.JSON(http.StatusOK, gin.H{"alerts": active, "count": len(active)})
}

func (s *Server) handleCriticalAlerts(c *gin.Context) {
	active := s.alerts.Active(alerts.Filter{Severity: models.SeverityCritical})
	c.JSON(http.StatusOK, gin.H{"alerts": active, "count": len(active)})
}

func (s *Server) handleGetAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	alert, err := s.alerts.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alert)
}

type acknowledgeRequest struct {
	Assignee string `json:"assignee"`
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	// Body is optional for acknowledgement.
	var req acknowledgeRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.alerts.Acknowledge(c.Request.Context(), id, req.Assignee); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.AlertStatusInvestigating)})
}

type resolveRequest struct {
	Outcome models.AlertStatus `json:"outcome" binding:"required"`
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.alerts.Resolve(c.Request.Context(), id, req.Outcome); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(req.Outcome)})
}

func (s *Server) handleUserRisk(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	assessment, err := s.risk.Assess(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Risk assessment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk assessment failed"})
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) handleRefreshRisk(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	s.risk.Invalidate(c.Request.Context(), id)
	assessment, err := s.risk.Assess(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Risk assessment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk assessment failed"})
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) handleUserProfile(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	profile, err := s.profiles.Get(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Profile load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile load failed"})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no behavior profile for user"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) handleInvalidateProfile(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	s.profiles.Invalidate(id)
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"buffered_events": s.store.BufferedCount(),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}
