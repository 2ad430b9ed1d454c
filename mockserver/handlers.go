package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

type registerRequest struct {
	MachineID string `json:"machine_id" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

func (s *server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var existing WatcherRecord
	err := s.db.Where("machine_id = ?", req.MachineID).First(&existing).Error
	if err == nil {
		// The real API rejects re-registration; SDK clients treat this as
		// benign.
		c.JSON(http.StatusForbidden, gin.H{"message": "User already registered."})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	record := WatcherRecord{MachineID: req.MachineID, Password: req.Password}
	if err := s.db.Create(&record).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("machine_id", req.MachineID).Msg("watcher registered")
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

type loginRequest struct {
	MachineID string   `json:"machine_id" binding:"required"`
	Password  string   `json:"password" binding:"required"`
	Scenarios []string `json:"scenarios"`
}

func (s *server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var watcher WatcherRecord
	err := s.db.Where("machine_id = ?", req.MachineID).First(&watcher).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && watcher.Password != req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "bad login/password"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	watcher.Scenarios = strings.Join(req.Scenarios, ",")
	if err := s.db.Save(&watcher).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   watcher.MachineID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("machine_id", watcher.MachineID).Msg("watcher logged in")
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// requireToken validates the raw token carried in the Authorization header.
// CAPI clients send the token without a "Bearer " prefix.
func (s *server) requireToken(c *gin.Context) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	c.Set("machine_id", claims.Subject)
	c.Next()
}

type enrollRequest struct {
	Name          string   `json:"name"`
	Overwrite     bool     `json:"overwrite"`
	AttachmentKey string   `json:"attachment_key" binding:"required"`
	Tags          []string `json:"tags"`
}

func (s *server) handleEnroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	machineID := c.GetString("machine_id")
	var watcher WatcherRecord
	if err := s.db.Where("machine_id = ?", machineID).First(&watcher).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "unknown watcher"})
		return
	}
	if watcher.Enrolled && !req.Overwrite {
		c.JSON(http.StatusForbidden, gin.H{"message": "already enrolled"})
		return
	}

	tags, _ := json.Marshal(req.Tags)
	watcher.Enrolled = true
	watcher.EnrollName = req.Name
	watcher.EnrollKey = req.AttachmentKey
	watcher.EnrollTags = string(tags)
	if err := s.db.Save(&watcher).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("machine_id", machineID).Str("name", req.Name).Msg("watcher enrolled")
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (s *server) handleSignals(c *gin.Context) {
	var signals []map[string]any
	if err := c.ShouldBindJSON(&signals); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	machineID := c.GetString("machine_id")
	now := time.Now()
	for _, sig := range signals {
		raw, _ := json.Marshal(sig)
		scenario, _ := sig["scenario"].(string)
		record := SignalRecord{
			MachineID:  machineID,
			Scenario:   scenario,
			PayloadRaw: string(raw),
			ReceivedAt: now,
		}
		if err := s.db.Create(&record).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	s.log.Info().Str("machine_id", machineID).Int("count", len(signals)).Msg("signals received")
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (s *server) handleDecisionsStream(c *gin.Context) {
	var records []DecisionRecord
	if err := s.db.Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	toPayload := func(r DecisionRecord) gin.H {
		return gin.H{
			"duration": r.Duration,
			"origin":   r.Origin,
			"scenario": r.Scenario,
			"scope":    r.Scope,
			"type":     r.Type,
			"value":    r.Value,
		}
	}
	newDecisions := make([]gin.H, 0)
	deleted := make([]gin.H, 0)
	for _, r := range records {
		if r.Deleted {
			deleted = append(deleted, toPayload(r))
		} else {
			newDecisions = append(newDecisions, toPayload(r))
		}
	}
	c.JSON(http.StatusOK, gin.H{"new": newDecisions, "deleted": deleted})
}

func (s *server) handleMetrics(c *gin.Context) {
	var payload struct {
		Machines []struct {
			Name     string `json:"name"`
			LastPush string `json:"last_push"`
		} `json:"machines"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	for _, m := range payload.Machines {
		err := s.db.Model(&WatcherRecord{}).Where("machine_id = ?", m.Name).
			Update("last_push", &now).Error
		if err != nil {
			s.log.Error().Err(err).Str("machine_id", m.Name).Msg("failed to update last push")
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (s *server) handleAddDecision(c *gin.Context) {
	var record DecisionRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.db.Create(&record).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": record.ID})
}
