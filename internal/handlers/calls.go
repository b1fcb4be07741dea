package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
)

// CallRecords looks up finished calls persisted outside this process.
type CallRecords interface {
	GetCall(ctx context.Context, sessionID string) (*models.CallRecord, error)
	CallHistory(ctx context.Context, endpointID string, limit int) ([]models.CallRecord, error)
}

// PresenceLookup reports whether an endpoint is online on any coordinator.
type PresenceLookup interface {
	IsOnline(ctx context.Context, endpointID string) (bool, error)
}

// GetCall returns a call to one of its participants. Sessions still held in
// memory are answered from the store; older ones from records, if any.
func GetCall(store *session.Store, records CallRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpointID := c.GetString(middleware.EndpointIDKey)
		if endpointID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Endpoint not authenticated"})
			return
		}
		sessionID := c.Param("sessionId")

		if s, err := store.Get(sessionID); err == nil {
			snap := s.Snapshot()
			if endpointID != snap.CallerID && endpointID != snap.CalleeID {
				c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
				return
			}
			c.JSON(http.StatusOK, snapshotResponse(snap))
			return
		}

		if records == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		rec, err := records.GetCall(c.Request.Context(), sessionID)
		if errors.Is(err, redis.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
			return
		}
		if endpointID != rec.CallerID && endpointID != rec.CalleeID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
			return
		}

		c.JSON(http.StatusOK, models.CallSnapshot{
			SessionID:  rec.SessionID,
			CallerID:   rec.CallerID,
			CalleeID:   rec.CalleeID,
			State:      rec.State,
			CreatedAt:  rec.CreatedAt,
			AnsweredAt: rec.AnsweredAt,
			ChangedAt:  rec.EndedAt,
		})
	}
}

// GetCallHistory lists the authenticated endpoint's recent calls.
func GetCallHistory(records CallRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpointID := c.GetString(middleware.EndpointIDKey)
		if endpointID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Endpoint not authenticated"})
			return
		}
		if c.Param("endpointId") != endpointID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only your own call history is visible"})
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}

		history := []models.CallRecord{}
		if records != nil {
			history, err = records.CallHistory(c.Request.Context(), endpointID, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call history"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"calls": history})
	}
}

// GetPresence reports whether an endpoint is registered here or, when a
// shared presence directory is configured, on any coordinator.
func GetPresence(reg *registry.Registry, presence PresenceLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpointID := c.Param("endpointId")

		online := reg.IsRegistered(endpointID)
		if !online && presence != nil {
			var err error
			online, err = presence.IsOnline(c.Request.Context(), endpointID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up presence"})
				return
			}
		}

		c.JSON(http.StatusOK, models.PresenceResponse{
			EndpointID: endpointID,
			Online:     online,
		})
	}
}

func snapshotResponse(snap session.Snapshot) models.CallSnapshot {
	resp := models.CallSnapshot{
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		CalleeID:  snap.CalleeID,
		State:     snap.State.String(),
		CreatedAt: snap.CreatedAt,
		ChangedAt: snap.ChangedAt,
		Live:      !snap.State.Terminal(),
	}
	if !snap.AnsweredAt.IsZero() {
		answered := snap.AnsweredAt
		resp.AnsweredAt = &answered
	}
	return resp
}
