package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/middleware"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	EndpointID string `json:"endpointId" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token      string `json:"token"`
	EndpointID string `json:"endpointId"`
}

// Login issues a signaling token for the requested endpoint id.
// Development only: any password is accepted.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, req.EndpointID, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:      token,
			EndpointID: req.EndpointID,
		})
	}
}
