package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/middleware"
	"crm-realtime/internal/models"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func principalIDFromContext(c *gin.Context) *string {
	if p, ok := middleware.PrincipalFrom(c); ok && p.ID != "" {
		id := p.ID
		return &id
	}
	return nil
}

// principal returns the caller; routes are always behind AuthMiddleware.
func principal(c *gin.Context) models.Principal {
	p, _ := middleware.PrincipalFrom(c)
	return p
}

func conversationIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id", "code": "invalid"})
		return 0, false
	}
	return id, true
}

// writeError maps err onto the status and code of the error taxonomy.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg, "code": apperr.Code(err)})
}
