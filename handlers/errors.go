package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// respondError maps service errors onto the wire statuses: 404 missing,
// 409 invalid transition, 400 inapplicable context, 503 model outage,
// 422 unprocessable document, 500 otherwise.
func respondError(c *gin.Context, err error) {
	var transition *models.TransitionError

	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &transition), errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidContext):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrModelUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrCorruptDocument),
		errors.Is(err, models.ErrExtractionFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
	}
}

// requestOrg returns the tenant set by the auth middleware. A request that
// reaches a handler without one is a middleware wiring bug.
func requestOrg(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get("organization_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Organization ID not found in context"})
		return uuid.Nil, false
	}
	orgID, ok := value.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid organization ID in context"})
		return uuid.Nil, false
	}
	return orgID, true
}

func requestUser(c *gin.Context) (string, bool) {
	value, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User ID not found in context"})
		return "", false
	}
	userID, ok := value.(string)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID in context"})
		return "", false
	}
	return userID, true
}

// requestActor bundles attribution for audited mutations.
func requestActor(c *gin.Context) (services.Actor, bool) {
	userID, ok := requestUser(c)
	if !ok {
		return services.Actor{}, false
	}
	return services.Actor{
		UserID:    userID,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}, true
}

// requestHasRole reports whether the authenticated token carries the role.
func requestHasRole(c *gin.Context, role string) bool {
	value, exists := c.Get("roles")
	if !exists {
		return false
	}
	roles, ok := value.([]string)
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func parseUUIDQuery(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name, "details": err.Error()})
		return uuid.Nil, false
	}
	return id, true
}
