package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
	quotadomain "github.com/smallbiznis/quotaengine/internal/quota/domain"
)

type checkCapabilityRequest struct {
	PrincipalID   string `json:"principal_id"`
	CapabilityKey string `json:"capability_key"`
	// LimitKey switches to the concurrent-cap check: the capability must be
	// granted and fewer live holders than the named limit may exist.
	LimitKey string `json:"limit_key"`
}

func (s *Server) CheckCapability(c *gin.Context) {
	var req checkCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	principalID, err := parseSnowflakeID(req.PrincipalID)
	if err != nil {
		AbortWithError(c, newValidationError("principal_id", "invalid_principal_id", "invalid principal id"))
		return
	}
	obslogger.BindPrincipal(c, principalID.String())
	capabilityKey := strings.TrimSpace(req.CapabilityKey)
	if capabilityKey == "" {
		AbortWithError(c, newValidationError("capability_key", "required", "capability_key is required"))
		return
	}
	c.Set("feature_key", capabilityKey)

	ctx := c.Request.Context()
	now := s.clock.Now()
	limitKey := strings.TrimSpace(req.LimitKey)
	if limitKey == "" {
		err = s.quotaSvc.CheckCapability(ctx, principalID, capabilityKey, now)
	} else {
		err = s.quotaSvc.CheckConcurrentCap(ctx, quotadomain.ConcurrentCapRequest{
			PrincipalID:   principalID,
			CapabilityKey: capabilityKey,
			LimitKey:      limitKey,
			Now:           now,
		})
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"principal_id":   principalID,
		"capability_key": capabilityKey,
		"allowed":        true,
	}})
}
