package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
	quotadomain "github.com/smallbiznis/quotaengine/internal/quota/domain"
)

type allocateRequest struct {
	PrincipalID string `json:"principal_id"`
	FeatureKey  string `json:"feature_key"`
	Amount      int64  `json:"amount"`
}

type allocationResponse struct {
	GrantID    snowflake.ID `json:"grant_id"`
	FeatureKey string       `json:"feature_key"`
	Amount     int64        `json:"amount"`
	UsedAfter  int64        `json:"used_after"`
	GrantLimit int64        `json:"grant_limit"`
}

// Allocate ledgers amount units of a numeric feature against exactly one
// grant eligible at the server clock.
func (s *Server) Allocate(c *gin.Context) {
	var req allocateRequest
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
	featureKey := strings.TrimSpace(req.FeatureKey)
	c.Set("feature_key", featureKey)

	result, err := s.quotaSvc.Allocate(c.Request.Context(), quotadomain.AllocateRequest{
		PrincipalID: principalID,
		FeatureKey:  featureKey,
		Amount:      req.Amount,
		Now:         s.clock.Now(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocationResponse{
		GrantID:    result.GrantID,
		FeatureKey: result.FeatureKey,
		Amount:     result.Amount,
		UsedAfter:  result.UsedAfter,
		GrantLimit: result.GrantLimit,
	}})
}
