package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
)

type featureUsageResponse struct {
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

type entitlementResponse struct {
	PrincipalID      snowflake.ID                    `json:"principal_id"`
	EvaluatedAt      time.Time                       `json:"evaluated_at"`
	Features         map[string]featureUsageResponse `json:"features"`
	Capabilities     []string                        `json:"capabilities"`
	EligibleGrantIDs []snowflake.ID                  `json:"eligible_grant_ids"`
}

func newEntitlementResponse(e entitlementdomain.EffectiveEntitlement) entitlementResponse {
	features := make(map[string]featureUsageResponse, len(e.NumericLimits))
	for key := range e.NumericLimits {
		features[key] = featureUsageResponse{
			Limit:     e.Limit(key),
			Used:      e.Used(key),
			Remaining: e.Remaining(key),
		}
	}
	capabilities := make([]string, 0, len(e.Capabilities))
	for key, granted := range e.Capabilities {
		if granted {
			capabilities = append(capabilities, key)
		}
	}
	sort.Strings(capabilities)

	grantIDs := e.EligibleGrantIDs
	if grantIDs == nil {
		grantIDs = []snowflake.ID{}
	}
	return entitlementResponse{
		PrincipalID:      e.PrincipalID,
		EvaluatedAt:      e.EvaluatedAt,
		Features:         features,
		Capabilities:     capabilities,
		EligibleGrantIDs: grantIDs,
	}
}

// GetEntitlement computes the principal's entitlement without writing
// anything. An "at" query replays the evaluation at that instant.
func (s *Server) GetEntitlement(c *gin.Context) {
	principalID, err := parseSnowflakeID(c.Param("principal_id"))
	if err != nil {
		AbortWithError(c, newValidationError("principal_id", "invalid_principal_id", "invalid principal id"))
		return
	}
	at, err := parseOptionalTime(c.Query("at"))
	if err != nil {
		AbortWithError(c, newValidationError("at", "invalid_at", "at must be RFC3339"))
		return
	}

	ent, err := s.entitlementSvc.Compute(c.Request.Context(), principalID, s.evaluationTime(at))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newEntitlementResponse(ent)})
}

// RefreshEntitlement recomputes the entitlement at the server clock and
// stores the summary on the principal record.
func (s *Server) RefreshEntitlement(c *gin.Context) {
	principalID, err := parseSnowflakeID(c.Param("principal_id"))
	if err != nil {
		AbortWithError(c, newValidationError("principal_id", "invalid_principal_id", "invalid principal id"))
		return
	}

	ent, err := s.entitlementSvc.Refresh(c.Request.Context(), principalID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newEntitlementResponse(ent)})
}
