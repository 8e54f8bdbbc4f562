package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
)

type createGrantRequest struct {
	PrincipalID  string     `json:"principal_id"`
	PlanID       string     `json:"plan_id"`
	ValidFrom    *time.Time `json:"valid_from"`
	ValidTo      time.Time  `json:"valid_to"`
	PaymentState string     `json:"payment_state"`
	BillingCycle string     `json:"billing_cycle"`
}

type updatePaymentStateRequest struct {
	PaymentState string `json:"payment_state"`
}

type resetUsageRequest struct {
	FeatureKey string `json:"feature_key"`
}

type grantResponse struct {
	ID            snowflake.ID      `json:"id"`
	PrincipalID   snowflake.ID      `json:"principal_id"`
	PlanID        string            `json:"plan_id"`
	ValidFrom     time.Time         `json:"valid_from"`
	ValidTo       time.Time         `json:"valid_to"`
	PaymentState  string            `json:"payment_state"`
	Active        bool              `json:"active"`
	Usage         grantdomain.Usage `json:"usage"`
	BillingCycle  string            `json:"billing_cycle,omitempty"`
	Version       int64             `json:"version"`
	DeactivatedAt *time.Time        `json:"deactivated_at,omitempty"`
	CascadedAt    *time.Time        `json:"cascaded_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func newGrantResponse(g grantdomain.Grant) grantResponse {
	usage := g.Usage.Data()
	if usage == nil {
		usage = grantdomain.Usage{}
	}
	return grantResponse{
		ID:            g.ID,
		PrincipalID:   g.PrincipalID,
		PlanID:        g.PlanID,
		ValidFrom:     g.ValidFrom,
		ValidTo:       g.ValidTo,
		PaymentState:  string(g.PaymentState),
		Active:        g.Active,
		Usage:         usage,
		BillingCycle:  g.BillingCycle,
		Version:       g.Version,
		DeactivatedAt: g.DeactivatedAt,
		CascadedAt:    g.CascadedAt,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
}

func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
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
	create := grantdomain.CreateGrantRequest{
		PrincipalID:  principalID,
		PlanID:       strings.TrimSpace(req.PlanID),
		ValidTo:      req.ValidTo,
		PaymentState: grantdomain.PaymentState(strings.ToUpper(strings.TrimSpace(req.PaymentState))),
		BillingCycle: strings.TrimSpace(req.BillingCycle),
	}
	if req.ValidFrom != nil {
		create.ValidFrom = *req.ValidFrom
	}

	grant, err := s.grantSvc.Create(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newGrantResponse(grant)})
}

func (s *Server) GetGrant(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("grant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("grant_id", "invalid_grant_id", "invalid grant id"))
		return
	}

	grant, err := s.grantSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newGrantResponse(grant)})
}

func (s *Server) ListPrincipalGrants(c *gin.Context) {
	principalID, err := parseSnowflakeID(c.Param("principal_id"))
	if err != nil {
		AbortWithError(c, newValidationError("principal_id", "invalid_principal_id", "invalid principal id"))
		return
	}

	grants, err := s.grantSvc.ListByPrincipal(c.Request.Context(), principalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": lo.Map(grants, func(g grantdomain.Grant, _ int) grantResponse {
		return newGrantResponse(g)
	})})
}

// UpdateGrantPaymentState is the payment collaborator's write path.
func (s *Server) UpdateGrantPaymentState(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("grant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("grant_id", "invalid_grant_id", "invalid grant id"))
		return
	}
	var req updatePaymentStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	state := grantdomain.PaymentState(strings.ToUpper(strings.TrimSpace(req.PaymentState)))
	grant, err := s.grantSvc.UpdatePaymentState(c.Request.Context(), id, state)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newGrantResponse(grant)})
}

func (s *Server) ResetGrantUsage(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("grant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("grant_id", "invalid_grant_id", "invalid grant id"))
		return
	}
	var req resetUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		AbortWithError(c, newValidationError("feature_key", "required", "feature_key is required"))
		return
	}
	c.Set("feature_key", featureKey)

	grant, err := s.quotaSvc.ResetUsage(c.Request.Context(), id, featureKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newGrantResponse(grant)})
}
