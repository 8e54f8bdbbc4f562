package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateGrantRequest struct {
	PrincipalID  snowflake.ID
	PlanID       string
	ValidFrom    time.Time
	ValidTo      time.Time
	PaymentState PaymentState
	BillingCycle string
}

type Service interface {
	Create(ctx context.Context, req CreateGrantRequest) (Grant, error)
	Get(ctx context.Context, id snowflake.ID) (Grant, error)
	ListByPrincipal(ctx context.Context, principalID snowflake.ID) ([]Grant, error)
	UpdatePaymentState(ctx context.Context, id snowflake.ID, state PaymentState) (Grant, error)
	// ResetUsage zeroes one feature's counter. Reserved for administrative
	// plan-change flows; it is the only write that lowers usage.
	ResetUsage(ctx context.Context, id snowflake.ID, featureKey string) (Grant, error)
}
