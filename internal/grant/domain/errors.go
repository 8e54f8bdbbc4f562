package domain

import "errors"

var (
	ErrInvalidPrincipal    = errors.New("invalid_principal")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidPaymentState = errors.New("invalid_payment_state")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrUsageConflict       = errors.New("usage_conflict")
)
