package domain

import "errors"

var (
	ErrInvalidFeatureDeclaration = errors.New("invalid_feature_declaration")
	ErrDuplicateFeature          = errors.New("duplicate_feature")
	ErrInvalidPlan               = errors.New("invalid_plan")
	ErrDuplicatePlan             = errors.New("duplicate_plan")
)
