// Package errors defines the engine's error taxonomy. Callers match errors
// with the Is* helpers; plain errors.Is from the standard library does not
// see cockroachdb marks.
package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

const (
	CodeQuotaExceeded         = "quota_exceeded"
	CodeNoEligibleGrant       = "no_eligible_grant"
	CodeContention            = "contention"
	CodeInvalidFeatureKey     = "invalid_feature_key"
	CodePartialCascadeFailure = "partial_cascade_failure"
	CodeCapabilityNotGranted  = "capability_not_granted"
	CodeValidation            = "validation_error"
	CodeNotFound              = "not_found"
	CodeInternal              = "internal_error"
)

var (
	// ErrQuotaExceeded: no eligible grant has spare capacity for the request.
	ErrQuotaExceeded = errors.New(CodeQuotaExceeded)
	// ErrNoEligibleGrant: the principal holds no active paid grant at all.
	ErrNoEligibleGrant = errors.New(CodeNoEligibleGrant)
	// ErrContention: compare-and-set kept losing; safe to retry later.
	ErrContention = errors.New(CodeContention)
	// ErrInvalidFeatureKey: the key is not numeric in any plan. Not retried.
	ErrInvalidFeatureKey = errors.New(CodeInvalidFeatureKey)
	// ErrPartialCascadeFailure: a grant was retired but a cascade write failed.
	ErrPartialCascadeFailure = errors.New(CodePartialCascadeFailure)
	ErrCapabilityNotGranted  = errors.New(CodeCapabilityNotGranted)
	ErrValidation            = errors.New(CodeValidation)
	ErrNotFound              = errors.New(CodeNotFound)
)

var orderedSentinels = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrInvalidFeatureKey, CodeInvalidFeatureKey, http.StatusBadRequest},
	{ErrNoEligibleGrant, CodeNoEligibleGrant, http.StatusPaymentRequired},
	{ErrCapabilityNotGranted, CodeCapabilityNotGranted, http.StatusForbidden},
	{ErrQuotaExceeded, CodeQuotaExceeded, http.StatusForbidden},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrContention, CodeContention, http.StatusServiceUnavailable},
	{ErrPartialCascadeFailure, CodePartialCascadeFailure, http.StatusInternalServerError},
}

func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

func IsNoEligibleGrant(err error) bool { return errors.Is(err, ErrNoEligibleGrant) }

func IsContention(err error) bool { return errors.Is(err, ErrContention) }

func IsInvalidFeatureKey(err error) bool { return errors.Is(err, ErrInvalidFeatureKey) }

func IsPartialCascadeFailure(err error) bool { return errors.Is(err, ErrPartialCascadeFailure) }

func IsCapabilityNotGranted(err error) bool { return errors.Is(err, ErrCapabilityNotGranted) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRejection reports errors that gated-action handlers turn into a user
// facing rejection instead of a failure.
func IsRejection(err error) bool {
	return IsQuotaExceeded(err) || IsNoEligibleGrant(err) || IsCapabilityNotGranted(err)
}

// IsRetryable reports transient errors a caller may retry.
func IsRetryable(err error) bool {
	return IsContention(err)
}

// Code returns the low-cardinality code of the first matching sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range orderedSentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeInternal
}

func HTTPStatusFromErr(err error) int {
	for _, s := range orderedSentinels {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// Hint returns the user-facing hints attached to err, joined by newlines.
func Hint(err error) string {
	return errors.FlattenHints(err)
}
