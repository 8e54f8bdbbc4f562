package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeature(t *testing.T) {
	cases := []struct {
		raw  string
		want FeatureDeclaration
	}{
		{raw: "productLimit:10", want: Numeric("productLimit", 10)},
		{raw: " productLimit : 0 ", want: Numeric("productLimit", 0)},
		{raw: "premiumListing", want: Capability("premiumListing")},
		{raw: "premiumListing:TRUE", want: Capability("premiumListing")},
		{raw: "premiumListing:false", want: FeatureDeclaration{Key: "premiumListing", Kind: FeatureKindCapability}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseFeature(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseFeatureRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", ":5", "product limit:3", "productLimit:-1", "productLimit:ten", "productLimit:1.5"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseFeature(raw)
			if !errors.Is(err, ErrInvalidFeatureDeclaration) {
				t.Fatalf("expected ErrInvalidFeatureDeclaration for %q, got %v", raw, err)
			}
		})
	}
}

func TestPlanAccessors(t *testing.T) {
	plan, err := NewPlan("pro", 1, "Pro",
		Numeric("productLimit", 25),
		Numeric("premiumLimit", 3),
		Capability("premiumListing"),
		FeatureDeclaration{Key: "analytics", Kind: FeatureKindCapability},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(25), plan.Limit("productLimit"))
	assert.Equal(t, int64(0), plan.Limit("premiumListing"))
	assert.Equal(t, int64(0), plan.Limit("missing"))
	assert.True(t, plan.IsNumeric("premiumLimit"))
	assert.False(t, plan.IsNumeric("premiumListing"))
	assert.True(t, plan.HasCapability("premiumListing"))
	assert.False(t, plan.HasCapability("analytics"))
	assert.Equal(t, []string{"premiumLimit", "productLimit"}, plan.NumericKeys())
}

func TestNewPlanRejectsDuplicateKeys(t *testing.T) {
	_, err := NewPlan("basic", 1, "Basic", Numeric("productLimit", 1), Capability("productLimit"))
	assert.ErrorIs(t, err, ErrDuplicateFeature)

	_, err = NewPlan("", 1, "Nameless")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
