package testutil

import (
	"github.com/smallbiznis/quotaengine/internal/plan/catalog"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
)

// Catalog returns the seller plans used across package tests:
// basic (productLimit 10), starter (productLimit 5) and pro
// (productLimit 50, premiumListing, premiumLimit 2).
func Catalog() *catalog.Static {
	return catalog.MustStatic(
		mustPlan("basic", "Basic", plandomain.Numeric("productLimit", 10)),
		mustPlan("starter", "Starter", plandomain.Numeric("productLimit", 5)),
		mustPlan("pro", "Pro",
			plandomain.Numeric("productLimit", 50),
			plandomain.Capability("premiumListing"),
			plandomain.Numeric("premiumLimit", 2),
		),
	)
}

func mustPlan(id, name string, features ...plandomain.FeatureDeclaration) plandomain.Plan {
	p, err := plandomain.NewPlan(id, 1, name, features...)
	if err != nil {
		panic(err)
	}
	return p
}
