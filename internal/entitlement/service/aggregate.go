package service

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
)

// Aggregate folds the grants eligible at now into one entitlement. Numeric
// limits and usage are summed across grants, capabilities are OR-ed.
// Ineligible grants and grants on plans missing from the catalog add
// nothing. The result depends only on its arguments.
func Aggregate(principalID snowflake.ID, grants []grantdomain.Grant, catalog plandomain.Catalog, now time.Time) entitlementdomain.EffectiveEntitlement {
	ent := entitlementdomain.Empty(principalID, now)
	for _, g := range grants {
		if g.PrincipalID != principalID || !g.IsEligible(now) {
			continue
		}
		plan, ok := catalog.Plan(g.PlanID)
		if !ok {
			continue
		}
		ent.EligibleGrantIDs = append(ent.EligibleGrantIDs, g.ID)
		if ent.ExpiresAt.IsZero() || g.ValidTo.Before(ent.ExpiresAt) {
			ent.ExpiresAt = g.ValidTo
		}

		for key, feature := range plan.Features {
			switch {
			case feature.IsNumeric():
				ent.NumericLimits[key] += feature.Limit
			case feature.IsCapability() && feature.Enabled:
				ent.Capabilities[key] = true
			}
		}
		for key, used := range g.Usage.Data() {
			ent.Usage[key] += used
		}
	}
	return ent
}
