package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
)

const entitlementPrefix = "entitlement"

// EntitlementCache stores computed entitlements per principal, bucketed by
// the minute of evaluation. An entry is never served at or after the
// earliest ValidTo of the grants it was built from. Empty entitlements are
// not stored.
type EntitlementCache interface {
	Get(principalID snowflake.ID, now time.Time) (entitlementdomain.EffectiveEntitlement, bool)
	Set(ent entitlementdomain.EffectiveEntitlement)
	Invalidate(principalID snowflake.ID)
}

type entitlementCache struct {
	entries Cache[entitlementdomain.EffectiveEntitlement]
	ttl     time.Duration
}

// NewEntitlementCache returns a no-op cache when ttl is not positive.
func NewEntitlementCache(ttl time.Duration) EntitlementCache {
	if ttl <= 0 {
		return noopEntitlementCache{}
	}
	return &entitlementCache{
		entries: NewTTLCache[entitlementdomain.EffectiveEntitlement](ttl),
		ttl:     ttl,
	}
}

func (c *entitlementCache) Get(principalID snowflake.ID, now time.Time) (entitlementdomain.EffectiveEntitlement, bool) {
	key := entitlementKey(principalID, now)
	ent, ok := c.entries.Get(key)
	if !ok {
		return entitlementdomain.EffectiveEntitlement{}, false
	}
	if !ent.ValidAt(now) {
		c.entries.Delete(key)
		return entitlementdomain.EffectiveEntitlement{}, false
	}
	return ent, true
}

func (c *entitlementCache) Set(ent entitlementdomain.EffectiveEntitlement) {
	if ent.PrincipalID == 0 || ent.IsEmpty() || !ent.ValidAt(ent.EvaluatedAt) {
		return
	}
	ttl := c.ttl
	if !ent.ExpiresAt.IsZero() {
		if left := ent.ExpiresAt.Sub(ent.EvaluatedAt); left < ttl {
			ttl = left
		}
	}
	c.entries.Set(entitlementKey(ent.PrincipalID, ent.EvaluatedAt), ent, ttl)
}

func (c *entitlementCache) Invalidate(principalID snowflake.ID) {
	c.entries.DeleteByPrefix(cacheKey(entitlementPrefix, principalID.String()) + "|")
}

func entitlementKey(principalID snowflake.ID, now time.Time) string {
	return cacheKey(entitlementPrefix, principalID.String(), now.UTC().Truncate(time.Minute).Format("200601021504"))
}

type noopEntitlementCache struct{}

func (noopEntitlementCache) Get(snowflake.ID, time.Time) (entitlementdomain.EffectiveEntitlement, bool) {
	return entitlementdomain.EffectiveEntitlement{}, false
}

func (noopEntitlementCache) Set(entitlementdomain.EffectiveEntitlement) {}

func (noopEntitlementCache) Invalidate(snowflake.ID) {}
