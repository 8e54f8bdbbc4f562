package entitlement

import (
	"github.com/smallbiznis/quotaengine/internal/cache"
	"github.com/smallbiznis/quotaengine/internal/config"
	"github.com/smallbiznis/quotaengine/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(func(cfg config.Config) cache.EntitlementCache {
		return cache.NewEntitlementCache(cfg.Cache.EntitlementTTL)
	}),
	fx.Provide(service.New),
)
