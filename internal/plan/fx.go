package plan

import (
	"github.com/smallbiznis/quotaengine/internal/config"
	"github.com/smallbiznis/quotaengine/internal/plan/catalog"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(provideHolder),
	fx.Provide(func(h *catalog.Holder) plandomain.Catalog { return h }),
)

func provideHolder(cfg config.Config, log *zap.Logger) (*catalog.Holder, error) {
	return catalog.NewHolder(cfg.PlanCatalogPath, log)
}
