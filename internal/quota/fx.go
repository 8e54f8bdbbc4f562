package quota

import (
	"github.com/smallbiznis/quotaengine/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.allocator",
	fx.Provide(service.New),
)
