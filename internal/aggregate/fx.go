package aggregate

import (
	"github.com/smallbiznis/quotaengine/internal/aggregate/repository"
	"github.com/smallbiznis/quotaengine/internal/aggregate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregate.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
