package settlement

import (
	"github.com/smallbiznis/lemonsync/internal/settlement/repository"
	"github.com/smallbiznis/lemonsync/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
