package trustanchor

import (
	"github.com/smallbiznis/lemonsync/internal/trustanchor/repository"
	"github.com/smallbiznis/lemonsync/internal/trustanchor/service"
	"go.uber.org/fx"
)

var Module = fx.Module("trustanchor",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
