package credit

import (
	"github.com/dojoflow/dojoflow/internal/credit/repository"
	"github.com/dojoflow/dojoflow/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
