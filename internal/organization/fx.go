package organization

import (
	"github.com/dojoflow/dojoflow/internal/organization/repository"
	"github.com/dojoflow/dojoflow/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
