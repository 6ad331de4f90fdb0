package audit

import (
	"github.com/dojoflow/dojoflow/internal/audit/repository"
	"github.com/dojoflow/dojoflow/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
