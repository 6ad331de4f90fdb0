package apikey

import (
	apikeydomain "github.com/dojoflow/dojoflow/internal/apikey/domain"
	"github.com/dojoflow/dojoflow/internal/apikey/repository"
	"github.com/dojoflow/dojoflow/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) apikeydomain.Service { return s }),
)
