package migration

import (
	apikeydomain "github.com/dojoflow/dojoflow/internal/apikey/domain"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	"github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	orgdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	"github.com/dojoflow/dojoflow/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql development databases take the gorm
			// schema directly.
			if err := conn.AutoMigrate(
				&orgdomain.Organization{},
				&apikeydomain.APIKey{},
				&creditdomain.CreditBalance{},
				&creditdomain.CreditTransaction{},
				&auditdomain.AuditLog{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultOrg(conn, cfg)
	}),
)
