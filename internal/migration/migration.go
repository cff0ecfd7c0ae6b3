package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	customerdomain "github.com/smallbiznis/lemonsync/internal/customer/domain"
	"github.com/smallbiznis/lemonsync/internal/exchangerate"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/lemonsync/internal/order/domain"
	settlementdomain "github.com/smallbiznis/lemonsync/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhooklog"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"gorm.io/gorm"
)

// Migrate brings the schema up to date. Postgres runs the embedded SQL
// migrations; other dialects fall back to gorm AutoMigrate.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() != db.TypePostgres {
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&anchordomain.Anchor{},
		&webhooklog.Entry{},
		&customerdomain.Customer{},
		&customerdomain.Contact{},
		&customerdomain.ContactEmail{},
		&customerdomain.ContactLink{},
		&subscriptiondomain.Subscription{},
		&settlementdomain.PaymentRequest{},
		&orderdomain.Order{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&exchangerate.Rate{},
		&auditdomain.AuditLog{},
	}
}

func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
