package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/config"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/store"
)

func main() {
	extra := flag.Int("tenants", 0, "additional benchmark tenants to create (keys bench-key-<n>)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.DBSource == "" {
		logger.Fatal("DB_SOURCE is required for seeding")
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}

	logger.Info("seeding database")
	fixture := store.DemoFixture()
	fixture.Tenants[0].Tenant.SettlementCurrency = cfg.Currency.Settlement
	mergeFixture(&fixture, benchFixture(*extra, cfg.Currency.Settlement))

	err = pg.Seed(ctx, fixture)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		logger.Info("database already seeded, skipping")
		return
	case err != nil:
		logger.Fatal("bulk insert failed", zap.Error(err))
	}

	logger.Info("seeded",
		zap.Int("tenants", len(fixture.Tenants)),
		zap.Int("users", len(fixture.Users)),
		zap.Int("buyers", len(fixture.Buyers)),
		zap.Int("suppliers", len(fixture.Suppliers)))
}

// benchFixture builds n tenants that reuse the demo buyer and supplier
// credentials, so the benchmark can target any of them with the same cXML.
func benchFixture(n int, settlement string) store.Fixture {
	var f store.Fixture
	now := time.Now().UTC()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("bench-%d", i)
		f.Tenants = append(f.Tenants, store.SeedTenant{
			Tenant: domain.Tenant{ID: id, Name: "Bench Tenant " + id, SettlementCurrency: settlement, CreatedAt: now},
			APIKey: fmt.Sprintf("bench-key-%d", i),
		})
		f.Buyers = append(f.Buyers, domain.Buyer{
			ID: id + "-buyer", TenantID: id, Name: "Bench Buyer", Credential: store.DemoBuyerCred,
		})
		f.Suppliers = append(f.Suppliers, domain.Supplier{
			ID: id + "-supplier", TenantID: id, Name: "Bench Supplier",
			Credential: store.DemoSupplierCred, CatalogURL: store.DemoCatalogURL,
		})
	}
	return f
}

func mergeFixture(dst *store.Fixture, src store.Fixture) {
	dst.Tenants = append(dst.Tenants, src.Tenants...)
	dst.Users = append(dst.Users, src.Users...)
	dst.Buyers = append(dst.Buyers, src.Buyers...)
	dst.Suppliers = append(dst.Suppliers, src.Suppliers...)
}
