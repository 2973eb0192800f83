// Package store persists tenants, directory entries, orders and the audit log.
//
// Two implementations share one contract: Postgres for deployments and
// Memory for development and tests. In both, orders.buyer_cookie is unique
// and an order's items are written all-or-nothing.
package store

import (
	"errors"
	"time"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Fixture is a bundle of rows to seed.
type Fixture struct {
	Tenants   []SeedTenant
	Users     []SeedUser
	Buyers    []domain.Buyer
	Suppliers []domain.Supplier
}

type SeedTenant struct {
	Tenant domain.Tenant
	APIKey string
}

type SeedUser struct {
	User   domain.TenantUser
	APIKey string
}

// Demo credentials.
const (
	DemoTenantID       = "demo"
	DemoAPIKey         = "dev-api-key"
	DemoAdminKey       = "dev-admin-key"
	DemoEditorKey      = "dev-editor-key"
	DemoViewerKey      = "dev-viewer-key"
	DemoBuyerCred      = "buyer-credential"
	DemoSupplierCred   = "supplier-credential"
	DemoCatalogURL     = "https://supplier.example.com/catalog"
	DemoSettlementCode = "USD"
)

// DemoFixture is a single tenant with one user per role, a buyer and a
// supplier.
func DemoFixture() Fixture {
	now := time.Now().UTC()
	user := func(id, name string, role domain.Role, key string) SeedUser {
		return SeedUser{
			User: domain.TenantUser{
				ID: id, TenantID: DemoTenantID, Name: name,
				Email: id + "@demo.example.com", Role: role, CreatedAt: now,
			},
			APIKey: key,
		}
	}
	return Fixture{
		Tenants: []SeedTenant{{
			Tenant: domain.Tenant{ID: DemoTenantID, Name: "Demo Procurement", SettlementCurrency: DemoSettlementCode, CreatedAt: now},
			APIKey: DemoAPIKey,
		}},
		Users: []SeedUser{
			user("demo-admin", "Demo Admin", domain.RoleAdmin, DemoAdminKey),
			user("demo-editor", "Demo Editor", domain.RoleEditor, DemoEditorKey),
			user("demo-viewer", "Demo Viewer", domain.RoleReadOnly, DemoViewerKey),
		},
		Buyers: []domain.Buyer{{
			ID: "demo-buyer", TenantID: DemoTenantID, Name: "Demo Buyer", Credential: DemoBuyerCred,
		}},
		Suppliers: []domain.Supplier{{
			ID: "demo-supplier", TenantID: DemoTenantID, Name: "Demo Supplier",
			Credential: DemoSupplierCred, CatalogURL: DemoCatalogURL,
		}},
	}
}
