package db

import (
	"context"

	"github.com/uptrace/bun"
)

// CreateSchema creates every table and index the pipeline relies on. Safe to
// run repeatedly; everything is IF NOT EXISTS.
func CreateSchema(ctx context.Context, connection bun.IDB) error {
	models := []interface{}{
		(*ArticulumModel)(nil),
		(*ProxyModel)(nil),
		(*CatalogTaskModel)(nil),
		(*ObjectTaskModel)(nil),
		(*CatalogListingModel)(nil),
		(*ObjectDataModel)(nil),
		(*ValidationResultModel)(nil),
		(*ReparseFilterItemModel)(nil),
		(*ReparseFilterArticulumModel)(nil),
	}

	for _, model := range models {
		if _, err := connection.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	// Conditional transitions scan on state; heartbeat recovery scans on
	// (status, heartbeat_at).
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_articulums_state ON articulums (state)",
		"CREATE INDEX IF NOT EXISTS idx_catalog_tasks_status_heartbeat ON catalog_tasks (status, heartbeat_at)",
		"CREATE INDEX IF NOT EXISTS idx_object_tasks_status_heartbeat ON object_tasks (status, heartbeat_at)",
		"CREATE INDEX IF NOT EXISTS idx_object_tasks_item ON object_tasks (avito_item_id)",
		"CREATE INDEX IF NOT EXISTS idx_catalog_listings_articulum ON catalog_listings (articulum_id)",
		"CREATE INDEX IF NOT EXISTS idx_object_data_item ON object_data (avito_item_id, parsed_at)",
		"CREATE INDEX IF NOT EXISTS idx_validation_results_articulum ON validation_results (articulum_id)",
		"CREATE INDEX IF NOT EXISTS idx_proxies_free ON proxies (is_blocked, is_in_use)",
	}

	for _, ddl := range indexes {
		if _, err := connection.NewRaw(ddl).Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}
