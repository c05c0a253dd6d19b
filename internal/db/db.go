package db

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
)

func GetConnection(config *util.Config) (*bun.DB, error) {
	sqlDb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(config.DbConnectionString.Value)))
	db := bun.NewDB(sqlDb, pgdialect.New())

	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(false),

		// BUNDEBUG=1 logs failed queries
		// BUNDEBUG=2 logs all queries
		bundebug.FromEnv("BUNDEBUG")))

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}

// GetArticulumsByState returns articulums in the given state ordered by
// creation time, oldest first.
func GetArticulumsByState(ctx context.Context, connection bun.IDB, state ArticulumState, limit int) (articulums []*ArticulumModel, err error) {
	q := connection.NewSelect().Model(&articulums).Where("state = ?", state).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	err = q.Scan(ctx)
	return articulums, err
}

// GetListingsForArticulum loads every catalog listing collected for the articulum.
func GetListingsForArticulum(ctx context.Context, connection bun.IDB, articulumId int64) (listings []*CatalogListingModel, err error) {
	err = connection.NewSelect().Model(&listings).Where("articulum_id = ?", articulumId).Order("id").Scan(ctx)

	return listings, err
}

// SaveListings inserts catalog listings idempotently: a duplicate
// avito_item_id is silently skipped.
func SaveListings(ctx context.Context, connection bun.IDB, listings []*CatalogListingModel) (affectedCount int, err error) {
	if len(listings) == 0 {
		return 0, nil
	}

	res, err := connection.NewInsert().Model(&listings).On("CONFLICT (avito_item_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return 0, err
	}

	c, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(c), err
}

// SaveObjectData appends a detail-parse snapshot. Every call creates a new
// row; history is the point.
func SaveObjectData(ctx context.Context, connection bun.IDB, data *ObjectDataModel) (int64, error) {
	_, err := connection.NewInsert().Model(data).Returning("id").Exec(ctx)
	if err != nil {
		return 0, err
	}

	return data.Id, nil
}

// CatalogBufferSize counts VALIDATED articulums that still have pending
// object tasks. Browser workers use it to decide which queue to drain.
func CatalogBufferSize(ctx context.Context, connection bun.IDB) (int, error) {
	count, err := connection.NewSelect().
		Model((*ArticulumModel)(nil)).
		Where("state = ?", StateValidated).
		Where("EXISTS (SELECT 1 FROM object_tasks ot WHERE ot.articulum_id = a.id AND ot.status = ?)", TaskPending).
		Count(ctx)

	return count, err
}
