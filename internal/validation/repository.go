package validation

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/state"
	"github.com/zamer-sys/avito-articulum-parser/internal/tasks"
)

// Repository is the database-backed Store.
type Repository struct {
	connection bun.IDB
	objects    *tasks.ObjectManager
}

var _ Store = (*Repository)(nil)

func NewRepository(connection bun.IDB, objects *tasks.ObjectManager) *Repository {
	return &Repository{connection: connection, objects: objects}
}

// ClaimNext grabs the oldest CATALOG_PARSED articulum and flips it to
// VALIDATING in one statement. Two workers cannot claim the same articulum:
// the inner select locks the row and skips rows locked by anyone else.
func (r *Repository) ClaimNext(ctx context.Context) (*db.ArticulumModel, error) {
	articulum := new(db.ArticulumModel)

	err := r.connection.NewRaw(`
		UPDATE articulums
		SET state = ?,
		    state_updated_at = now(),
		    updated_at = now()
		WHERE id = (
			SELECT id
			FROM articulums
			WHERE state = ?
			ORDER BY state_updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, articulum, state
	`, db.StateValidating, db.StateCatalogParsed).Scan(ctx, &articulum.Id, &articulum.Articulum, &articulum.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return articulum, nil
}

func (r *Repository) Listings(ctx context.Context, articulumId int64) ([]*db.CatalogListingModel, error) {
	return db.GetListingsForArticulum(ctx, r.connection, articulumId)
}

func (r *Repository) SaveResults(ctx context.Context, articulumId int64, stage string, results []ItemResult) error {
	if len(results) == 0 {
		return nil
	}

	models := make([]*db.ValidationResultModel, 0, len(results))
	for _, result := range results {
		model := &db.ValidationResultModel{
			ArticulumId:    articulumId,
			AvitoItemId:    result.AvitoItemId,
			ValidationType: stage,
			Passed:         result.Passed,
		}
		if result.RejectionReason != "" {
			reason := result.RejectionReason
			model.RejectionReason = &reason
		}
		models = append(models, model)
	}

	_, err := r.connection.NewInsert().Model(&models).Exec(ctx)
	return err
}

func (r *Repository) Accept(ctx context.Context, articulumId int64, survivorIds []string, createTasks bool) (int, error) {
	created := 0

	err := r.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ok, err := state.ToValidated(ctx, tx, articulumId)
		if err != nil {
			return err
		}
		if !ok {
			return &state.TransitionError{ArticulumId: articulumId, From: db.StateValidating, To: db.StateValidated}
		}

		if createTasks {
			created, err = r.objects.CreateForArticulum(ctx, tx, articulumId, survivorIds)
			if err != nil {
				return err
			}
		}

		return nil
	})

	return created, err
}

func (r *Repository) Reject(ctx context.Context, articulumId int64, reason string) error {
	_, err := state.Reject(ctx, r.connection, articulumId, reason)
	return err
}

func (r *Repository) Rollback(ctx context.Context, articulumId int64, reason string) error {
	return state.RollbackToCatalogParsed(ctx, r.connection, articulumId, reason)
}

// EnabledStages lists the stage names an item must pass to count as fully
// validated. Price filter and mechanical always run; AI is optional.
func EnabledStages(aiEnabled bool) []string {
	stages := []string{StagePriceFilter, StageMechanical}
	if aiEnabled {
		stages = append(stages, StageAi)
	}

	return stages
}

// SurvivorItemIds returns the items of an articulum with a passed result for
// every given stage.
func SurvivorItemIds(ctx context.Context, connection bun.IDB, articulumId int64, stages []string) ([]string, error) {
	var itemIds []string

	q := connection.NewSelect().
		Model((*db.CatalogListingModel)(nil)).
		Column("avito_item_id").
		Where("articulum_id = ?", articulumId)

	for _, stage := range stages {
		q = q.Where(
			"EXISTS (SELECT 1 FROM validation_results vr WHERE vr.articulum_id = cl.articulum_id AND vr.avito_item_id = cl.avito_item_id AND vr.validation_type = ? AND vr.passed)",
			stage,
		)
	}

	err := q.Scan(ctx, &itemIds)
	return itemIds, err
}
