package tasks

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
	"github.com/zamer-sys/avito-articulum-parser/internal/state"
)

// ObjectClaim is a claimed object task together with the articulum string.
type ObjectClaim struct {
	Task      *db.ObjectTaskModel
	Articulum string
}

// ObjectManager owns the object_tasks queue.
type ObjectManager struct {
	connection bun.IDB
}

func NewObjectManager(connection bun.IDB) *ObjectManager {
	return &ObjectManager{connection: connection}
}

// Claim atomically takes the oldest pending object task. On the articulum's
// first claimed object task the articulum moves VALIDATED → OBJECT_PARSING;
// later claims see that transition as a no-op. Returns nil when empty.
func (m *ObjectManager) Claim(ctx context.Context, workerId string) (*ObjectClaim, error) {
	var claim *ObjectClaim

	err := m.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		task := new(db.ObjectTaskModel)
		err := tx.NewSelect().
			Model(task).
			Where("status = ?", db.TaskPending).
			Order("created_at ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err = tx.NewUpdate().
			Model((*db.ObjectTaskModel)(nil)).
			Set("status = ?", db.TaskProcessing).
			Set("worker_id = ?", workerId).
			Set("heartbeat_at = now()").
			Set("updated_at = now()").
			Where("id = ?", task.Id).
			Exec(ctx); err != nil {
			return err
		}

		if _, err = state.ToObjectParsing(ctx, tx, task.ArticulumId); err != nil {
			return err
		}

		var articulum string
		if err = tx.NewSelect().
			Model((*db.ArticulumModel)(nil)).
			Column("articulum").
			Where("id = ?", task.ArticulumId).
			Scan(ctx, &articulum); err != nil {
			return err
		}

		task.Status = db.TaskProcessing
		task.WorkerId = &workerId
		claim = &ObjectClaim{Task: task, Articulum: articulum}
		return nil
	})

	return claim, err
}

func (m *ObjectManager) Complete(ctx context.Context, task *db.ObjectTaskModel) error {
	_, err := m.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("status = ?", db.TaskCompleted).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ?", task.Id).
		Exec(ctx)

	return err
}

func (m *ObjectManager) Fail(ctx context.Context, task *db.ObjectTaskModel, reason string) error {
	_, err := m.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("status = ?", db.TaskFailed).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ?", task.Id).
		Exec(ctx)
	if err != nil {
		return err
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"TaskId": task.Id,
		"ItemId": task.AvitoItemId,
		"Reason": reason,
	}).Warn("object task failed")

	return nil
}

// Invalidate terminally marks a listing that turned out to be used or
// removed. No retry.
func (m *ObjectManager) Invalidate(ctx context.Context, task *db.ObjectTaskModel, reason string) error {
	_, err := m.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("status = ?", db.TaskInvalid).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ?", task.Id).
		Exec(ctx)
	if err != nil {
		return err
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"TaskId": task.Id,
		"ItemId": task.AvitoItemId,
		"Reason": reason,
	}).Info("object task invalidated")

	return nil
}

func (m *ObjectManager) ReturnToQueue(ctx context.Context, task *db.ObjectTaskModel) error {
	_, err := m.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("status = ?", db.TaskPending).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ?", task.Id).
		Exec(ctx)

	return err
}

func (m *ObjectManager) Heartbeat(ctx context.Context, taskId int64) error {
	_, err := m.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("heartbeat_at = now()").
		Set("updated_at = now()").
		Where("id = ?", taskId).
		Exec(ctx)

	return err
}

// CreateForArticulum inserts a pending object task for every listing of the
// articulum that passed all enabled validation stages. Idempotent: an item
// with a non-terminal task already queued is skipped.
func (m *ObjectManager) CreateForArticulum(ctx context.Context, connection bun.IDB, articulumId int64, itemIds []string) (int, error) {
	if len(itemIds) == 0 {
		return 0, nil
	}

	created := 0
	for _, itemId := range itemIds {
		res, err := connection.NewRaw(`
			INSERT INTO object_tasks (articulum_id, avito_item_id, status)
			SELECT ?, ?, ?
			WHERE NOT EXISTS (
			    SELECT 1 FROM object_tasks ot
			    WHERE ot.avito_item_id = ?
			      AND ot.status IN (?, ?)
			)
		`, articulumId, itemId, db.TaskPending, itemId, db.TaskPending, db.TaskProcessing).Exec(ctx)
		if err != nil {
			return created, err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return created, err
		}

		created += int(affected)
	}

	return created, nil
}

// SeedForReparse re-queues previously parsed items that were last seen more
// than minIntervalHours ago. When either reparse filter table has rows, only
// the filtered items qualify; otherwise every item in object_data does.
func (m *ObjectManager) SeedForReparse(ctx context.Context, minIntervalHours int) (int, error) {
	var filtersExist bool
	err := m.connection.NewRaw(`
		SELECT EXISTS (
			SELECT 1 FROM reparse_filter_items
			UNION ALL
			SELECT 1 FROM reparse_filter_articulums
			LIMIT 1
		)
	`).Scan(ctx, &filtersExist)
	if err != nil {
		return 0, err
	}

	targetItems := `
		SELECT DISTINCT avito_item_id
		FROM object_data
	`
	if filtersExist {
		targetItems = `
			WITH filter_items AS (
				SELECT avito_item_id FROM reparse_filter_items

				UNION

				SELECT DISTINCT cl.avito_item_id
				FROM catalog_listings cl
				INNER JOIN articulums a ON a.id = cl.articulum_id
				INNER JOIN reparse_filter_articulums rfa ON rfa.articulum = a.articulum
			)
			SELECT fi.avito_item_id
			FROM filter_items fi
			WHERE EXISTS (
				SELECT 1 FROM object_data od
				WHERE od.avito_item_id = fi.avito_item_id
			)
		`
	}

	var created int
	err = m.connection.NewRaw(`
		WITH target_items AS (
			`+targetItems+`
		),
		latest_parses AS (
			SELECT
				od.avito_item_id,
				od.articulum_id,
				MAX(od.parsed_at) AS last_parsed_at
			FROM object_data od
			INNER JOIN target_items ti ON ti.avito_item_id = od.avito_item_id
			GROUP BY od.avito_item_id, od.articulum_id
			HAVING (EXTRACT(EPOCH FROM (now() - MAX(od.parsed_at))) / 3600) >= ?
		),
		new_tasks AS (
			INSERT INTO object_tasks (articulum_id, avito_item_id, status)
			SELECT DISTINCT ON (lp.avito_item_id)
				lp.articulum_id,
				lp.avito_item_id,
				?
			FROM latest_parses lp
			WHERE NOT EXISTS (
				SELECT 1 FROM object_tasks ot
				WHERE ot.avito_item_id = lp.avito_item_id
				  AND ot.status IN (?, ?)
			)
			ORDER BY lp.avito_item_id, lp.last_parsed_at ASC
			RETURNING 1
		)
		SELECT COUNT(*) FROM new_tasks
	`, minIntervalHours, db.TaskPending, db.TaskPending, db.TaskProcessing).Scan(ctx, &created)

	return created, err
}
