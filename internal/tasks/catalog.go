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

// CatalogClaim is a claimed catalog task together with the articulum it
// searches for.
type CatalogClaim struct {
	Task      *db.CatalogTaskModel
	Articulum string
}

// CatalogManager owns the catalog_tasks queue. The queue is the table; every
// claim is one transaction with skip-locked row locking.
type CatalogManager struct {
	connection bun.IDB
}

func NewCatalogManager(connection bun.IDB) *CatalogManager {
	return &CatalogManager{connection: connection}
}

// Claim atomically takes the oldest pending catalog task whose articulum is
// still NEW. Marking the task processing and moving the articulum to
// CATALOG_PARSING happen in the same transaction; if the state transition
// loses its race, the whole claim aborts and the task stays pending.
// Returns nil when the queue is empty.
func (m *CatalogManager) Claim(ctx context.Context, workerId string) (*CatalogClaim, error) {
	var claim *CatalogClaim

	err := m.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		task := new(db.CatalogTaskModel)
		err := tx.NewSelect().
			Model(task).
			Join("JOIN articulums AS a ON a.id = ct.articulum_id").
			Where("ct.status = ?", db.TaskPending).
			Where("a.state = ?", db.StateNew).
			Order("ct.created_at ASC").
			Limit(1).
			For("UPDATE OF ct SKIP LOCKED").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		ok, err := state.ToCatalogParsing(ctx, tx, task.ArticulumId)
		if err != nil {
			return err
		}
		if !ok {
			// another claimant moved the articulum first; abort the claim
			return &state.TransitionError{ArticulumId: task.ArticulumId, From: db.StateNew, To: db.StateCatalogParsing}
		}

		if _, err = tx.NewUpdate().
			Model((*db.CatalogTaskModel)(nil)).
			Set("status = ?", db.TaskProcessing).
			Set("worker_id = ?", workerId).
			Set("heartbeat_at = now()").
			Set("updated_at = now()").
			Where("id = ?", task.Id).
			Exec(ctx); err != nil {
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
		claim = &CatalogClaim{Task: task, Articulum: articulum}
		return nil
	})

	var transitionErr *state.TransitionError
	if errors.As(err, &transitionErr) {
		// lost race, treated as an empty queue this round
		return nil, nil
	}

	return claim, err
}

// Complete finishes the task and moves the articulum to CATALOG_PARSED. Both
// updates share one transaction so a crash cannot leave a completed task with
// a parsing articulum.
func (m *CatalogManager) Complete(ctx context.Context, task *db.CatalogTaskModel) error {
	return m.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*db.CatalogTaskModel)(nil)).
			Set("status = ?", db.TaskCompleted).
			Set("worker_id = NULL").
			Set("updated_at = now()").
			Where("id = ?", task.Id).
			Exec(ctx); err != nil {
			return err
		}

		ok, err := state.ToCatalogParsed(ctx, tx, task.ArticulumId)
		if err != nil {
			return err
		}
		if !ok {
			return &state.TransitionError{ArticulumId: task.ArticulumId, From: db.StateCatalogParsing, To: db.StateCatalogParsed}
		}

		return nil
	})
}

// Fail marks the task failed and returns the articulum to NEW so a future
// seeding pass can retry it.
func (m *CatalogManager) Fail(ctx context.Context, task *db.CatalogTaskModel, reason string) error {
	return m.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*db.CatalogTaskModel)(nil)).
			Set("status = ?", db.TaskFailed).
			Set("worker_id = NULL").
			Set("updated_at = now()").
			Where("id = ?", task.Id).
			Exec(ctx); err != nil {
			return err
		}

		if _, err := state.Transition(ctx, tx, task.ArticulumId, db.StateCatalogParsing, db.StateNew); err != nil {
			return err
		}

		log.GetLogger().WithFields(map[string]interface{}{
			"TaskId": task.Id,
			"Reason": reason,
		}).Warn("catalog task failed")

		return nil
	})
}

// ReturnToQueue puts the task back to pending and rolls the articulum back to
// NEW. The checkpoint page is left untouched so a partial parse resumes
// instead of starting over.
func (m *CatalogManager) ReturnToQueue(ctx context.Context, task *db.CatalogTaskModel) error {
	return m.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*db.CatalogTaskModel)(nil)).
			Set("status = ?", db.TaskPending).
			Set("worker_id = NULL").
			Set("updated_at = now()").
			Where("id = ?", task.Id).
			Exec(ctx); err != nil {
			return err
		}

		_, err := state.Transition(ctx, tx, task.ArticulumId, db.StateCatalogParsing, db.StateNew)
		return err
	})
}

// UpdateCheckpoint records the catalog page a resumed parse starts from.
func (m *CatalogManager) UpdateCheckpoint(ctx context.Context, taskId int64, pageNum int) error {
	_, err := m.connection.NewUpdate().
		Model((*db.CatalogTaskModel)(nil)).
		Set("checkpoint_page = ?", pageNum).
		Set("updated_at = now()").
		Where("id = ?", taskId).
		Exec(ctx)

	return err
}

// Heartbeat proves the claiming worker is still alive.
func (m *CatalogManager) Heartbeat(ctx context.Context, taskId int64) error {
	_, err := m.connection.NewUpdate().
		Model((*db.CatalogTaskModel)(nil)).
		Set("heartbeat_at = now()").
		Set("updated_at = now()").
		Where("id = ?", taskId).
		Exec(ctx)

	return err
}

// IncrementWrongPage bumps the per-task diagnostic counter for unrecognized
// pages and returns the new value.
func (m *CatalogManager) IncrementWrongPage(ctx context.Context, taskId int64) (int, error) {
	var count int
	err := m.connection.NewRaw(`
		UPDATE catalog_tasks
		SET wrong_page_count = wrong_page_count + 1,
		    updated_at = now()
		WHERE id = ?
		RETURNING wrong_page_count
	`, taskId).Scan(ctx, &count)

	return count, err
}

// SeedFromNewArticulums inserts a pending catalog task for every NEW
// articulum that has none yet. Batched; the articulum stays NEW until a
// worker claims the task.
func (m *CatalogManager) SeedFromNewArticulums(ctx context.Context) (int, error) {
	res, err := m.connection.NewRaw(`
		INSERT INTO catalog_tasks (articulum_id, status, checkpoint_page)
		SELECT a.id, ?, 1
		FROM articulums a
		WHERE a.state = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM catalog_tasks ct
		      WHERE ct.articulum_id = a.id
		        AND ct.status IN (?, ?)
		  )
		ORDER BY a.created_at ASC
	`, db.TaskPending, db.StateNew, db.TaskPending, db.TaskProcessing).Exec(ctx)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	return int(affected), err
}
