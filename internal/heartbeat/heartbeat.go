// Package heartbeat returns abandoned tasks and their proxies to the pool.
// This sweep is the sole crash-recovery mechanism: a dead worker needs no
// in-process cleanup beyond what its heartbeat stops proving.
package heartbeat

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

type Checker struct {
	connection bun.IDB
	timeout    time.Duration
	interval   time.Duration
}

func NewChecker(connection bun.IDB, timeout, interval time.Duration) *Checker {
	return &Checker{connection: connection, timeout: timeout, interval: interval}
}

type expiredTask struct {
	Id          int64   `bun:"id"`
	WorkerId    *string `bun:"worker_id"`
	ArticulumId int64   `bun:"articulum_id"`
	AvitoItemId string  `bun:"avito_item_id"`
}

// CheckExpiredCatalogTasks returns stuck catalog tasks to the queue. For each
// one, in a single transaction: the dead worker's proxy is released first,
// the articulum rolls back CATALOG_PARSING → NEW, and the task goes back to
// pending with its checkpoint intact.
func (c *Checker) CheckExpiredCatalogTasks(ctx context.Context) (int, error) {
	var expired []expiredTask
	err := c.connection.NewSelect().
		Model((*db.CatalogTaskModel)(nil)).
		Column("id", "worker_id", "articulum_id").
		Where("status = ?", db.TaskProcessing).
		Where("heartbeat_at < now() - make_interval(secs => ?)", c.timeout.Seconds()).
		Scan(ctx, &expired)
	if err != nil {
		return 0, err
	}

	returned := 0
	for _, task := range expired {
		task := task
		err := c.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if task.WorkerId != nil {
				if _, err := tx.NewUpdate().
					Model((*db.ProxyModel)(nil)).
					Set("is_in_use = FALSE").
					Set("worker_id = NULL").
					Set("updated_at = now()").
					Where("worker_id = ?", *task.WorkerId).
					Exec(ctx); err != nil {
					return err
				}
			}

			// only rolled back when still CATALOG_PARSING; a completed
			// articulum is left alone
			if _, err := tx.NewUpdate().
				Model((*db.ArticulumModel)(nil)).
				Set("state = ?", db.StateNew).
				Set("state_updated_at = now()").
				Set("updated_at = now()").
				Where("id = ? AND state = ?", task.ArticulumId, db.StateCatalogParsing).
				Exec(ctx); err != nil {
				return err
			}

			if _, err := tx.NewUpdate().
				Model((*db.CatalogTaskModel)(nil)).
				Set("status = ?", db.TaskPending).
				Set("worker_id = NULL").
				Set("updated_at = now()").
				Where("id = ?", task.Id).
				Exec(ctx); err != nil {
				return err
			}

			return nil
		})
		if err != nil {
			return returned, err
		}

		log.GetLogger().WithFields(map[string]interface{}{
			"TaskId":      task.Id,
			"ArticulumId": task.ArticulumId,
			"WorkerId":    task.WorkerId,
		}).Warn("expired catalog task returned to queue")
		returned++
	}

	return returned, nil
}

// CheckExpiredObjectTasks returns stuck object tasks to the queue. The
// articulum only regresses OBJECT_PARSING → VALIDATED when the expired task
// was its last in-flight one; other workers may still be parsing siblings.
func (c *Checker) CheckExpiredObjectTasks(ctx context.Context) (int, error) {
	var expired []expiredTask
	err := c.connection.NewSelect().
		Model((*db.ObjectTaskModel)(nil)).
		Column("id", "worker_id", "articulum_id", "avito_item_id").
		Where("status = ?", db.TaskProcessing).
		Where("heartbeat_at < now() - make_interval(secs => ?)", c.timeout.Seconds()).
		Scan(ctx, &expired)
	if err != nil {
		return 0, err
	}

	returned := 0
	for _, task := range expired {
		task := task
		err := c.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if task.WorkerId != nil {
				if _, err := tx.NewUpdate().
					Model((*db.ProxyModel)(nil)).
					Set("is_in_use = FALSE").
					Set("worker_id = NULL").
					Set("updated_at = now()").
					Where("worker_id = ?", *task.WorkerId).
					Exec(ctx); err != nil {
					return err
				}
			}

			if _, err := tx.NewUpdate().
				Model((*db.ObjectTaskModel)(nil)).
				Set("status = ?", db.TaskPending).
				Set("worker_id = NULL").
				Set("updated_at = now()").
				Where("id = ?", task.Id).
				Exec(ctx); err != nil {
				return err
			}

			if _, err := tx.NewRaw(`
				UPDATE articulums
				SET state = ?,
				    state_updated_at = now(),
				    updated_at = now()
				WHERE id = ?
				  AND state = ?
				  AND NOT EXISTS (
				      SELECT 1 FROM object_tasks ot
				      WHERE ot.articulum_id = ?
				        AND ot.status = ?
				  )
			`, db.StateValidated, task.ArticulumId, db.StateObjectParsing, task.ArticulumId, db.TaskProcessing).Exec(ctx); err != nil {
				return err
			}

			return nil
		})
		if err != nil {
			return returned, err
		}

		log.GetLogger().WithFields(map[string]interface{}{
			"TaskId":   task.Id,
			"ItemId":   task.AvitoItemId,
			"WorkerId": task.WorkerId,
		}).Warn("expired object task returned to queue")
		returned++
	}

	return returned, nil
}

// FixOrphanedArticulums repairs articulums stuck in CATALOG_PARSING that have
// a pending catalog task and none in processing. That happens when a claim transitioned the
// articulum but the task update never landed.
func (c *Checker) FixOrphanedArticulums(ctx context.Context) (int, error) {
	res, err := c.connection.NewRaw(`
		WITH orphaned AS (
			SELECT DISTINCT a.id
			FROM articulums a
			INNER JOIN catalog_tasks ct ON ct.articulum_id = a.id
			WHERE a.state = ?
			  AND ct.status = ?
			  AND NOT EXISTS (
			      SELECT 1 FROM catalog_tasks live
			      WHERE live.articulum_id = a.id
			        AND live.status = ?
			  )
		)
		UPDATE articulums
		SET state = ?,
		    state_updated_at = now(),
		    updated_at = now()
		FROM orphaned
		WHERE articulums.id = orphaned.id
	`, db.StateCatalogParsing, db.TaskPending, db.TaskProcessing, db.StateNew).Exec(ctx)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected > 0 {
		log.GetLogger().WithField("Count", affected).Warn("orphaned articulums returned to NEW")
	}

	return int(affected), nil
}

// Run sweeps both task tables until the context is cancelled. Errors are
// logged and the loop keeps going; a broken sweep round must not take the
// recovery path down with it.
func (c *Checker) Run(ctx context.Context) {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"Interval": c.interval.String(),
		"Timeout":  c.timeout.String(),
	})
	logger.Info("heartbeat recovery loop started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("heartbeat recovery loop stopped")
			return
		case <-ticker.C:
		}

		orphaned, err := c.FixOrphanedArticulums(ctx)
		if err != nil {
			logger.WithError(err).Error("orphan repair failed")
			continue
		}

		catalogReturned, err := c.CheckExpiredCatalogTasks(ctx)
		if err != nil {
			logger.WithError(err).Error("catalog sweep failed")
			continue
		}

		objectReturned, err := c.CheckExpiredObjectTasks(ctx)
		if err != nil {
			logger.WithError(err).Error("object sweep failed")
			continue
		}

		if total := orphaned + catalogReturned + objectReturned; total > 0 {
			logger.WithFields(map[string]interface{}{
				"Catalog":  catalogReturned,
				"Object":   objectReturned,
				"Orphaned": orphaned,
			}).Info("heartbeat recovery returned tasks")
		}
	}
}
