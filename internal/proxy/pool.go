package proxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// blockAfterErrors is the three-strikes threshold: this many consecutive
// transient errors convert into a permanent block.
const blockAfterErrors = 3

// NoProxyAvailableError is returned by AcquireWithWait when the pool stayed
// empty for the whole wait budget.
type NoProxyAvailableError struct {
	WorkerId string
	Attempts int
}

func (e NoProxyAvailableError) Error() string {
	return fmt.Sprintf("worker %s: no free proxy after %d attempts", e.WorkerId, e.Attempts)
}

func (e NoProxyAvailableError) Is(target error) bool {
	var t *NoProxyAvailableError
	ok := errors.As(target, &t)
	return ok
}

// Pool arbitrates the fixed set of upstream proxies stored in the proxies
// table. All claims go through the database; the pool holds no state.
type Pool struct {
	connection bun.IDB
	waitDelay  time.Duration
}

func NewPool(connection bun.IDB, waitDelay time.Duration) *Pool {
	return &Pool{connection: connection, waitDelay: waitDelay}
}

// Acquire atomically claims one free proxy for the worker. Returns nil when
// no proxy is free. Uses FOR UPDATE SKIP LOCKED so concurrent claimants never
// serialize on each other.
func (p *Pool) Acquire(ctx context.Context, workerId string) (*db.ProxyModel, error) {
	var claimed *db.ProxyModel

	err := p.connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		proxy := new(db.ProxyModel)
		err := tx.NewSelect().
			Model(proxy).
			Where("is_blocked = FALSE").
			Where("is_in_use = FALSE").
			Order("id ASC").
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
			Model((*db.ProxyModel)(nil)).
			Set("is_in_use = TRUE").
			Set("worker_id = ?", workerId).
			Set("updated_at = now()").
			Where("id = ?", proxy.Id).
			Exec(ctx); err != nil {
			return err
		}

		proxy.IsInUse = true
		proxy.WorkerId = &workerId
		claimed = proxy
		return nil
	})

	return claimed, err
}

// AcquireWithWait polls Acquire until a proxy frees up or maxAttempts is
// exhausted. maxAttempts <= 0 means wait forever (bounded by ctx).
func (p *Pool) AcquireWithWait(ctx context.Context, workerId string, maxAttempts int) (*db.ProxyModel, error) {
	attempts := 0

	for maxAttempts <= 0 || attempts < maxAttempts {
		proxy, err := p.Acquire(ctx, workerId)
		if err != nil {
			return nil, err
		}
		if proxy != nil {
			return proxy, nil
		}

		attempts++
		log.GetLogger().WithFields(map[string]interface{}{
			"WorkerId": workerId,
			"Attempt":  attempts,
		}).Debugf("no free proxy, waiting %s", p.waitDelay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.waitDelay):
		}
	}

	return nil, &NoProxyAvailableError{WorkerId: workerId, Attempts: attempts}
}

// Release returns the proxy to the pool. Blocked proxies stay blocked.
func (p *Pool) Release(ctx context.Context, proxyId int64) error {
	_, err := p.connection.NewUpdate().
		Model((*db.ProxyModel)(nil)).
		Set("is_in_use = FALSE").
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ? AND is_blocked = FALSE", proxyId).
		Exec(ctx)

	return err
}

// ReleaseByWorker frees every proxy held by the worker. Used by heartbeat
// recovery and by the supervisor when a worker exits.
func (p *Pool) ReleaseByWorker(ctx context.Context, workerId string) error {
	_, err := p.connection.NewUpdate().
		Model((*db.ProxyModel)(nil)).
		Set("is_in_use = FALSE").
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("worker_id = ?", workerId).
		Exec(ctx)

	return err
}

// Block permanently blocks the proxy. There is no unblock path.
func (p *Pool) Block(ctx context.Context, proxyId int64, reason string) error {
	_, err := p.connection.NewUpdate().
		Model((*db.ProxyModel)(nil)).
		Set("is_blocked = TRUE").
		Set("is_in_use = FALSE").
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("id = ?", proxyId).
		Exec(ctx)
	if err != nil {
		return err
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"ProxyId": proxyId,
		"Reason":  reason,
	}).Warn("proxy blocked permanently")

	return nil
}

// IncrementError bumps the consecutive error counter in a single statement so
// the count survives worker restarts. Three strikes block the proxy for good;
// below that it goes back to the pool.
func (p *Pool) IncrementError(ctx context.Context, proxyId int64, description string) error {
	var newErrors int
	err := p.connection.NewRaw(`
		UPDATE proxies
		SET consecutive_errors = consecutive_errors + 1,
		    is_blocked = (consecutive_errors + 1 >= ?),
		    is_in_use = FALSE,
		    worker_id = NULL,
		    last_error_at = now(),
		    updated_at = now()
		WHERE id = ?
		RETURNING consecutive_errors
	`, blockAfterErrors, proxyId).Scan(ctx, &newErrors)
	if err != nil {
		return err
	}

	logger := log.GetLogger().WithFields(map[string]interface{}{
		"ProxyId":     proxyId,
		"ErrorCount":  newErrors,
		"Description": description,
	})

	if newErrors >= blockAfterErrors {
		logger.Warnf("proxy blocked after %d consecutive errors", newErrors)
	} else {
		logger.Warnf("proxy transient error %d/%d", newErrors, blockAfterErrors)
	}

	return nil
}

// ResetErrors clears the error counter after a successful task.
func (p *Pool) ResetErrors(ctx context.Context, proxyId int64) error {
	_, err := p.connection.NewUpdate().
		Model((*db.ProxyModel)(nil)).
		Set("consecutive_errors = 0").
		Set("updated_at = now()").
		Where("id = ?", proxyId).
		Exec(ctx)

	return err
}

// Stats summarizes the pool for the operator report.
type Stats struct {
	Total     int
	Blocked   int
	InUse     int
	Available int
}

func (p *Pool) GetStats(ctx context.Context) (*Stats, error) {
	stats := new(Stats)
	err := p.connection.NewRaw(`
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE is_blocked) AS blocked,
			COUNT(*) FILTER (WHERE is_in_use) AS in_use,
			COUNT(*) FILTER (WHERE NOT is_blocked AND NOT is_in_use) AS available
		FROM proxies
	`).Scan(ctx, &stats.Total, &stats.Blocked, &stats.InUse, &stats.Available)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
