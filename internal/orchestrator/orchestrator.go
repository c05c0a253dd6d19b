// Package orchestrator supervises the worker fleet and feeds the task queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/heartbeat"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
	"github.com/zamer-sys/avito-articulum-parser/internal/proxy"
	"github.com/zamer-sys/avito-articulum-parser/internal/tasks"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
	"github.com/zamer-sys/avito-articulum-parser/internal/validation"
)

const (
	seedInterval   = 10 * time.Second
	restartDelay   = 3 * time.Second
	drainTimeout   = 30 * time.Second
	cleanupTimeout = 10 * time.Second
)

// Runner is a worker loop. Browser and validation workers both satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// Orchestrator spawns the workers, restarts the ones that die, seeds the
// queues and runs heartbeat recovery. Workers run as supervised goroutines;
// the worker_id contract keeps recovery identical to a multi-process layout.
type Orchestrator struct {
	config     *util.Config
	connection bun.IDB
	proxies    *proxy.Pool
	catalogs   *tasks.CatalogManager
	objects    *tasks.ObjectManager
	checker    *heartbeat.Checker

	newBrowserWorker    func(id string) Runner
	newValidationWorker func(id string) Runner

	wg sync.WaitGroup

	mu                    sync.Mutex
	validationWorkersDown int
	validationDisabled    bool
}

func New(
	config *util.Config,
	connection bun.IDB,
	proxies *proxy.Pool,
	catalogs *tasks.CatalogManager,
	objects *tasks.ObjectManager,
	checker *heartbeat.Checker,
	newBrowserWorker func(id string) Runner,
	newValidationWorker func(id string) Runner,
) *Orchestrator {
	return &Orchestrator{
		config:              config,
		connection:          connection,
		proxies:             proxies,
		catalogs:            catalogs,
		objects:             objects,
		checker:             checker,
		newBrowserWorker:    newBrowserWorker,
		newValidationWorker: newValidationWorker,
	}
}

// Run starts everything and blocks until the context is cancelled, then
// drains the fleet.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.GetLogger()
	logger.WithField("ContainerId", o.config.ContainerId.Value).Info("orchestrator starting")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.checker.Run(ctx)
	}()

	browserCount := o.config.TotalBrowserWorkers.Int()
	for n := 1; n <= browserCount; n++ {
		workerId := o.config.BrowserWorkerId(n)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.supervise(ctx, workerId, o.newBrowserWorker, false)
		}()
	}
	logger.WithField("Count", browserCount).Info("browser workers started")

	validationCount := o.config.TotalValidationWorkers.Int()
	for n := 1; n <= validationCount; n++ {
		workerId := o.config.ValidationWorkerId(n)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.supervise(ctx, workerId, o.newValidationWorker, true)
		}()
	}
	if validationCount == 0 {
		logger.Info("validation workers disabled (TOTAL_VALIDATION_WORKERS=0)")
	} else {
		logger.WithField("Count", validationCount).Info("validation workers started")
	}

	if o.config.ReparseMode.Bool() {
		logger.Info("running in REPARSE_MODE")
		created, err := o.objects.SeedForReparse(ctx, o.config.MinReparseIntervalHours.Int())
		if err != nil {
			return fmt.Errorf("failed to seed reparse tasks: %w", err)
		}
		logger.WithField("Created", created).Info("reparse object tasks created")
	} else {
		if err := o.seedObjectTasksFromValidated(ctx); err != nil {
			logger.WithError(err).Error("startup object task repair failed")
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.seedCatalogTasksLoop(ctx)
		}()
	}

	logger.Info("orchestrator running")
	<-ctx.Done()

	logger.Info("shutting down, waiting for workers")
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped")
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout reached, abandoning remaining workers")
	}

	return nil
}

// supervise keeps one worker slot alive. After every exit the dead worker's
// proxies and in-flight tasks are released before a replacement starts. A
// validation worker that exits with ErrAiUnavailable stays down.
func (o *Orchestrator) supervise(ctx context.Context, workerId string, build func(id string) Runner, isValidation bool) {
	logger := log.GetLogger().WithField("WorkerId", workerId)

	for {
		err := runRecovered(ctx, build(workerId))

		o.releaseWorkerResources(workerId)

		if ctx.Err() != nil {
			return
		}

		if isValidation && errors.Is(err, validation.ErrAiUnavailable) {
			logger.Error("validation worker down after AI failures, not restarting")
			o.recordValidationWorkerDown()
			return
		}

		if err != nil {
			logger.WithError(err).Warn("worker exited, restarting")
		} else {
			logger.Warn("worker exited cleanly outside shutdown, restarting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func runRecovered(ctx context.Context, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	return runner.Run(ctx)
}

// releaseWorkerResources frees proxies and returns in-flight tasks of a dead
// worker, the same repair heartbeat recovery would do eventually.
func (o *Orchestrator) releaseWorkerResources(workerId string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	logger := log.GetLogger().WithField("WorkerId", workerId)

	if err := o.proxies.ReleaseByWorker(ctx, workerId); err != nil {
		logger.WithError(err).Error("failed to release worker proxies")
	}

	catalogRes, err := o.connection.NewUpdate().
		Model((*db.CatalogTaskModel)(nil)).
		Set("status = ?", db.TaskPending).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("worker_id = ? AND status = ?", workerId, db.TaskProcessing).
		Exec(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to return worker catalog tasks")
	}

	objectRes, err := o.connection.NewUpdate().
		Model((*db.ObjectTaskModel)(nil)).
		Set("status = ?", db.TaskPending).
		Set("worker_id = NULL").
		Set("updated_at = now()").
		Where("worker_id = ? AND status = ?", workerId, db.TaskProcessing).
		Exec(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to return worker object tasks")
	}

	catalogReturned := rowsAffected(catalogRes)
	objectReturned := rowsAffected(objectRes)
	if catalogReturned+objectReturned > 0 {
		logger.WithFields(map[string]interface{}{
			"CatalogTasks": catalogReturned,
			"ObjectTasks":  objectReturned,
		}).Info("worker resources released")
	}
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) int64 {
	if res == nil {
		return 0
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}

	return n
}

func (o *Orchestrator) recordValidationWorkerDown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.validationWorkersDown++
	if !o.validationDisabled && o.validationWorkersDown >= o.config.TotalValidationWorkers.Int() {
		o.validationDisabled = true
		log.GetLogger().Error("every validation worker is down with AI failures, validation disabled for this run")
	}
}

// seedCatalogTasksLoop periodically queues catalog tasks for NEW articulums
// that do not have one yet. Articulums are loaded externally, so new work can
// appear at any time.
func (o *Orchestrator) seedCatalogTasksLoop(ctx context.Context) {
	logger := log.GetLogger()

	ticker := time.NewTicker(seedInterval)
	defer ticker.Stop()

	for {
		created, err := o.catalogs.SeedFromNewArticulums(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("catalog task seeding failed")
		} else if created > 0 {
			logger.WithField("Created", created).Info("catalog tasks seeded")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// seedObjectTasksFromValidated repairs articulums that reached VALIDATED
// before a previous shutdown but never got their object tasks queued.
func (o *Orchestrator) seedObjectTasksFromValidated(ctx context.Context) error {
	if o.config.SkipObjectParsing.Bool() {
		return nil
	}

	validated, err := db.GetArticulumsByState(ctx, o.connection, db.StateValidated, 0)
	if err != nil {
		return err
	}
	if len(validated) == 0 {
		return nil
	}

	stages := validation.EnabledStages(o.config.EnableAiValidation.Bool())

	total := 0
	for _, articulum := range validated {
		survivors, err := validation.SurvivorItemIds(ctx, o.connection, articulum.Id, stages)
		if err != nil {
			return err
		}

		created, err := o.objects.CreateForArticulum(ctx, o.connection, articulum.Id, survivors)
		if err != nil {
			return err
		}

		total += created
	}

	if total > 0 {
		log.GetLogger().WithFields(map[string]interface{}{
			"Articulums": len(validated),
			"Created":    total,
		}).Info("object tasks recreated for validated articulums")
	}

	return nil
}
