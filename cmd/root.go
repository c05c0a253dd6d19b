package cmd

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/avito"
	"github.com/zamer-sys/avito-articulum-parser/internal/blob"
	"github.com/zamer-sys/avito-articulum-parser/internal/browser"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/heartbeat"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
	"github.com/zamer-sys/avito-articulum-parser/internal/orchestrator"
	"github.com/zamer-sys/avito-articulum-parser/internal/proxy"
	"github.com/zamer-sys/avito-articulum-parser/internal/tasks"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
	"github.com/zamer-sys/avito-articulum-parser/internal/validation"
)

// ExitAiUnavailable is the process exit code of a standalone validation
// worker that gave up after three consecutive AI failures.
const ExitAiUnavailable = 2

// Run wires the pipeline and blocks until shutdown. The returned exit code
// follows the worker contract: 0 normal, 2 when a standalone validation
// worker stopped because of the AI endpoint.
func Run(ctx context.Context, connection bun.IDB, config *util.Config) (int, error) {
	var report bool
	var migrate bool
	var workerMode string
	flag.BoolVar(&report, "report", false, "print pipeline status and exit")
	flag.BoolVar(&migrate, "migrate", false, "create tables and indexes, then exit")
	flag.StringVar(&workerMode, "worker", "", "run a single worker instead of the orchestrator (validation)")
	flag.Parse()

	logger := log.GetLogger()

	if migrate {
		logger.Info("creating database schema")
		if err := db.CreateSchema(ctx, connection); err != nil {
			return 1, err
		}
		logger.Info("database schema ready")
		return 0, nil
	}

	if report {
		return 0, printReport(ctx, connection)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := proxy.NewPool(connection, config.ProxyWaitTimeout.Seconds())
	catalogs := tasks.NewCatalogManager(connection)
	objects := tasks.NewObjectManager(connection)
	checker := heartbeat.NewChecker(connection, config.HeartbeatTimeoutSeconds.Seconds(), config.HeartbeatCheckInterval.Seconds())

	newValidationWorker := func(id string) orchestrator.Runner {
		return buildValidationWorker(id, connection, objects, config)
	}

	if workerMode == "validation" {
		worker := buildValidationWorker(config.ValidationWorkerId(1), connection, objects, config)
		if err := worker.Run(ctx); err != nil {
			if errors.Is(err, validation.ErrAiUnavailable) {
				return ExitAiUnavailable, nil
			}
			return 1, err
		}
		return 0, nil
	}

	uploader, err := blob.NewUploader(ctx, config)
	if err != nil {
		return 1, err
	}
	if uploader != nil {
		logger.Info("listing image mirroring enabled")
	}

	storage := browser.NewStorage(connection, uploader)
	driver := &avito.RodDriver{}
	sessions := &browser.RodFactory{}

	newBrowserWorker := func(id string) orchestrator.Runner {
		return browser.NewWorker(
			id,
			browser.Params{
				CatalogBufferSize:        config.CatalogBufferSize.Int(),
				CatalogMaxPages:          config.CatalogMaxPages.Int(),
				CatalogIncludeHtml:       config.CatalogIncludeHtml.Bool(),
				ObjectIncludeHtml:        config.ObjectIncludeHtml.Bool(),
				SkipObjectParsing:        config.SkipObjectParsing.Bool(),
				ReparseMode:              config.ReparseMode.Bool(),
				HeartbeatInterval:        config.HeartbeatUpdateInterval.Seconds(),
				RotationBudget:           config.ProxyRotationBudget.Int(),
				WrongPageThreshold:       config.WrongPageThreshold.Int(),
				ServerErrorRetryAttempts: config.ServerErrorRetryAttempts.Int(),
				ServerErrorRetryDelay:    config.ServerErrorRetryDelay.Seconds(),
			},
			pool,
			catalogs,
			objects,
			storage,
			sessions,
			driver,
			driver,
		)
	}

	system := orchestrator.New(config, connection, pool, catalogs, objects, checker, newBrowserWorker, newValidationWorker)
	if err := system.Run(ctx); err != nil {
		return 1, err
	}

	return 0, nil
}

func buildValidationWorker(id string, connection bun.IDB, objects *tasks.ObjectManager, config *util.Config) *validation.Worker {
	var provider validation.Provider
	if config.EnableAiValidation.Bool() {
		provider = validation.NewChatProvider(config.AiEndpoint.Value, config.AiModel.Value, config.AiApiKey.Value)
	}

	repository := validation.NewRepository(connection, objects)

	return validation.NewWorker(id, repository, provider, validation.Params{
		Stage: validation.StageParams{
			MinPrice:               config.MinPrice.Float(),
			MinSellerReviews:       config.MinSellerReviews.Int(),
			EnablePriceValidation:  config.EnablePriceValidation.Bool(),
			RequireArticulumInText: config.RequireArticulumInText.Bool(),
		},
		MinValidatedItems: config.MinValidatedItems.Int(),
		EnableAi:          config.EnableAiValidation.Bool(),
		SkipObjectParsing: config.SkipObjectParsing.Bool(),
	})
}
