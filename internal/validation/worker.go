package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// ErrAiUnavailable is returned by Run after three consecutive AI provider
// failures. The supervisor must not restart the worker; something upstream is
// down and retrying burns articulums for nothing.
var ErrAiUnavailable = errors.New("ai endpoint unavailable after 3 consecutive failures")

// maxConsecutiveAiErrors is how many provider failures in a row shut the
// worker down.
const maxConsecutiveAiErrors = 3

// Store is everything the validation worker needs from the database.
type Store interface {
	// ClaimNext atomically moves the oldest CATALOG_PARSED articulum to
	// VALIDATING and returns it, or nil when there is nothing to validate.
	ClaimNext(ctx context.Context) (*db.ArticulumModel, error)
	Listings(ctx context.Context, articulumId int64) ([]*db.CatalogListingModel, error)
	SaveResults(ctx context.Context, articulumId int64, stage string, results []ItemResult) error
	// Accept moves VALIDATING → VALIDATED and, unless createTasks is false,
	// queues object tasks for the surviving items in the same transaction.
	Accept(ctx context.Context, articulumId int64, survivorIds []string, createTasks bool) (int, error)
	Reject(ctx context.Context, articulumId int64, reason string) error
	Rollback(ctx context.Context, articulumId int64, reason string) error
}

// Params bundles the worker's thresholds and flags.
type Params struct {
	Stage             StageParams
	MinValidatedItems int
	EnableAi          bool
	SkipObjectParsing bool
	IdleDelay         time.Duration
	ErrorDelay        time.Duration
}

// Worker validates articulums one at a time. No browser involved.
type Worker struct {
	id       string
	store    Store
	provider Provider
	params   Params
	logger   log.Logger

	aiErrorCount int
}

func NewWorker(id string, store Store, provider Provider, params Params) *Worker {
	if params.IdleDelay == 0 {
		params.IdleDelay = 10 * time.Second
	}
	if params.ErrorDelay == 0 {
		params.ErrorDelay = 5 * time.Second
	}

	return &Worker{
		id:       id,
		store:    store,
		provider: provider,
		params:   params,
		logger:   log.GetLogger().WithField("WorkerId", id),
	}
}

// Run claims and validates articulums until the context is cancelled or the
// AI endpoint proves dead.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("validation worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("validation worker stopped")
			return nil
		default:
		}

		articulum, err := w.store.ClaimNext(ctx)
		if err != nil {
			w.logger.WithError(err).Error("failed to claim articulum")
			if !sleep(ctx, w.params.ErrorDelay) {
				return nil
			}
			continue
		}

		if articulum == nil {
			if !sleep(ctx, w.params.IdleDelay) {
				return nil
			}
			continue
		}

		if err = w.validate(ctx, articulum); err != nil {
			if errors.Is(err, ErrAiUnavailable) {
				w.logger.Error("shutting down: 3 consecutive AI provider failures")
				return ErrAiUnavailable
			}

			w.logger.WithError(err).WithField("ArticulumId", articulum.Id).Error("validation failed")
		}
	}
}

func (w *Worker) validate(ctx context.Context, articulum *db.ArticulumModel) error {
	logger := w.logger.WithFields(logrus.Fields{
		"ArticulumId": articulum.Id,
		"Articulum":   articulum.Articulum,
	})
	logger.Info("validating articulum")

	listings, err := w.store.Listings(ctx, articulum.Id)
	if err != nil {
		return err
	}
	logger.WithField("ListingCount", len(listings)).Debug("loaded catalog listings")

	// too few listings before any filter runs
	if len(listings) < w.params.MinValidatedItems {
		return w.reject(ctx, articulum.Id, logger,
			fmt.Sprintf("fewer than %d listings after catalog parsing", w.params.MinValidatedItems))
	}

	survivors, results := PriceFilter(listings, w.params.Stage.MinPrice)
	if err = w.store.SaveResults(ctx, articulum.Id, StagePriceFilter, results); err != nil {
		return err
	}
	logger.WithField("Survivors", len(survivors)).Debug("price filter done")
	if len(survivors) < w.params.MinValidatedItems {
		return w.reject(ctx, articulum.Id, logger,
			fmt.Sprintf("fewer than %d listings after price filter", w.params.MinValidatedItems))
	}

	survivors, results = Mechanical(articulum.Articulum, survivors, w.params.Stage)
	if err = w.store.SaveResults(ctx, articulum.Id, StageMechanical, results); err != nil {
		return err
	}
	logger.WithField("Survivors", len(survivors)).Debug("mechanical validation done")
	if len(survivors) < w.params.MinValidatedItems {
		return w.reject(ctx, articulum.Id, logger,
			fmt.Sprintf("fewer than %d listings after mechanical validation", w.params.MinValidatedItems))
	}

	if w.params.EnableAi && w.provider != nil {
		survivors, err = w.aiStage(ctx, articulum, survivors, logger)
		if err != nil {
			return err
		}
		if survivors == nil {
			// articulum was rolled back, nothing else to do here
			return nil
		}

		if len(survivors) < w.params.MinValidatedItems {
			return w.reject(ctx, articulum.Id, logger,
				fmt.Sprintf("fewer than %d listings after AI validation", w.params.MinValidatedItems))
		}
	}

	survivorIds := make([]string, 0, len(survivors))
	for _, listing := range survivors {
		survivorIds = append(survivorIds, listing.AvitoItemId)
	}

	created, err := w.store.Accept(ctx, articulum.Id, survivorIds, !w.params.SkipObjectParsing)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"Survivors":   len(survivorIds),
		"ObjectTasks": created,
	}).Info("articulum validated")

	return nil
}

// aiStage issues one provider call per articulum. Items the model never
// mentioned count as rejected without a decision. A provider failure is not a
// verdict: the articulum rolls back to CATALOG_PARSED and the nil survivors
// tell the caller to stop.
func (w *Worker) aiStage(ctx context.Context, articulum *db.ArticulumModel, listings []*db.CatalogListingModel, logger log.Logger) ([]*db.CatalogListingModel, error) {
	decision, err := w.provider.Validate(ctx, articulum.Articulum, NewListingPayloads(listings))
	if err != nil {
		w.aiErrorCount++
		logger.WithError(err).Errorf("AI provider failure %d/%d", w.aiErrorCount, maxConsecutiveAiErrors)

		if rollbackErr := w.store.Rollback(ctx, articulum.Id, "AI provider failure"); rollbackErr != nil {
			logger.WithError(rollbackErr).Error("rollback after AI failure did not apply")
		}

		if w.aiErrorCount >= maxConsecutiveAiErrors {
			return nil, ErrAiUnavailable
		}

		return nil, nil
	}

	w.aiErrorCount = 0

	passedIds := make(map[string]bool, len(decision.Passed))
	for _, id := range decision.Passed {
		passedIds[id] = true
	}
	rejectedReasons := make(map[string]string, len(decision.Rejected))
	for _, item := range decision.Rejected {
		rejectedReasons[item.Id] = item.Reason
	}

	// non-nil even when everything is rejected; nil means "rolled back"
	survivors := make([]*db.CatalogListingModel, 0, len(listings))
	results := make([]ItemResult, 0, len(listings))
	for _, listing := range listings {
		if passedIds[listing.AvitoItemId] {
			results = append(results, passed(listing.AvitoItemId))
			survivors = append(survivors, listing)
			continue
		}

		reason, mentioned := rejectedReasons[listing.AvitoItemId]
		if !mentioned {
			reason = "no decision"
		}
		results = append(results, rejected(listing.AvitoItemId, reason))
	}

	if err = w.store.SaveResults(ctx, articulum.Id, StageAi, results); err != nil {
		return nil, err
	}

	logger.WithField("Survivors", len(survivors)).Debug("AI validation done")
	return survivors, nil
}

func (w *Worker) reject(ctx context.Context, articulumId int64, logger log.Logger, reason string) error {
	logger.WithField("Reason", reason).Warn("rejecting articulum")

	return w.store.Reject(ctx, articulumId, reason)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
