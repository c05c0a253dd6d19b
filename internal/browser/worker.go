package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zamer-sys/avito-articulum-parser/internal/avito"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
	"github.com/zamer-sys/avito-articulum-parser/internal/tasks"
)

// ProxyStore is the slice of the proxy pool the worker needs.
type ProxyStore interface {
	AcquireWithWait(ctx context.Context, workerId string, maxAttempts int) (*db.ProxyModel, error)
	Release(ctx context.Context, proxyId int64) error
	Block(ctx context.Context, proxyId int64, reason string) error
	IncrementError(ctx context.Context, proxyId int64, description string) error
	ResetErrors(ctx context.Context, proxyId int64) error
}

// CatalogQueue is the catalog task manager as the worker sees it.
type CatalogQueue interface {
	Claim(ctx context.Context, workerId string) (*tasks.CatalogClaim, error)
	Complete(ctx context.Context, task *db.CatalogTaskModel) error
	Fail(ctx context.Context, task *db.CatalogTaskModel, reason string) error
	ReturnToQueue(ctx context.Context, task *db.CatalogTaskModel) error
	UpdateCheckpoint(ctx context.Context, taskId int64, pageNum int) error
	Heartbeat(ctx context.Context, taskId int64) error
	IncrementWrongPage(ctx context.Context, taskId int64) (int, error)
}

// ObjectQueue is the object task manager as the worker sees it.
type ObjectQueue interface {
	Claim(ctx context.Context, workerId string) (*tasks.ObjectClaim, error)
	Complete(ctx context.Context, task *db.ObjectTaskModel) error
	Fail(ctx context.Context, task *db.ObjectTaskModel, reason string) error
	Invalidate(ctx context.Context, task *db.ObjectTaskModel, reason string) error
	ReturnToQueue(ctx context.Context, task *db.ObjectTaskModel) error
	Heartbeat(ctx context.Context, taskId int64) error
}

// Params are the worker's knobs, resolved from config at construction.
type Params struct {
	CatalogBufferSize        int
	CatalogMaxPages          int
	CatalogIncludeHtml       bool
	ObjectIncludeHtml        bool
	SkipObjectParsing        bool
	ReparseMode              bool
	HeartbeatInterval        time.Duration
	RotationBudget           int
	WrongPageThreshold       int
	ServerErrorRetryAttempts int
	ServerErrorRetryDelay    time.Duration
	IdleDelay                time.Duration
}

// Worker drives one browser with one claimed proxy and one page. It drains
// the catalog or object queue depending on how many validated articulums are
// waiting for detail parsing.
type Worker struct {
	id       string
	params   Params
	proxies  ProxyStore
	catalogs CatalogQueue
	objects  ObjectQueue
	listings ListingStore
	sessions SessionFactory
	catalog  avito.CatalogParser
	cards    avito.CardParser
	logger   log.Logger

	session Session
	proxy   *db.ProxyModel
}

func NewWorker(
	id string,
	params Params,
	proxies ProxyStore,
	catalogs CatalogQueue,
	objects ObjectQueue,
	listings ListingStore,
	sessions SessionFactory,
	catalogParser avito.CatalogParser,
	cardParser avito.CardParser,
) *Worker {
	if params.HeartbeatInterval == 0 {
		params.HeartbeatInterval = 30 * time.Second
	}
	if params.RotationBudget == 0 {
		params.RotationBudget = 10
	}
	if params.WrongPageThreshold == 0 {
		params.WrongPageThreshold = 3
	}
	if params.IdleDelay == 0 {
		params.IdleDelay = 5 * time.Second
	}

	return &Worker{
		id:       id,
		params:   params,
		proxies:  proxies,
		catalogs: catalogs,
		objects:  objects,
		listings: listings,
		sessions: sessions,
		catalog:  catalogParser,
		cards:    cardParser,
		logger:   log.GetLogger().WithField("WorkerId", id),
	}
}

// Run is the main decision loop. A small catalog buffer means the validation
// stage is about to starve, so catalog tasks take priority; a full buffer
// flips the priority to object tasks. The non-preferred queue is the
// fallback either way.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("browser worker started")
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("browser worker stopped")
			return nil
		default:
		}

		bufferSize, err := w.listings.CatalogBufferSize(ctx)
		if err != nil {
			w.logger.WithError(err).Error("failed to read catalog buffer size")
			if !sleep(ctx, w.params.IdleDelay) {
				return nil
			}
			continue
		}

		var processed bool
		if bufferSize < w.params.CatalogBufferSize {
			processed = w.tryCatalogTask(ctx) || w.tryObjectTask(ctx)
		} else {
			processed = w.tryObjectTask(ctx) || w.tryCatalogTask(ctx)
		}

		if !processed {
			w.logger.WithField("Buffer", bufferSize).Debug("no tasks available, waiting")
			if !sleep(ctx, w.params.IdleDelay) {
				return nil
			}
		}
	}
}

func (w *Worker) tryCatalogTask(ctx context.Context) bool {
	if w.params.ReparseMode {
		return false
	}

	claim, err := w.catalogs.Claim(ctx, w.id)
	if err != nil {
		w.logger.WithError(err).Error("failed to claim catalog task")
		return false
	}
	if claim == nil {
		return false
	}

	w.processCatalogTask(ctx, claim)
	return true
}

func (w *Worker) tryObjectTask(ctx context.Context) bool {
	if w.params.SkipObjectParsing {
		return false
	}

	claim, err := w.objects.Claim(ctx, w.id)
	if err != nil {
		w.logger.WithError(err).Error("failed to claim object task")
		return false
	}
	if claim == nil {
		return false
	}

	w.processObjectTask(ctx, claim)
	return true
}

func (w *Worker) processCatalogTask(ctx context.Context, claim *tasks.CatalogClaim) {
	task := claim.Task
	logger := w.logger.WithFields(logrus.Fields{
		"TaskId":     task.Id,
		"Articulum":  claim.Articulum,
		"Checkpoint": task.CheckpointPage,
	})
	logger.Info("processing catalog task")

	stopHeartbeat := w.startHeartbeat(ctx, task.Id, w.catalogs.Heartbeat)
	defer stopHeartbeat()

	if err := w.ensureSession(ctx); err != nil {
		logger.WithError(err).Error("failed to create browser session")
		w.requeueCatalog(ctx, task, logger)
		return
	}

	result, err := w.catalog.ParseCatalog(ctx, w.session.Page(), avito.CatalogRequest{
		Query:       claim.Articulum,
		Fields:      avito.CatalogFields,
		MaxPages:    w.params.CatalogMaxPages,
		StartPage:   task.CheckpointPage,
		SortByDate:  true,
		NewOnly:     true,
		IncludeHtml: w.params.CatalogIncludeHtml,
	})

	rotations := 0
	for {
		if err != nil {
			w.handleDriverError(ctx, err, logger)
			w.requeueCatalog(ctx, task, logger)
			return
		}

		w.saveCheckpoint(ctx, task, result.ResumePageNumber, logger)

		switch result.Status {
		case avito.CatalogSuccess, avito.CatalogEmpty:
			// an empty catalog completes the same way, just with nothing to save
			saved, saveErr := w.listings.SaveListings(ctx, task.ArticulumId, result.Listings)
			if saveErr != nil {
				logger.WithError(saveErr).Error("failed to save listings")
				w.requeueCatalog(ctx, task, logger)
				return
			}

			if completeErr := w.catalogs.Complete(ctx, task); completeErr != nil {
				logger.WithError(completeErr).Error("failed to complete catalog task")
				return
			}

			w.resetProxyErrors(ctx)
			logger.WithField("SavedListings", saved).Info("catalog task completed")
			return

		case avito.CatalogProxyBlocked, avito.CatalogProxyAuthRequired:
			logger.WithField("Status", result.Status).Warn("proxy blocked by marketplace, rotating")
			w.blockCurrentProxy(ctx, fmt.Sprintf("catalog parsing: %s", result.Status))

			rotations++
			if rotations >= w.params.RotationBudget || result.ContinueFrom == nil {
				logger.WithField("Rotations", rotations).Warn("rotation budget exhausted, returning task")
				w.requeueCatalog(ctx, task, logger)
				return
			}

			if sessionErr := w.ensureSession(ctx); sessionErr != nil {
				logger.WithError(sessionErr).Error("failed to create session after rotation")
				w.requeueCatalog(ctx, task, logger)
				return
			}

			result, err = result.ContinueFrom(ctx, w.session.Page())
			continue

		case avito.CatalogCaptchaFailed:
			logger.Warn("captcha not solved, returning task and proxy")
			w.requeueCatalog(ctx, task, logger)
			w.dropSession(ctx, true)
			return

		case avito.CatalogLoadTimeout:
			logger.Warn("page load timed out")
			w.incrementProxyError(ctx, "catalog load timeout")
			w.requeueCatalog(ctx, task, logger)
			return

		case avito.CatalogServerUnavailable:
			logger.Warn("server unavailable, returning task")
			w.requeueCatalog(ctx, task, logger)
			return

		case avito.CatalogPageNotDetected, avito.CatalogWrongPage:
			count, wrongErr := w.catalogs.IncrementWrongPage(ctx, task.Id)
			if wrongErr != nil {
				logger.WithError(wrongErr).Error("failed to bump wrong page counter")
				w.requeueCatalog(ctx, task, logger)
				return
			}

			if count >= w.params.WrongPageThreshold {
				logger.WithField("WrongPageCount", count).Error("unrecognized page over threshold, failing task")
				if failErr := w.catalogs.Fail(ctx, task, fmt.Sprintf("%s after %d attempts", result.Status, count)); failErr != nil {
					logger.WithError(failErr).Error("failed to fail catalog task")
				}
				return
			}

			logger.WithField("WrongPageCount", count).Warn("unrecognized page, returning task")
			w.requeueCatalog(ctx, task, logger)
			return

		default:
			logger.WithField("Status", result.Status).Warn("unexpected catalog status, returning task")
			w.requeueCatalog(ctx, task, logger)
			return
		}
	}
}

func (w *Worker) processObjectTask(ctx context.Context, claim *tasks.ObjectClaim) {
	task := claim.Task
	logger := w.logger.WithFields(logrus.Fields{
		"TaskId": task.Id,
		"ItemId": task.AvitoItemId,
	})
	logger.Info("processing object task")

	stopHeartbeat := w.startHeartbeat(ctx, task.Id, w.objects.Heartbeat)
	defer stopHeartbeat()

	if err := w.ensureSession(ctx); err != nil {
		logger.WithError(err).Error("failed to create browser session")
		w.requeueObject(ctx, task, logger)
		return
	}

	url := avito.ItemUrl(task.AvitoItemId)
	result, err := w.cards.ParseCard(ctx, w.session.Page(), url, avito.CardFields, w.params.ObjectIncludeHtml)

	// 502/503/504 often clear within seconds; reload a few times before
	// giving the task back
	for attempt := 0; err == nil && result.Status == avito.CardServerUnavailable && attempt < w.params.ServerErrorRetryAttempts; attempt++ {
		logger.WithField("Attempt", attempt+1).Warn("server error on listing page, retrying")
		if !sleep(ctx, w.params.ServerErrorRetryDelay) {
			w.requeueObject(ctx, task, logger)
			return
		}

		result, err = w.cards.ParseCard(ctx, w.session.Page(), url, avito.CardFields, w.params.ObjectIncludeHtml)
	}

	if err != nil {
		w.handleDriverError(ctx, err, logger)
		w.requeueObject(ctx, task, logger)
		return
	}

	switch result.Status {
	case avito.CardSuccess:
		if usedReason := usedConditionReason(result.Data.Characteristics); usedReason != "" {
			if invErr := w.objects.Invalidate(ctx, task, usedReason); invErr != nil {
				logger.WithError(invErr).Error("failed to invalidate object task")
				return
			}
			logger.WithField("Reason", usedReason).Info("listing rejected as used")
			return
		}

		if saveErr := w.listings.SaveObjectData(ctx, task.ArticulumId, task.AvitoItemId, result.Data, w.params.ObjectIncludeHtml); saveErr != nil {
			logger.WithError(saveErr).Error("failed to save object data")
			w.requeueObject(ctx, task, logger)
			return
		}

		if completeErr := w.objects.Complete(ctx, task); completeErr != nil {
			logger.WithError(completeErr).Error("failed to complete object task")
			return
		}

		w.resetProxyErrors(ctx)
		logger.Info("object task completed")

	case avito.CardProxyBlocked:
		logger.Warn("proxy blocked by marketplace")
		w.blockCurrentProxy(ctx, "object parsing: PROXY_BLOCKED")
		w.requeueObject(ctx, task, logger)

	case avito.CardCaptchaFailed:
		logger.Warn("captcha not solved, returning task and proxy")
		w.requeueObject(ctx, task, logger)
		w.dropSession(ctx, true)

	case avito.CardNotFound:
		if invErr := w.objects.Invalidate(ctx, task, "listing removed"); invErr != nil {
			logger.WithError(invErr).Error("failed to invalidate object task")
			return
		}
		logger.Info("listing removed, task invalidated")

	case avito.CardServerUnavailable:
		// retries above did not help; rotate to another proxy on the next task
		logger.Warn("server error persists, changing proxy and returning task")
		w.requeueObject(ctx, task, logger)
		w.dropSession(ctx, true)

	case avito.CardPageNotDetected, avito.CardWrongPage:
		if failErr := w.objects.Fail(ctx, task, string(result.Status)); failErr != nil {
			logger.WithError(failErr).Error("failed to fail object task")
		}

	default:
		logger.WithField("Status", result.Status).Warn("unexpected card status, returning task")
		w.requeueObject(ctx, task, logger)
	}
}

// usedConditionVariants are the spellings of "б/у" sellers actually use.
var usedConditionVariants = []string{
	"б/у", "бу", "б у", "б.у.", "б.у",
	"б/у.", "б./у.", "б./у", "б /у",
}

var conditionKeys = []string{"состояние", "condition", "статус", "status"}

// usedConditionReason inspects card characteristics for a condition key with
// a used-goods value. Empty string means the listing looks new.
func usedConditionReason(characteristics map[string]string) string {
	for key, value := range characteristics {
		keyLower := strings.ToLower(key)

		relevant := false
		for _, conditionKey := range conditionKeys {
			if strings.Contains(keyLower, conditionKey) {
				relevant = true
				break
			}
		}
		if !relevant || value == "" {
			continue
		}

		valueLower := strings.ToLower(strings.TrimSpace(value))
		for _, variant := range usedConditionVariants {
			if strings.Contains(valueLower, variant) {
				return fmt.Sprintf("used condition %q in characteristics", value)
			}
		}
	}

	return ""
}

// ensureSession lazily builds a browser bound to a freshly acquired proxy.
func (w *Worker) ensureSession(ctx context.Context) error {
	if w.session != nil {
		return nil
	}

	proxy, err := w.proxies.AcquireWithWait(ctx, w.id, 0)
	if err != nil {
		return err
	}

	session, err := w.sessions.NewSession(ctx, proxy)
	if err != nil {
		// could not launch a browser on this proxy; give it back
		if releaseErr := w.proxies.Release(ctx, proxy.Id); releaseErr != nil {
			w.logger.WithError(releaseErr).Error("failed to release proxy after session error")
		}
		return err
	}

	w.proxy = proxy
	w.session = session
	return nil
}

// dropSession closes the browser. When releaseProxy is set the proxy row is
// returned to the pool; blocked or error-counted proxies were already freed
// by the pool operation itself.
func (w *Worker) dropSession(ctx context.Context, releaseProxy bool) {
	if w.session != nil {
		w.session.Close()
		w.session = nil
	}

	if w.proxy != nil {
		if releaseProxy {
			if err := w.proxies.Release(ctx, w.proxy.Id); err != nil {
				w.logger.WithError(err).Error("failed to release proxy")
			}
		}
		w.proxy = nil
	}
}

func (w *Worker) blockCurrentProxy(ctx context.Context, reason string) {
	if w.proxy != nil {
		if err := w.proxies.Block(ctx, w.proxy.Id, reason); err != nil {
			w.logger.WithError(err).Error("failed to block proxy")
		}
	}
	w.dropSession(ctx, false)
}

func (w *Worker) incrementProxyError(ctx context.Context, description string) {
	if w.proxy != nil {
		if err := w.proxies.IncrementError(ctx, w.proxy.Id, description); err != nil {
			w.logger.WithError(err).Error("failed to increment proxy error")
		}
	}
	w.dropSession(ctx, false)
}

func (w *Worker) resetProxyErrors(ctx context.Context) {
	if w.proxy == nil {
		return
	}

	if err := w.proxies.ResetErrors(ctx, w.proxy.Id); err != nil {
		w.logger.WithError(err).Error("failed to reset proxy error counter")
	}
}

// handleDriverError maps a raised browser error onto the proxy policy:
// permanent proxy faults block, transient network faults count, anything else
// just logs.
func (w *Worker) handleDriverError(ctx context.Context, err error, logger log.Logger) {
	switch {
	case IsPermanentProxyError(err):
		logger.WithError(err).Errorf("permanent proxy error: %s", ErrorDescription(err))
		w.blockCurrentProxy(ctx, "permanent error: "+ErrorDescription(err))
	case IsTransientNetworkError(err):
		logger.WithError(err).Warnf("transient network error: %s", ErrorDescription(err))
		w.incrementProxyError(ctx, ErrorDescription(err))
	default:
		logger.WithError(err).Error("unknown error during parsing")
	}
}

func (w *Worker) requeueCatalog(ctx context.Context, task *db.CatalogTaskModel, logger log.Logger) {
	if err := w.catalogs.ReturnToQueue(ctx, task); err != nil {
		logger.WithError(err).Error("failed to return catalog task to queue")
		return
	}
	logger.Debug("catalog task returned to queue")
}

func (w *Worker) requeueObject(ctx context.Context, task *db.ObjectTaskModel, logger log.Logger) {
	if err := w.objects.ReturnToQueue(ctx, task); err != nil {
		logger.WithError(err).Error("failed to return object task to queue")
		return
	}
	logger.Debug("object task returned to queue")
}

func (w *Worker) saveCheckpoint(ctx context.Context, task *db.CatalogTaskModel, resumePage int, logger log.Logger) {
	if resumePage <= task.CheckpointPage {
		return
	}

	if err := w.catalogs.UpdateCheckpoint(ctx, task.Id, resumePage); err != nil {
		logger.WithError(err).Error("failed to update checkpoint")
		return
	}
	task.CheckpointPage = resumePage
}

// startHeartbeat keeps proving liveness for the claimed task until the
// returned stop function runs.
func (w *Worker) startHeartbeat(ctx context.Context, taskId int64, beat func(context.Context, int64) error) func() {
	heartbeatCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(w.params.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := beat(heartbeatCtx, taskId); err != nil {
					w.logger.WithError(err).WithField("TaskId", taskId).Error("heartbeat update failed")
				}
			}
		}
	}()

	return cancel
}

// shutdown releases whatever the worker still holds on exit. In-flight task
// rows are handled by the supervisor or by heartbeat recovery.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.dropSession(ctx, true)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
