package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/zamer-sys/avito-articulum-parser/internal/avito"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/tasks"
)

type fakeProxies struct {
	proxies  []*db.ProxyModel
	next     int
	blocked  map[int64]string
	released []int64
	errored  map[int64]int
	resets   []int64
}

func newFakeProxies(count int) *fakeProxies {
	f := &fakeProxies{
		blocked: make(map[int64]string),
		errored: make(map[int64]int),
	}
	for i := 1; i <= count; i++ {
		f.proxies = append(f.proxies, &db.ProxyModel{Id: int64(i), Host: "10.0.0.1", Port: 3128})
	}
	return f
}

func (f *fakeProxies) AcquireWithWait(ctx context.Context, workerId string, maxAttempts int) (*db.ProxyModel, error) {
	if f.next >= len(f.proxies) {
		return nil, errors.New("pool exhausted")
	}
	proxy := f.proxies[f.next]
	f.next++
	return proxy, nil
}

func (f *fakeProxies) Release(ctx context.Context, proxyId int64) error {
	f.released = append(f.released, proxyId)
	return nil
}

func (f *fakeProxies) Block(ctx context.Context, proxyId int64, reason string) error {
	f.blocked[proxyId] = reason
	return nil
}

func (f *fakeProxies) IncrementError(ctx context.Context, proxyId int64, description string) error {
	f.errored[proxyId]++
	return nil
}

func (f *fakeProxies) ResetErrors(ctx context.Context, proxyId int64) error {
	f.resets = append(f.resets, proxyId)
	return nil
}

type fakeCatalogQueue struct {
	claims []*tasks.CatalogClaim

	completed   []int64
	failed      map[int64]string
	returned    []int64
	checkpoints map[int64]int
	heartbeats  int
	wrongPages  map[int64]int
}

func newFakeCatalogQueue(claims ...*tasks.CatalogClaim) *fakeCatalogQueue {
	return &fakeCatalogQueue{
		claims:      claims,
		failed:      make(map[int64]string),
		checkpoints: make(map[int64]int),
		wrongPages:  make(map[int64]int),
	}
}

func (f *fakeCatalogQueue) Claim(ctx context.Context, workerId string) (*tasks.CatalogClaim, error) {
	if len(f.claims) == 0 {
		return nil, nil
	}
	claim := f.claims[0]
	f.claims = f.claims[1:]
	return claim, nil
}

func (f *fakeCatalogQueue) Complete(ctx context.Context, task *db.CatalogTaskModel) error {
	f.completed = append(f.completed, task.Id)
	return nil
}

func (f *fakeCatalogQueue) Fail(ctx context.Context, task *db.CatalogTaskModel, reason string) error {
	f.failed[task.Id] = reason
	return nil
}

func (f *fakeCatalogQueue) ReturnToQueue(ctx context.Context, task *db.CatalogTaskModel) error {
	f.returned = append(f.returned, task.Id)
	return nil
}

func (f *fakeCatalogQueue) UpdateCheckpoint(ctx context.Context, taskId int64, pageNum int) error {
	f.checkpoints[taskId] = pageNum
	return nil
}

func (f *fakeCatalogQueue) Heartbeat(ctx context.Context, taskId int64) error {
	f.heartbeats++
	return nil
}

func (f *fakeCatalogQueue) IncrementWrongPage(ctx context.Context, taskId int64) (int, error) {
	f.wrongPages[taskId]++
	return f.wrongPages[taskId], nil
}

type fakeObjectQueue struct {
	claims []*tasks.ObjectClaim

	completed   []int64
	failed      map[int64]string
	invalidated map[int64]string
	returned    []int64
	heartbeats  int
}

func newFakeObjectQueue(claims ...*tasks.ObjectClaim) *fakeObjectQueue {
	return &fakeObjectQueue{
		claims:      claims,
		failed:      make(map[int64]string),
		invalidated: make(map[int64]string),
	}
}

func (f *fakeObjectQueue) Claim(ctx context.Context, workerId string) (*tasks.ObjectClaim, error) {
	if len(f.claims) == 0 {
		return nil, nil
	}
	claim := f.claims[0]
	f.claims = f.claims[1:]
	return claim, nil
}

func (f *fakeObjectQueue) Complete(ctx context.Context, task *db.ObjectTaskModel) error {
	f.completed = append(f.completed, task.Id)
	return nil
}

func (f *fakeObjectQueue) Fail(ctx context.Context, task *db.ObjectTaskModel, reason string) error {
	f.failed[task.Id] = reason
	return nil
}

func (f *fakeObjectQueue) Invalidate(ctx context.Context, task *db.ObjectTaskModel, reason string) error {
	f.invalidated[task.Id] = reason
	return nil
}

func (f *fakeObjectQueue) ReturnToQueue(ctx context.Context, task *db.ObjectTaskModel) error {
	f.returned = append(f.returned, task.Id)
	return nil
}

func (f *fakeObjectQueue) Heartbeat(ctx context.Context, taskId int64) error {
	f.heartbeats++
	return nil
}

type fakeListingStore struct {
	bufferSize   int
	saved        map[int64][]avito.Listing
	savedObjects map[string]*avito.CardData
}

func newFakeListingStore() *fakeListingStore {
	return &fakeListingStore{
		saved:        make(map[int64][]avito.Listing),
		savedObjects: make(map[string]*avito.CardData),
	}
}

func (f *fakeListingStore) SaveListings(ctx context.Context, articulumId int64, listings []avito.Listing) (int, error) {
	f.saved[articulumId] = append(f.saved[articulumId], listings...)
	return len(listings), nil
}

func (f *fakeListingStore) SaveObjectData(ctx context.Context, articulumId int64, avitoItemId string, data *avito.CardData, includeHtml bool) error {
	f.savedObjects[avitoItemId] = data
	return nil
}

func (f *fakeListingStore) CatalogBufferSize(ctx context.Context) (int, error) {
	return f.bufferSize, nil
}

type fakeSession struct {
	closed bool
}

func (s *fakeSession) Page() *rod.Page { return nil }
func (s *fakeSession) Close()          { s.closed = true }

type fakeSessionFactory struct {
	sessions []*fakeSession
}

func (f *fakeSessionFactory) NewSession(ctx context.Context, proxy *db.ProxyModel) (Session, error) {
	session := &fakeSession{}
	f.sessions = append(f.sessions, session)
	return session, nil
}

// scriptedCatalogParser replays a fixed sequence of results; rotations walk
// the same sequence through ContinueFrom.
type scriptedCatalogParser struct {
	results []*avito.CatalogResult
	errs    []error
	calls   int
}

func (p *scriptedCatalogParser) nextResult(ctx context.Context) (*avito.CatalogResult, error) {
	i := p.calls
	p.calls++

	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}

	result := p.results[i]
	if result.Status == avito.CatalogProxyBlocked || result.Status == avito.CatalogProxyAuthRequired {
		result.ContinueFrom = func(ctx context.Context, page *rod.Page) (*avito.CatalogResult, error) {
			return p.nextResult(ctx)
		}
	}
	return result, nil
}

func (p *scriptedCatalogParser) ParseCatalog(ctx context.Context, page *rod.Page, req avito.CatalogRequest) (*avito.CatalogResult, error) {
	return p.nextResult(ctx)
}

type scriptedCardParser struct {
	results []*avito.CardResult
	errs    []error
	calls   int
}

func (p *scriptedCardParser) ParseCard(ctx context.Context, page *rod.Page, url string, fields []string, includeHtml bool) (*avito.CardResult, error) {
	i := p.calls
	p.calls++

	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.results) {
		return p.results[len(p.results)-1], nil
	}
	return p.results[i], nil
}

func testWorker(
	proxies ProxyStore,
	catalogs CatalogQueue,
	objects ObjectQueue,
	listings ListingStore,
	catalogParser avito.CatalogParser,
	cardParser avito.CardParser,
) *Worker {
	return NewWorker(
		"test_1",
		Params{
			CatalogBufferSize:        5,
			CatalogMaxPages:          10,
			HeartbeatInterval:        time.Hour,
			RotationBudget:           10,
			WrongPageThreshold:       3,
			ServerErrorRetryAttempts: 2,
			ServerErrorRetryDelay:    time.Millisecond,
			IdleDelay:                time.Millisecond,
		},
		proxies,
		catalogs,
		objects,
		listings,
		&fakeSessionFactory{},
		catalogParser,
		cardParser,
	)
}

func catalogClaim(taskId, articulumId int64, articulum string, checkpoint int) *tasks.CatalogClaim {
	return &tasks.CatalogClaim{
		Task: &db.CatalogTaskModel{
			Id:             taskId,
			ArticulumId:    articulumId,
			Status:         db.TaskProcessing,
			CheckpointPage: checkpoint,
		},
		Articulum: articulum,
	}
}

func objectClaim(taskId, articulumId int64, itemId string) *tasks.ObjectClaim {
	return &tasks.ObjectClaim{
		Task: &db.ObjectTaskModel{
			Id:          taskId,
			ArticulumId: articulumId,
			AvitoItemId: itemId,
			Status:      db.TaskProcessing,
		},
		Articulum: "LR081595",
	}
}

func TestCatalogTaskSuccess(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()
	listings := newFakeListingStore()

	price := 5000.0
	parser := &scriptedCatalogParser{results: []*avito.CatalogResult{{
		Status:           avito.CatalogSuccess,
		Listings:         []avito.Listing{{ItemId: "item1", Title: "t", Price: &price}},
		ResumePageNumber: 3,
	}}}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), listings, parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if len(catalogs.completed) != 1 {
		t.Fatalf("completed = %v, want task 1", catalogs.completed)
	}
	if len(listings.saved[10]) != 1 {
		t.Errorf("saved listings = %d, want 1", len(listings.saved[10]))
	}
	if len(proxies.resets) != 1 {
		t.Errorf("proxy error counter resets = %v, want one", proxies.resets)
	}
	if catalogs.checkpoints[1] != 3 {
		t.Errorf("checkpoint = %d, want 3", catalogs.checkpoints[1])
	}
}

func TestCatalogEmptyCompletesWithoutListings(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()
	listings := newFakeListingStore()

	parser := &scriptedCatalogParser{results: []*avito.CatalogResult{{Status: avito.CatalogEmpty}}}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), listings, parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if len(catalogs.completed) != 1 {
		t.Fatalf("completed = %v, want task 1", catalogs.completed)
	}
	if len(listings.saved[10]) != 0 {
		t.Errorf("saved listings = %d, want none", len(listings.saved[10]))
	}
}

func TestCatalogProxyRotationOnBlock(t *testing.T) {
	proxies := newFakeProxies(3)
	catalogs := newFakeCatalogQueue()
	listings := newFakeListingStore()

	// first two proxies blocked by the marketplace, third succeeds
	parser := &scriptedCatalogParser{results: []*avito.CatalogResult{
		{Status: avito.CatalogProxyBlocked, ResumePageNumber: 4},
		{Status: avito.CatalogProxyBlocked, ResumePageNumber: 4},
		{Status: avito.CatalogSuccess, Listings: []avito.Listing{{ItemId: "item1"}}, ResumePageNumber: 11},
	}}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), listings, parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if _, ok := proxies.blocked[1]; !ok {
		t.Error("proxy 1 not blocked")
	}
	if _, ok := proxies.blocked[2]; !ok {
		t.Error("proxy 2 not blocked")
	}
	if _, ok := proxies.blocked[3]; ok {
		t.Error("proxy 3 blocked but it succeeded")
	}
	if len(proxies.resets) != 1 || proxies.resets[0] != 3 {
		t.Errorf("resets = %v, want proxy 3 only", proxies.resets)
	}
	if len(catalogs.completed) != 1 {
		t.Fatalf("completed = %v, want task 1", catalogs.completed)
	}

	// checkpoint survived both rotations
	if catalogs.checkpoints[1] != 11 {
		t.Errorf("final checkpoint = %d, want 11", catalogs.checkpoints[1])
	}
	if len(catalogs.returned) != 0 {
		t.Errorf("task returned to queue %v, want completion", catalogs.returned)
	}
}

func TestCatalogRotationBudgetExhausted(t *testing.T) {
	proxies := newFakeProxies(5)
	catalogs := newFakeCatalogQueue()

	results := make([]*avito.CatalogResult, 0, 4)
	for i := 0; i < 4; i++ {
		results = append(results, &avito.CatalogResult{Status: avito.CatalogProxyBlocked, ResumePageNumber: 2})
	}
	parser := &scriptedCatalogParser{results: results}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), parser, &scriptedCardParser{})
	worker.params.RotationBudget = 3
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if len(catalogs.returned) != 1 {
		t.Fatalf("returned = %v, want task back in queue", catalogs.returned)
	}
	if len(catalogs.completed) != 0 {
		t.Error("task completed after exhausted rotation budget")
	}
	if catalogs.checkpoints[1] != 2 {
		t.Errorf("checkpoint = %d, want 2 preserved", catalogs.checkpoints[1])
	}
	if len(proxies.blocked) != 3 {
		t.Errorf("blocked %d proxies, want 3", len(proxies.blocked))
	}
}

func TestCatalogCaptchaReleasesProxy(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()

	parser := &scriptedCatalogParser{results: []*avito.CatalogResult{
		{Status: avito.CatalogCaptchaFailed, ResumePageNumber: 5},
	}}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if len(catalogs.returned) != 1 {
		t.Fatal("task not returned to queue after captcha")
	}
	if len(proxies.released) != 1 || proxies.released[0] != 1 {
		t.Errorf("released = %v, want proxy 1", proxies.released)
	}
	if len(proxies.blocked) != 0 {
		t.Error("captcha must not block the proxy")
	}
	if catalogs.checkpoints[1] != 5 {
		t.Errorf("checkpoint = %d, want 5", catalogs.checkpoints[1])
	}
}

func TestCatalogLoadTimeoutCountsProxyError(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()

	parser := &scriptedCatalogParser{results: []*avito.CatalogResult{
		{Status: avito.CatalogLoadTimeout, ResumePageNumber: 2},
	}}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if proxies.errored[1] != 1 {
		t.Errorf("proxy error count = %d, want 1", proxies.errored[1])
	}
	if len(catalogs.returned) != 1 {
		t.Error("task not returned to queue after load timeout")
	}
}

func TestCatalogWrongPageFailsAfterThreshold(t *testing.T) {
	proxies := newFakeProxies(3)
	catalogs := newFakeCatalogQueue()

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), nil, &scriptedCardParser{})

	for attempt := 1; attempt <= 3; attempt++ {
		parser := &scriptedCatalogParser{results: []*avito.CatalogResult{{Status: avito.CatalogWrongPage}}}
		worker.catalog = parser
		worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))
	}

	if len(catalogs.returned) != 2 {
		t.Errorf("returned %v times, want 2 below threshold", catalogs.returned)
	}
	if _, ok := catalogs.failed[1]; !ok {
		t.Error("task not failed after wrong page threshold")
	}
}

func TestObjectTaskSuccess(t *testing.T) {
	proxies := newFakeProxies(1)
	objects := newFakeObjectQueue()
	listings := newFakeListingStore()

	price := 7000.0
	parser := &scriptedCardParser{results: []*avito.CardResult{{
		Status: avito.CardSuccess,
		Data: &avito.CardData{
			Title:           "Фильтр LR081595",
			Price:           &price,
			Characteristics: map[string]string{"Состояние": "Новое"},
		},
	}}}

	worker := testWorker(proxies, newFakeCatalogQueue(), objects, listings, &scriptedCatalogParser{}, parser)
	worker.processObjectTask(context.Background(), objectClaim(2, 10, "item_42"))

	if len(objects.completed) != 1 {
		t.Fatalf("completed = %v, want task 2", objects.completed)
	}
	if _, ok := listings.savedObjects["item_42"]; !ok {
		t.Error("object data was not saved")
	}
	if len(proxies.resets) != 1 {
		t.Errorf("resets = %v, want one", proxies.resets)
	}
}

func TestObjectUsedConditionInvalidates(t *testing.T) {
	objects := newFakeObjectQueue()
	listings := newFakeListingStore()

	parser := &scriptedCardParser{results: []*avito.CardResult{{
		Status: avito.CardSuccess,
		Data: &avito.CardData{
			Title:           "Фильтр LR081595",
			Characteristics: map[string]string{"Состояние": "Б/у"},
		},
	}}}

	worker := testWorker(newFakeProxies(1), newFakeCatalogQueue(), objects, listings, &scriptedCatalogParser{}, parser)
	worker.processObjectTask(context.Background(), objectClaim(2, 10, "item_42"))

	if _, ok := objects.invalidated[2]; !ok {
		t.Fatal("used listing was not invalidated")
	}
	if _, ok := listings.savedObjects["item_42"]; ok {
		t.Error("used listing data was persisted")
	}
	if len(objects.completed) != 0 {
		t.Error("used listing completed")
	}
}

func TestObjectNotFoundInvalidates(t *testing.T) {
	objects := newFakeObjectQueue()

	parser := &scriptedCardParser{results: []*avito.CardResult{{Status: avito.CardNotFound}}}

	worker := testWorker(newFakeProxies(1), newFakeCatalogQueue(), objects, newFakeListingStore(), &scriptedCatalogParser{}, parser)
	worker.processObjectTask(context.Background(), objectClaim(2, 10, "item_42"))

	if _, ok := objects.invalidated[2]; !ok {
		t.Fatal("removed listing was not invalidated")
	}
}

func TestObjectServerErrorRetriesThenRotates(t *testing.T) {
	proxies := newFakeProxies(1)
	objects := newFakeObjectQueue()

	parser := &scriptedCardParser{results: []*avito.CardResult{
		{Status: avito.CardServerUnavailable},
		{Status: avito.CardServerUnavailable},
		{Status: avito.CardServerUnavailable},
	}}

	worker := testWorker(proxies, newFakeCatalogQueue(), objects, newFakeListingStore(), &scriptedCatalogParser{}, parser)
	worker.processObjectTask(context.Background(), objectClaim(2, 10, "item_42"))

	if parser.calls != 3 {
		t.Errorf("parser calls = %d, want initial + 2 retries", parser.calls)
	}
	if len(objects.returned) != 1 {
		t.Error("task not returned after persistent server error")
	}
	if len(proxies.released) != 1 {
		t.Errorf("released = %v, want the working proxy given back", proxies.released)
	}
	if len(proxies.blocked) != 0 {
		t.Error("server error must not block the proxy")
	}
}

func TestObjectServerErrorClearsOnRetry(t *testing.T) {
	objects := newFakeObjectQueue()
	listings := newFakeListingStore()

	parser := &scriptedCardParser{results: []*avito.CardResult{
		{Status: avito.CardServerUnavailable},
		{Status: avito.CardSuccess, Data: &avito.CardData{Title: "t"}},
	}}

	worker := testWorker(newFakeProxies(1), newFakeCatalogQueue(), objects, listings, &scriptedCatalogParser{}, parser)
	worker.processObjectTask(context.Background(), objectClaim(2, 10, "item_42"))

	if len(objects.completed) != 1 {
		t.Fatalf("completed = %v, want task done after retry", objects.completed)
	}
}

func TestDriverPermanentErrorBlocksProxy(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()

	parser := &scriptedCatalogParser{
		results: []*avito.CatalogResult{nil},
		errs:    []error{errors.New("net::ERR_TUNNEL_CONNECTION_FAILED at proxy")},
	}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if _, ok := proxies.blocked[1]; !ok {
		t.Error("permanent proxy error did not block the proxy")
	}
	if len(catalogs.returned) != 1 {
		t.Error("task not returned after driver error")
	}
}

func TestDriverTransientErrorIncrementsCounter(t *testing.T) {
	proxies := newFakeProxies(1)
	catalogs := newFakeCatalogQueue()

	parser := &scriptedCatalogParser{
		results: []*avito.CatalogResult{nil},
		errs:    []error{errors.New("net::ERR_CONNECTION_RESET")},
	}

	worker := testWorker(proxies, catalogs, newFakeObjectQueue(), newFakeListingStore(), parser, &scriptedCardParser{})
	worker.processCatalogTask(context.Background(), catalogClaim(1, 10, "LR081595", 1))

	if proxies.errored[1] != 1 {
		t.Errorf("proxy error count = %d, want 1", proxies.errored[1])
	}
	if len(proxies.blocked) != 0 {
		t.Error("transient error must not block the proxy")
	}
}

func TestRunPrefersCatalogWhenBufferLow(t *testing.T) {
	proxies := newFakeProxies(2)
	listings := newFakeListingStore()
	listings.bufferSize = 0

	var order []string

	catalogs := newFakeCatalogQueue(catalogClaim(1, 10, "LR081595", 1))
	objects := newFakeObjectQueue(objectClaim(2, 10, "item_42"))

	catalogParser := &scriptedCatalogParser{results: []*avito.CatalogResult{{Status: avito.CatalogSuccess}}}
	cardParser := &scriptedCardParser{results: []*avito.CardResult{{Status: avito.CardSuccess, Data: &avito.CardData{}}}}

	worker := testWorker(proxies, catalogs, objects, listings, recordingCatalogParser{parser: catalogParser, order: &order}, recordingCardParser{parser: cardParser, order: &order})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(catalogs.completed) == 0 || len(objects.completed) == 0 {
		select {
		case <-deadline:
			t.Fatalf("tasks not drained: catalog=%v object=%v", catalogs.completed, objects.completed)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if catalogParser.calls != 1 || cardParser.calls != 1 {
		t.Errorf("calls catalog=%d card=%d, want both drained once", catalogParser.calls, cardParser.calls)
	}
	if len(order) != 2 || order[0] != "catalog" || order[1] != "object" {
		t.Errorf("processing order = %v, want catalog first with a low buffer", order)
	}
}

func TestRunPrefersObjectWhenBufferFull(t *testing.T) {
	proxies := newFakeProxies(2)
	listings := newFakeListingStore()
	listings.bufferSize = 10 // above CatalogBufferSize of 5

	var order []string

	catalogs := newFakeCatalogQueue(catalogClaim(1, 10, "LR081595", 1))
	objects := newFakeObjectQueue(objectClaim(2, 10, "item_42"))

	catalogParser := &scriptedCatalogParser{results: []*avito.CatalogResult{{Status: avito.CatalogSuccess}}}
	cardParser := &scriptedCardParser{results: []*avito.CardResult{{Status: avito.CardSuccess, Data: &avito.CardData{}}}}

	worker := testWorker(proxies, catalogs, objects, listings, recordingCatalogParser{parser: catalogParser, order: &order}, recordingCardParser{parser: cardParser, order: &order})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(catalogs.completed) == 0 || len(objects.completed) == 0 {
		select {
		case <-deadline:
			t.Fatalf("tasks not drained: catalog=%v object=%v", catalogs.completed, objects.completed)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(order) != 2 || order[0] != "object" || order[1] != "catalog" {
		t.Errorf("processing order = %v, want object first with a full buffer", order)
	}
}

type recordingCatalogParser struct {
	parser avito.CatalogParser
	order  *[]string
}

func (r recordingCatalogParser) ParseCatalog(ctx context.Context, page *rod.Page, req avito.CatalogRequest) (*avito.CatalogResult, error) {
	*r.order = append(*r.order, "catalog")
	return r.parser.ParseCatalog(ctx, page, req)
}

type recordingCardParser struct {
	parser avito.CardParser
	order  *[]string
}

func (r recordingCardParser) ParseCard(ctx context.Context, page *rod.Page, url string, fields []string, includeHtml bool) (*avito.CardResult, error) {
	*r.order = append(*r.order, "object")
	return r.parser.ParseCard(ctx, page, url, fields, includeHtml)
}
