package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/zamer-sys/avito-articulum-parser/internal/db"
)

type fakeStore struct {
	articulum *db.ArticulumModel
	listings  []*db.CatalogListingModel

	savedResults map[string][]ItemResult
	accepted     bool
	acceptedIds  []string
	createTasks  bool
	rejected     bool
	rejectReason string
	rolledBack   bool
}

func newFakeStore(articulum *db.ArticulumModel, listings []*db.CatalogListingModel) *fakeStore {
	return &fakeStore{
		articulum:    articulum,
		listings:     listings,
		savedResults: make(map[string][]ItemResult),
	}
}

func (f *fakeStore) ClaimNext(ctx context.Context) (*db.ArticulumModel, error) {
	articulum := f.articulum
	f.articulum = nil
	return articulum, nil
}

func (f *fakeStore) Listings(ctx context.Context, articulumId int64) ([]*db.CatalogListingModel, error) {
	return f.listings, nil
}

func (f *fakeStore) SaveResults(ctx context.Context, articulumId int64, stage string, results []ItemResult) error {
	f.savedResults[stage] = append(f.savedResults[stage], results...)
	return nil
}

func (f *fakeStore) Accept(ctx context.Context, articulumId int64, survivorIds []string, createTasks bool) (int, error) {
	f.accepted = true
	f.acceptedIds = survivorIds
	f.createTasks = createTasks
	if !createTasks {
		return 0, nil
	}
	return len(survivorIds), nil
}

func (f *fakeStore) Reject(ctx context.Context, articulumId int64, reason string) error {
	f.rejected = true
	f.rejectReason = reason
	return nil
}

func (f *fakeStore) Rollback(ctx context.Context, articulumId int64, reason string) error {
	f.rolledBack = true
	return nil
}

type fakeProvider struct {
	decision *Decision
	err      error
	calls    int
}

func (f *fakeProvider) Validate(ctx context.Context, articulum string, items []ListingPayload) (*Decision, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func testArticulum() *db.ArticulumModel {
	return &db.ArticulumModel{Id: 7, Articulum: "LR081595", State: db.StateValidating}
}

func goodListings(n int) []*db.CatalogListingModel {
	listings := make([]*db.CatalogListingModel, 0, n)
	for i := 0; i < n; i++ {
		listings = append(listings, listing(
			string(rune('a'+i)),
			priceOf(5000+float64(i)*10),
			"Фильтр LR081595 оригинал",
			"новый в упаковке",
		))
	}
	return listings
}

func defaultParams() Params {
	return Params{
		Stage:             StageParams{MinPrice: 1000, EnablePriceValidation: true},
		MinValidatedItems: 3,
	}
}

func TestValidateAcceptsArticulum(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(5))
	worker := NewWorker("test_V1", store, nil, defaultParams())

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if !store.accepted {
		t.Fatal("articulum was not accepted")
	}
	if len(store.acceptedIds) != 5 {
		t.Errorf("accepted %d items, want 5", len(store.acceptedIds))
	}
	if !store.createTasks {
		t.Error("object tasks were not requested")
	}
	if store.rejected || store.rolledBack {
		t.Error("unexpected reject or rollback")
	}
	if len(store.savedResults[StagePriceFilter]) != 5 || len(store.savedResults[StageMechanical]) != 5 {
		t.Error("missing per-item results for a stage")
	}
}

func TestValidateSkipsObjectTasks(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(5))
	params := defaultParams()
	params.SkipObjectParsing = true
	worker := NewWorker("test_V1", store, nil, params)

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if !store.accepted {
		t.Fatal("articulum was not accepted")
	}
	if store.createTasks {
		t.Error("object tasks created despite SKIP_OBJECT_PARSING")
	}
}

func TestValidateRejectsBelowMinimum(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(2))
	worker := NewWorker("test_V1", store, nil, defaultParams())

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if !store.rejected {
		t.Fatal("articulum was not rejected")
	}
	if store.accepted {
		t.Error("articulum accepted with too few items")
	}
}

func TestValidateRejectsWhenFilterDrainsItems(t *testing.T) {
	listings := goodListings(4)
	listings[0].Price = priceOf(10)
	listings[1].Price = nil

	store := newFakeStore(testArticulum(), listings)
	worker := NewWorker("test_V1", store, nil, defaultParams())

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if !store.rejected {
		t.Fatal("articulum with 2 surviving items was not rejected")
	}
}

func TestAiStageRecordsDecisions(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(4))
	provider := &fakeProvider{decision: &Decision{
		Passed:   []string{"a", "b", "c"},
		Rejected: []RejectedItem{{Id: "d", Reason: "wrong part"}},
	}}

	params := defaultParams()
	params.EnableAi = true
	worker := NewWorker("test_V1", store, provider, params)

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if provider.calls != 1 {
		t.Errorf("provider called %d times, want exactly 1 per articulum", provider.calls)
	}
	if !store.accepted || len(store.acceptedIds) != 3 {
		t.Fatalf("accepted=%v ids=%v, want 3 survivors", store.accepted, store.acceptedIds)
	}

	aiResults := store.savedResults[StageAi]
	if len(aiResults) != 4 {
		t.Fatalf("ai results = %d, want 4", len(aiResults))
	}
	for _, result := range aiResults {
		if result.AvitoItemId == "d" && (result.Passed || result.RejectionReason != "wrong part") {
			t.Errorf("rejected item recorded wrong: %+v", result)
		}
	}
}

func TestAiStageUnmentionedItemIsRejected(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(4))
	// model forgot item d entirely
	provider := &fakeProvider{decision: &Decision{Passed: []string{"a", "b", "c"}}}

	params := defaultParams()
	params.EnableAi = true
	worker := NewWorker("test_V1", store, provider, params)

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	for _, result := range store.savedResults[StageAi] {
		if result.AvitoItemId == "d" {
			if result.Passed || result.RejectionReason != "no decision" {
				t.Errorf("unmentioned item: %+v, want rejected with no decision", result)
			}
			return
		}
	}

	t.Fatal("no ai result recorded for unmentioned item")
}

func TestAiFailureRollsBackArticulum(t *testing.T) {
	store := newFakeStore(testArticulum(), goodListings(5))
	provider := &fakeProvider{err: &ProviderError{Message: "endpoint down"}}

	params := defaultParams()
	params.EnableAi = true
	worker := NewWorker("test_V1", store, provider, params)

	if err := worker.validate(context.Background(), testArticulum()); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if !store.rolledBack {
		t.Fatal("articulum was not rolled back after AI failure")
	}
	if store.accepted || store.rejected {
		t.Error("AI failure must not accept or reject the articulum")
	}
}

func TestThirdConsecutiveAiFailureShutsWorkerDown(t *testing.T) {
	provider := &fakeProvider{err: &ProviderError{Message: "endpoint down"}}

	params := defaultParams()
	params.EnableAi = true
	worker := NewWorker("test_V1", newFakeStore(nil, nil), provider, params)

	for attempt := 1; attempt <= 3; attempt++ {
		store := newFakeStore(testArticulum(), goodListings(5))
		worker.store = store

		err := worker.validate(context.Background(), testArticulum())

		if attempt < 3 {
			if err != nil {
				t.Fatalf("attempt %d: unexpected error %v", attempt, err)
			}
			if !store.rolledBack {
				t.Fatalf("attempt %d: articulum not rolled back", attempt)
			}
			continue
		}

		if !errors.Is(err, ErrAiUnavailable) {
			t.Fatalf("third failure: error = %v, want ErrAiUnavailable", err)
		}
		if !store.rolledBack {
			t.Error("third failure: articulum not rolled back")
		}
	}
}

func TestAiSuccessResetsFailureCounter(t *testing.T) {
	provider := &fakeProvider{err: &ProviderError{Message: "endpoint down"}}

	params := defaultParams()
	params.EnableAi = true
	worker := NewWorker("test_V1", newFakeStore(nil, nil), provider, params)

	// two failures, then a success, then two more failures: never three in a row
	for _, fail := range []bool{true, true, false, true, true} {
		store := newFakeStore(testArticulum(), goodListings(5))
		worker.store = store

		if fail {
			provider.err = &ProviderError{Message: "endpoint down"}
		} else {
			provider.err = nil
			provider.decision = &Decision{Passed: []string{"a", "b", "c", "d", "e"}}
		}

		if err := worker.validate(context.Background(), testArticulum()); err != nil {
			t.Fatalf("unexpected shutdown: %v", err)
		}
	}
}
