package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
)

// Stage names as stored in validation_results.validation_type.
const (
	StagePriceFilter = "price_filter"
	StageMechanical  = "mechanical"
	StageAi          = "ai"
)

// Stopwords reject a listing outright: counterfeits, used goods and parts
// sellers phrase these the same way every time.
var Stopwords = []string{
	// non-original
	"копия", "реплика", "подделка", "фейк", "fake",
	"replica", "copy", "имитация", "аналог",
	"не оригинал", "неоригинал", "китай", "china",
	"подобие", "как оригинал",
	"копи", "копию", "дубликат", "дубль",

	// used / condition
	"б/у", "бу", "б у", "использованный", "использованная",
	"ношенный", "ношеный", "поношенный",
	"second hand", "second-hand", "secondhand", "used",
	"worn", "pre-owned", "preowned", "pre owned",
	"после носки", "поноска", "с дефектами", "дефект",
	"потертости", "потёртости", "царапины", "следы носки",
	"требует ремонта", "на запчасти", "не новый", "не новая",
}

// StageParams carries the validation thresholds and feature flags.
type StageParams struct {
	MinPrice               float64
	MinSellerReviews       int
	EnablePriceValidation  bool
	RequireArticulumInText bool
}

// ItemResult is the per-item outcome of one stage.
type ItemResult struct {
	AvitoItemId     string
	Passed          bool
	RejectionReason string
}

func passed(itemId string) ItemResult {
	return ItemResult{AvitoItemId: itemId, Passed: true}
}

func rejected(itemId, reason string) ItemResult {
	return ItemResult{AvitoItemId: itemId, Passed: false, RejectionReason: reason}
}

// PriceFilter is stage 1: a listing fails when its price is missing or below
// the interest floor. Deterministic, no external dependency.
func PriceFilter(listings []*db.CatalogListingModel, minPrice float64) (survivors []*db.CatalogListingModel, results []ItemResult) {
	for _, listing := range listings {
		if listing.Price == nil || *listing.Price < minPrice {
			price := "null"
			if listing.Price != nil {
				price = fmt.Sprintf("%v", *listing.Price)
			}
			results = append(results, rejected(listing.AvitoItemId, fmt.Sprintf("price %s < MIN_PRICE %v", price, minPrice)))
			continue
		}

		results = append(results, passed(listing.AvitoItemId))
		survivors = append(survivors, listing)
	}

	return survivors, results
}

// Mechanical is stage 2. Sub-checks run in order and the first failure wins:
// articulum presence, stop-words, seller reviews, IQR price sanity.
func Mechanical(articulum string, listings []*db.CatalogListingModel, params StageParams) (survivors []*db.CatalogListingModel, results []ItemResult) {
	medianTop40, haveMedian := priceSanityMedian(listings)

	for _, listing := range listings {
		reason := mechanicalReason(articulum, listing, params, medianTop40, haveMedian)
		if reason != "" {
			results = append(results, rejected(listing.AvitoItemId, reason))
			continue
		}

		results = append(results, passed(listing.AvitoItemId))
		survivors = append(survivors, listing)
	}

	return survivors, results
}

func mechanicalReason(articulum string, listing *db.CatalogListingModel, params StageParams, medianTop40 float64, haveMedian bool) string {
	title := strings.ToLower(listing.Title)
	snippet := strings.ToLower(listing.SnippetText)

	if params.RequireArticulumInText {
		if !util.ContainsArticulum(articulum, listing.Title, listing.SnippetText) {
			return fmt.Sprintf("articulum %q not found in title or snippet", articulum)
		}
	}

	combined := title + " " + snippet + " " + strings.ToLower(listing.SellerName)
	for _, stopword := range Stopwords {
		if containsWord(combined, stopword) {
			return fmt.Sprintf("stop-word found: %q", stopword)
		}
	}

	if params.MinSellerReviews > 0 {
		if listing.SellerReviews == nil {
			return fmt.Sprintf("not enough seller reviews: N/A < %d", params.MinSellerReviews)
		}
		if *listing.SellerReviews < params.MinSellerReviews {
			return fmt.Sprintf("not enough seller reviews: %d < %d", *listing.SellerReviews, params.MinSellerReviews)
		}
	}

	if params.EnablePriceValidation && haveMedian && listing.Price != nil {
		threshold := medianTop40 * 0.5
		if *listing.Price < threshold {
			return fmt.Sprintf("suspiciously low price: %v < %.2f (50%% of top-40%% median)", *listing.Price, threshold)
		}
	}

	return ""
}

// containsWord matches a stop-word on word boundaries, not substrings, so
// "бук" does not trip over "бу".
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		i += idx

		beforeOk := i == 0 || !isWordRune(rune(previousRune(text, i)))
		after := i + len(word)
		afterOk := after >= len(text) || !isWordRune(firstRune(text[after:]))
		if beforeOk && afterOk {
			return true
		}

		idx = i + len(word)
		if idx >= len(text) {
			return false
		}
	}
}

func previousRune(s string, idx int) rune {
	r := rune(0)
	for _, c := range s[:idx] {
		r = c
	}
	return r
}

func firstRune(s string) rune {
	for _, c := range s {
		return c
	}
	return 0
}

func isWordRune(r rune) bool {
	if r == 0 {
		return false
	}
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || (r >= 'а' && r <= 'я') || (r >= 'А' && r <= 'Я') || r == 'ё' || r == 'Ё'
}

// priceSanityMedian computes the top-40% median of IQR-sane prices. Needs at
// least four prices for quartiles; with fewer, the plain median stands in.
// Returns false when there are no prices at all.
func priceSanityMedian(listings []*db.CatalogListingModel) (float64, bool) {
	var prices []float64
	for _, listing := range listings {
		if listing.Price != nil {
			prices = append(prices, *listing.Price)
		}
	}

	if len(prices) == 0 {
		return 0, false
	}

	sort.Float64s(prices)

	if len(prices) < 4 {
		return median(prices), true
	}

	q1, q3 := quartiles(prices)
	iqr := q3 - q1
	lower := q1 - 1.0*iqr
	upper := q3 + 1.0*iqr

	var retained []float64
	for _, p := range prices {
		if p >= lower && p <= upper {
			retained = append(retained, p)
		}
	}

	if len(retained) == 0 {
		return median(prices), true
	}

	// top 40% of retained prices, sorted descending
	sort.Sort(sort.Reverse(sort.Float64Slice(retained)))
	topCount := len(retained) * 2 / 5
	if topCount < 1 {
		topCount = 1
	}

	return median(retained[:topCount]), true
}

// quartiles computes Q1 and Q3 with the exclusive method over sorted data.
func quartiles(sorted []float64) (q1, q3 float64) {
	return quantileExclusive(sorted, 1, 4), quantileExclusive(sorted, 3, 4)
}

func quantileExclusive(sorted []float64, i, n int) float64 {
	ln := len(sorted)
	m := ln + 1

	j := i * m / n
	if j < 1 {
		j = 1
	}
	if j > ln-1 {
		j = ln - 1
	}

	delta := float64(i*m - j*n)
	return (sorted[j-1]*(float64(n)-delta) + sorted[j]*delta) / float64(n)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}
