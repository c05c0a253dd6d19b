// Package avito declares the contract of the external browser parsing
// library. The pipeline consumes these types; the actual page driving lives
// behind the CatalogParser and CardParser interfaces.
package avito

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
)

type CatalogStatus string

const (
	CatalogSuccess           = CatalogStatus("SUCCESS")
	CatalogEmpty             = CatalogStatus("EMPTY")
	CatalogProxyBlocked      = CatalogStatus("PROXY_BLOCKED")
	CatalogProxyAuthRequired = CatalogStatus("PROXY_AUTH_REQUIRED")
	CatalogCaptchaFailed     = CatalogStatus("CAPTCHA_FAILED")
	CatalogLoadTimeout       = CatalogStatus("LOAD_TIMEOUT")
	CatalogPageNotDetected   = CatalogStatus("PAGE_NOT_DETECTED")
	CatalogWrongPage         = CatalogStatus("WRONG_PAGE")
	CatalogServerUnavailable = CatalogStatus("SERVER_UNAVAILABLE")
)

type CardStatus string

const (
	CardSuccess           = CardStatus("SUCCESS")
	CardProxyBlocked      = CardStatus("PROXY_BLOCKED")
	CardCaptchaFailed     = CardStatus("CAPTCHA_FAILED")
	CardNotFound          = CardStatus("NOT_FOUND")
	CardPageNotDetected   = CardStatus("PAGE_NOT_DETECTED")
	CardWrongPage         = CardStatus("WRONG_PAGE")
	CardServerUnavailable = CardStatus("SERVER_UNAVAILABLE")
)

// CatalogFields are the card fields extracted from search result pages.
// The library expects "snippet", not "snippet_text".
var CatalogFields = []string{
	"item_id",
	"title",
	"price",
	"snippet",
	"seller_name",
	"seller_id",
	"seller_rating",
	"seller_reviews",
}

// CardFields are extracted from listing detail pages.
var CardFields = []string{
	"title",
	"price",
	"seller",
	"item_id",
	"published_at",
	"description",
	"location",
	"characteristics",
	"views_total",
}

// Listing is one search-result card.
type Listing struct {
	ItemId        string
	Title         string
	Price         *float64
	SnippetText   string
	SellerName    string
	SellerId      string
	SellerRating  *float64
	SellerReviews *int
	ImageUrls     []string
}

// CatalogRequest describes one catalog parse run.
type CatalogRequest struct {
	Query       string
	Fields      []string
	MaxPages    int
	StartPage   int
	SortByDate  bool
	NewOnly     bool
	IncludeHtml bool
}

// CatalogResult is what the library hands back after draining (part of) a
// search. ContinueFrom resumes a partial parse on a fresh page after the
// caller rotated to a new proxy.
type CatalogResult struct {
	Status           CatalogStatus
	Listings         []Listing
	ResumePageNumber int
	ProcessedPages   int
	Details          string

	ContinueFrom func(ctx context.Context, page *rod.Page) (*CatalogResult, error)
}

// CardData is the typed detail-page payload.
type CardData struct {
	ItemId          string
	Title           string
	Price           *float64
	SellerName      string
	PublishedAt     *time.Time
	Description     string
	LocationName    string
	Characteristics map[string]string
	ViewsTotal      *int
	RawHtml         string
}

// CardResult is what the library hands back for one listing page.
type CardResult struct {
	Status  CardStatus
	Data    *CardData
	Details string
}

// CatalogParser drives a browser page through the search results of one
// articulum.
type CatalogParser interface {
	ParseCatalog(ctx context.Context, page *rod.Page, req CatalogRequest) (*CatalogResult, error)
}

// CardParser loads one listing detail page and extracts its fields.
type CardParser interface {
	ParseCard(ctx context.Context, page *rod.Page, url string, fields []string, includeHtml bool) (*CardResult, error)
}

// ItemUrl builds the public page address of a listing.
func ItemUrl(avitoItemId string) string {
	return "https://www.avito.ru/" + avitoItemId
}

// SearchUrl builds the nationwide search address for an articulum query.
func SearchUrl(query string) string {
	return "https://www.avito.ru/rossiya?q=" + url.QueryEscape(query)
}
