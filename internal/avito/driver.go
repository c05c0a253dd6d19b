package avito

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// sortByDateParam and newOnlyParam are the query flags the site uses for
// "sorted by date" and "new condition only".
const (
	sortByDateParam = "&s=104"
	newOnlyParam    = "&cond=new"

	pageLoadTimeout = 90 * time.Second
)

// pageState classifies what actually loaded.
type pageState int

const (
	statePageUnknown pageState = iota
	statePageCatalog
	statePageCard
	statePageCaptcha
	statePageFirewall
	statePageNotFound
	statePageServerError
)

// RodDriver implements CatalogParser and CardParser on top of a rod page.
// Captcha solving is out of scope here: a detected captcha is reported as
// CAPTCHA_FAILED and the caller decides what to do with the proxy.
type RodDriver struct{}

var (
	_ CatalogParser = (*RodDriver)(nil)
	_ CardParser    = (*RodDriver)(nil)
)

func (d *RodDriver) ParseCatalog(ctx context.Context, page *rod.Page, req CatalogRequest) (*CatalogResult, error) {
	logger := log.GetLogger().WithField("Query", req.Query)

	startPage := req.StartPage
	if startPage < 1 {
		startPage = 1
	}

	result := &CatalogResult{ResumePageNumber: startPage}

	for pageNum := startPage; pageNum <= req.MaxPages; pageNum++ {
		result.ResumePageNumber = pageNum

		url := SearchUrl(req.Query)
		if req.SortByDate {
			url += sortByDateParam
		}
		if req.NewOnly {
			url += newOnlyParam
		}
		if pageNum > 1 {
			url += fmt.Sprintf("&p=%d", pageNum)
		}

		if err := navigate(ctx, page, url); err != nil {
			if isTimeout(err) {
				result.Status = CatalogLoadTimeout
				d.attachContinue(result, req)
				return result, nil
			}
			return nil, err
		}

		switch detectPageState(page) {
		case statePageCaptcha:
			result.Status = CatalogCaptchaFailed
			d.attachContinue(result, req)
			return result, nil
		case statePageFirewall:
			result.Status = CatalogProxyBlocked
			d.attachContinue(result, req)
			return result, nil
		case statePageServerError:
			result.Status = CatalogServerUnavailable
			d.attachContinue(result, req)
			return result, nil
		case statePageNotFound:
			result.Status = CatalogWrongPage
			result.Details = "search returned a 404 page"
			return result, nil
		case statePageCatalog:
			// fall through to extraction
		default:
			result.Status = CatalogPageNotDetected
			result.Details = "page did not match any known layout"
			return result, nil
		}

		cards, err := extractCatalogCards(page)
		if err != nil {
			return nil, err
		}

		logger.WithFields(map[string]interface{}{
			"Page":  pageNum,
			"Cards": len(cards),
		}).Debug("catalog page parsed")

		if len(cards) == 0 {
			if pageNum == startPage && len(result.Listings) == 0 {
				result.Status = CatalogEmpty
				return result, nil
			}
			// ran past the last page of results
			break
		}

		result.Listings = append(result.Listings, cards...)
		result.ProcessedPages++
		result.ResumePageNumber = pageNum + 1
	}

	result.Status = CatalogSuccess
	return result, nil
}

// attachContinue arms the result with a continuation that resumes from the
// recorded page on a fresh browser, merging already collected listings.
func (d *RodDriver) attachContinue(result *CatalogResult, req CatalogRequest) {
	collected := result.Listings
	resumePage := result.ResumePageNumber

	result.ContinueFrom = func(ctx context.Context, page *rod.Page) (*CatalogResult, error) {
		resumed := req
		resumed.StartPage = resumePage

		next, err := d.ParseCatalog(ctx, page, resumed)
		if err != nil {
			return nil, err
		}

		next.Listings = append(append([]Listing{}, collected...), next.Listings...)
		return next, nil
	}
}

func (d *RodDriver) ParseCard(ctx context.Context, page *rod.Page, url string, fields []string, includeHtml bool) (*CardResult, error) {
	if err := navigate(ctx, page, url); err != nil {
		if isTimeout(err) {
			return &CardResult{Status: CardServerUnavailable, Details: "load timeout"}, nil
		}
		return nil, err
	}

	switch detectPageState(page) {
	case statePageCaptcha:
		return &CardResult{Status: CardCaptchaFailed}, nil
	case statePageFirewall:
		return &CardResult{Status: CardProxyBlocked}, nil
	case statePageServerError:
		return &CardResult{Status: CardServerUnavailable}, nil
	case statePageNotFound:
		return &CardResult{Status: CardNotFound}, nil
	case statePageCard:
	default:
		return &CardResult{Status: CardPageNotDetected}, nil
	}

	if elementCount(page, selectorCardClosed) > 0 {
		return &CardResult{Status: CardNotFound, Details: "listing closed"}, nil
	}

	data := &CardData{Characteristics: map[string]string{}}

	data.Title, _ = elementText(page, selectorCardTitle)
	data.Description, _ = elementText(page, selectorCardDescription)
	data.SellerName, _ = elementText(page, selectorCardSeller)
	data.LocationName, _ = elementText(page, selectorCardAddress)

	if priceText, err := elementText(page, selectorCardPrice); err == nil {
		data.Price = parsePrice(priceText)
	}

	if viewsText, err := elementText(page, selectorCardViews); err == nil {
		if views, err := strconv.Atoi(digitsOnly(viewsText)); err == nil {
			data.ViewsTotal = &views
		}
	}

	if dateText, err := elementText(page, selectorCardDate); err == nil {
		data.PublishedAt = parsePublishedAt(dateText)
	}

	params, err := page.Elements(selectorCardParams)
	if err == nil {
		for _, param := range params {
			text, textErr := param.Text()
			if textErr != nil {
				continue
			}

			name, value, found := strings.Cut(text, ":")
			if !found {
				continue
			}
			data.Characteristics[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}

	if includeHtml {
		if html, htmlErr := page.HTML(); htmlErr == nil {
			data.RawHtml = html
		}
	}

	return &CardResult{Status: CardSuccess, Data: data}, nil
}

func navigate(ctx context.Context, page *rod.Page, url string) error {
	page = page.Context(ctx).Timeout(pageLoadTimeout)

	wait := page.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	wait()

	return nil
}

func detectPageState(page *rod.Page) pageState {
	info, err := page.Info()
	title := ""
	if err == nil {
		title = strings.ToLower(info.Title)
	}

	switch {
	case strings.Contains(title, "502"), strings.Contains(title, "503"), strings.Contains(title, "504"):
		return statePageServerError
	case elementCount(page, selectorFirewallPage) > 0, strings.Contains(title, "доступ ограничен"):
		return statePageFirewall
	case elementCount(page, selectorCaptchaFrame) > 0:
		return statePageCaptcha
	case elementCount(page, selectorNotFoundPage) > 0:
		return statePageNotFound
	case elementCount(page, selectorCatalogItem) > 0:
		return statePageCatalog
	case elementCount(page, selectorCardTitle) > 0:
		return statePageCard
	}

	// an empty but real search page still carries the search form
	if elementCount(page, "div[data-marker=\"search-form\"], input[data-marker=\"search-form/suggest\"]") > 0 {
		return statePageCatalog
	}

	return statePageUnknown
}

func extractCatalogCards(page *rod.Page) ([]Listing, error) {
	items, err := page.Elements(selectorCatalogItem)
	if err != nil {
		return nil, err
	}

	listings := make([]Listing, 0, len(items))
	for _, item := range items {
		itemId, err := item.Attribute("data-item-id")
		if err != nil || itemId == nil || *itemId == "" {
			continue
		}

		listing := Listing{ItemId: *itemId}

		if title, err := childText(item, selectorItemTitle); err == nil {
			listing.Title = title
		}
		if snippet, err := childText(item, selectorItemSnippet); err == nil {
			listing.SnippetText = snippet
		}
		if seller, err := childText(item, selectorItemSellerName); err == nil {
			listing.SellerName = seller
		}

		if priceEl, err := item.Element(selectorItemPrice); err == nil {
			if content, err := priceEl.Attribute("content"); err == nil && content != nil {
				listing.Price = parsePrice(*content)
			}
		}

		if ratingText, err := childText(item, selectorItemSellerRating); err == nil {
			if rating, err := strconv.ParseFloat(strings.ReplaceAll(ratingText, ",", "."), 64); err == nil {
				listing.SellerRating = &rating
			}
		}
		if reviewsText, err := childText(item, selectorItemSellerReviews); err == nil {
			if reviews, err := strconv.Atoi(digitsOnly(reviewsText)); err == nil {
				listing.SellerReviews = &reviews
			}
		}

		if images, err := item.Elements(selectorItemImage); err == nil {
			for _, image := range images {
				if src, err := image.Attribute("src"); err == nil && src != nil && *src != "" {
					listing.ImageUrls = append(listing.ImageUrls, *src)
				}
			}
		}

		listings = append(listings, listing)
	}

	return listings, nil
}

func elementCount(page *rod.Page, selector string) int {
	elements, err := page.Elements(selector)
	if err != nil {
		return 0
	}

	return len(elements)
}

func elementText(page *rod.Page, selector string) (string, error) {
	if elementCount(page, selector) == 0 {
		return "", &ElementNotFoundError{Selector: selector}
	}

	el, err := page.Element(selector)
	if err != nil {
		return "", err
	}

	return el.Text()
}

func childText(el *rod.Element, selector string) (string, error) {
	child, err := el.Element(selector)
	if err != nil {
		return "", &ElementNotFoundError{Selector: selector}
	}

	return child.Text()
}

// parsePrice extracts a numeric price from either a meta content value or a
// visible "1 200 ₽" string. Returns nil for "цена не указана" style text.
func parsePrice(text string) *float64 {
	digits := digitsOnly(text)
	if digits == "" {
		return nil
	}

	price, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return nil
	}

	return &price
}

func digitsOnly(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// parsePublishedAt understands the absolute ISO form some layouts embed.
// Relative forms ("3 дня назад") come back as nil rather than a guess.
func parsePublishedAt(text string) *time.Time {
	text = strings.TrimSpace(text)

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return &parsed
		}
	}

	return nil
}

func isTimeout(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "context deadline exceeded"))
}
