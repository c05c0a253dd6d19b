package avito

// Selectors for the marketplace markup. Avito tags elements with data-marker
// attributes, which survive styling changes far better than class names.
const (
	selectorCatalogItem       = "div[data-marker=\"item\"]"
	selectorItemTitle         = "a[data-marker=\"item-title\"]"
	selectorItemPrice         = "meta[itemprop=\"price\"]"
	selectorItemSnippet       = "div[data-marker=\"item-specific-params\"], div[class*=\"iva-item-descriptionStep\"]"
	selectorItemSellerName    = "div[data-marker=\"item-seller-name\"], div[class*=\"style-title\"]"
	selectorItemSellerRating  = "span[data-marker=\"seller-rating/score\"]"
	selectorItemSellerReviews = "span[data-marker=\"seller-rating/summary\"]"
	selectorItemImage         = "img[class*=\"photo-slider-image\"]"

	selectorCardTitle       = "h1[data-marker=\"item-view/title-info\"]"
	selectorCardPrice       = "span[data-marker=\"item-view/item-price\"]"
	selectorCardSeller      = "div[data-marker=\"seller-info/name\"] a, div[data-marker=\"seller-info/name\"]"
	selectorCardDate        = "span[data-marker=\"item-view/item-date\"]"
	selectorCardDescription = "div[data-marker=\"item-view/item-description\"]"
	selectorCardAddress     = "div[itemprop=\"address\"] span"
	selectorCardParams      = "li[data-marker=\"item-view/item-params\"], ul[data-marker=\"item-view/item-params\"] li"
	selectorCardViews       = "span[data-marker=\"item-view/total-views\"]"
	selectorCardClosed      = "div[data-marker=\"item-view/closed-warning\"]"

	selectorCaptchaFrame = "div[class*=\"captcha\"], iframe[src*=\"captcha\"], form#form_captcha"
	selectorFirewallPage = "div[class*=\"firewall-container\"], h2[class*=\"firewall-title\"]"
	selectorNotFoundPage = "div[class*=\"error-404\"]"
)
