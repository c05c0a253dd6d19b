package browser

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/avito"
	"github.com/zamer-sys/avito-articulum-parser/internal/blob"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// ListingStore persists parse output and answers the buffer query.
type ListingStore interface {
	SaveListings(ctx context.Context, articulumId int64, listings []avito.Listing) (int, error)
	SaveObjectData(ctx context.Context, articulumId int64, avitoItemId string, data *avito.CardData, includeHtml bool) error
	CatalogBufferSize(ctx context.Context) (int, error)
}

// Storage is the database-backed ListingStore. When an image uploader is
// wired in, listing photos are mirrored to blob storage before the row is
// written.
type Storage struct {
	connection bun.IDB
	images     *blob.Uploader
}

var _ ListingStore = (*Storage)(nil)

func NewStorage(connection bun.IDB, images *blob.Uploader) *Storage {
	return &Storage{connection: connection, images: images}
}

func (s *Storage) SaveListings(ctx context.Context, articulumId int64, listings []avito.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	unique := dedupeListings(listings)
	if removed := len(listings) - len(unique); removed > 0 {
		log.GetLogger().WithField("Removed", removed).Debug("dropped duplicate listings (same title + snippet)")
	}

	models := make([]*db.CatalogListingModel, 0, len(unique))
	for _, listing := range unique {
		var imageKeys []string
		if s.images != nil {
			imageKeys = s.images.MirrorListingImages(ctx, articulumId, listing.ItemId, listing.ImageUrls)
		}

		models = append(models, &db.CatalogListingModel{
			ArticulumId:   articulumId,
			AvitoItemId:   listing.ItemId,
			Title:         listing.Title,
			Price:         listing.Price,
			SnippetText:   listing.SnippetText,
			SellerName:    listing.SellerName,
			SellerId:      listing.SellerId,
			SellerRating:  listing.SellerRating,
			SellerReviews: listing.SellerReviews,
			ImageUrls:     listing.ImageUrls,
			ImageKeys:     imageKeys,
		})
	}

	return db.SaveListings(ctx, s.connection, models)
}

// dedupeListings drops cards that repeat an earlier title + snippet pair.
// Sellers cross-post the same ad under fresh item ids; one copy is enough.
func dedupeListings(listings []avito.Listing) []avito.Listing {
	type key struct{ title, snippet string }

	seen := make(map[key]bool, len(listings))
	unique := make([]avito.Listing, 0, len(listings))
	for _, listing := range listings {
		k := key{title: listing.Title, snippet: listing.SnippetText}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, listing)
	}

	return unique
}

func (s *Storage) SaveObjectData(ctx context.Context, articulumId int64, avitoItemId string, data *avito.CardData, includeHtml bool) error {
	model := &db.ObjectDataModel{
		ArticulumId:     articulumId,
		AvitoItemId:     avitoItemId,
		Title:           data.Title,
		Price:           data.Price,
		SellerName:      data.SellerName,
		PublishedAt:     data.PublishedAt,
		Description:     data.Description,
		LocationName:    data.LocationName,
		Characteristics: data.Characteristics,
		ViewsTotal:      data.ViewsTotal,
	}
	if includeHtml && data.RawHtml != "" {
		html := data.RawHtml
		model.RawHtml = &html
	}

	_, err := db.SaveObjectData(ctx, s.connection, model)
	return err
}

func (s *Storage) CatalogBufferSize(ctx context.Context) (int, error) {
	return db.CatalogBufferSize(ctx, s.connection)
}
