// Package market implements the listing/bid core: snapshot reads, serialized
// bid acceptance, and the two-phase creation flow that keeps the off-chain
// record consistent with externally confirmed settlement.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chainmarket/internal/domain"
)

// snapshotBidLimit caps the number of recent bids included in a snapshot.
const snapshotBidLimit = 10

// Snapshot is a consistent read of a listing together with its most recent
// accepted bids, newest first.
type Snapshot struct {
	Listing domain.Listing `json:"listing"`
	Bids    []domain.Bid   `json:"bids"`
}

// ListingService serves listing reads and seller mutations. Reads go through
// a best-effort cache; all writes invalidate it.
type ListingService struct {
	listings domain.ListingStore
	bids     domain.BidStore
	cache    domain.ListingCache
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewListingService creates a ListingService. cache may be nil.
func NewListingService(
	listings domain.ListingStore,
	bids domain.BidStore,
	cache domain.ListingCache,
	bus domain.EventBus,
	logger *slog.Logger,
) *ListingService {
	return &ListingService{
		listings: listings,
		bids:     bids,
		cache:    cache,
		bus:      bus,
		logger:   logger.With(slog.String("component", "listing_service")),
	}
}

// GetListing retrieves a listing by ID, checking the cache first and falling
// back to the store on a miss.
func (s *ListingService) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	if s.cache != nil {
		if l, err := s.cache.Get(ctx, id); err == nil {
			return l, nil
		}
	}

	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("listing_service: get %s: %w", id, err)
	}

	s.cacheSet(ctx, l)
	return l, nil
}

// Snapshot returns the listing and up to the 10 most recent bids, newest
// first. The listing is read from the store, not the cache, so the returned
// version is never behind any event already published.
func (s *ListingService) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Snapshot{}, domain.ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("listing_service: snapshot %s: %w", id, err)
	}

	bids, err := s.bids.ListByListing(ctx, id, snapshotBidLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing_service: snapshot bids %s: %w", id, err)
	}
	if bids == nil {
		bids = []domain.Bid{}
	}

	s.cacheSet(ctx, l)
	return Snapshot{Listing: l, Bids: bids}, nil
}

// ListActive returns ACTIVE listings with pagination.
func (s *ListingService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	listings, err := s.listings.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list active: %w", err)
	}
	return listings, nil
}

// CountActive returns the number of ACTIVE listings.
func (s *ListingService) CountActive(ctx context.Context) (int64, error) {
	count, err := s.listings.CountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing_service: count active: %w", err)
	}
	return count, nil
}

// Update applies seller edits. Only the listing's seller may mutate it.
func (s *ListingService) Update(ctx context.Context, id, sellerRef string, upd domain.ListingUpdate) (domain.Listing, error) {
	if err := s.authorizeSeller(ctx, id, sellerRef); err != nil {
		return domain.Listing{}, err
	}

	l, err := s.listings.Update(ctx, id, upd)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: update %s: %w", id, err)
	}

	s.cacheInvalidate(ctx, id)
	return l, nil
}

// Cancel cancels a listing on the seller's request and notifies subscribers.
func (s *ListingService) Cancel(ctx context.Context, id, sellerRef, reason string) (domain.Listing, error) {
	if err := s.authorizeSeller(ctx, id, sellerRef); err != nil {
		return domain.Listing{}, err
	}

	l, err := s.listings.Cancel(ctx, id, reason)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: cancel %s: %w", id, err)
	}

	s.cacheInvalidate(ctx, id)
	publishEvent(ctx, s.bus, s.logger, domain.Event{
		Type:      domain.EventStatusChanged,
		ListingID: l.ID,
		Version:   l.Version,
		Status:    l.Status,
	})
	return l, nil
}

// authorizeSeller verifies that sellerRef owns the listing. SellerRef is
// immutable, so the cached read is safe here.
func (s *ListingService) authorizeSeller(ctx context.Context, id, sellerRef string) error {
	l, err := s.GetListing(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("listing_service: authorize %s: %w", id, err)
	}
	if l.SellerRef != sellerRef {
		return fmt.Errorf("listing_service: %s is not the seller of %s: %w",
			sellerRef, id, domain.ErrUnauthorized)
	}
	return nil
}

func (s *ListingService) cacheSet(ctx context.Context, l domain.Listing) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, l); err != nil {
		s.logger.WarnContext(ctx, "listing_service: cache set failed",
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ListingService) cacheInvalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "listing_service: cache invalidate failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// publishEvent encodes and publishes a listing event. Publish failures are
// logged and swallowed: subscribers resynchronize via snapshots, so a lost
// notification must never fail the write that produced it.
func publishEvent(ctx context.Context, bus domain.EventBus, logger *slog.Logger, ev domain.Event) {
	if bus == nil {
		return
	}

	payload, err := ev.Encode()
	if err != nil {
		logger.ErrorContext(ctx, "market: encode event failed",
			slog.String("listing_id", ev.ListingID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := bus.Publish(ctx, domain.ListingChannel(ev.ListingID), payload); err != nil {
		logger.WarnContext(ctx, "market: publish event failed",
			slog.String("listing_id", ev.ListingID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
