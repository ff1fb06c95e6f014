package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chainmarket/internal/domain"
)

// maxPlaceAttempts bounds the optimistic retry loop. Conflicts only occur
// when another bid landed between our read and our write, and the re-read
// observes that bid's result, so contention resolves within a few attempts.
const maxPlaceAttempts = 5

// BidLedger accepts bids against active listings. The hot path is lock-free:
// each attempt is a read followed by a version-checked price update, retried
// on conflict, so concurrent bidders scale without a per-listing mutex and
// no accepted bid or price update is ever lost.
type BidLedger struct {
	listings domain.ListingStore
	bids     domain.BidStore
	cache    domain.ListingCache
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewBidLedger creates a BidLedger. cache may be nil.
func NewBidLedger(
	listings domain.ListingStore,
	bids domain.BidStore,
	cache domain.ListingCache,
	bus domain.EventBus,
	logger *slog.Logger,
) *BidLedger {
	return &BidLedger{
		listings: listings,
		bids:     bids,
		cache:    cache,
		bus:      bus,
		logger:   logger.With(slog.String("component", "bid_ledger")),
	}
}

// PlaceBid accepts amount against the listing if it strictly beats the
// current price. It returns domain.ErrBidTooLow without mutating state when
// it does not, and domain.ErrTooManyConflicts when the bounded retry loop is
// exhausted (transient; the caller may resubmit).
func (l *BidLedger) PlaceBid(ctx context.Context, listingID, bidderRef string, amount float64) (domain.Bid, error) {
	for attempt := 1; attempt <= maxPlaceAttempts; attempt++ {
		cur, err := l.listings.GetByID(ctx, listingID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Bid{}, domain.ErrNotFound
			}
			return domain.Bid{}, fmt.Errorf("bid_ledger: read listing %s: %w", listingID, err)
		}

		if cur.Status != domain.ListingStatusActive {
			return domain.Bid{}, fmt.Errorf("bid_ledger: listing %s is %s: %w",
				listingID, cur.Status, domain.ErrInvalidTransition)
		}
		if amount <= cur.CurrentPrice {
			return domain.Bid{}, fmt.Errorf("bid_ledger: %.8g <= %.8g on %s: %w",
				amount, cur.CurrentPrice, listingID, domain.ErrBidTooLow)
		}

		updated, err := l.listings.TryRaisePrice(ctx, listingID, amount, cur.Version)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				l.logger.DebugContext(ctx, "bid_ledger: version conflict, retrying",
					slog.String("listing_id", listingID),
					slog.Int64("expected_version", cur.Version),
					slog.Int("attempt", attempt),
				)
				continue
			}
			// ErrBidTooLow / ErrInvalidTransition from the store mean the
			// listing moved under us in a way that rejects this bid outright.
			return domain.Bid{}, fmt.Errorf("bid_ledger: raise price on %s: %w", listingID, err)
		}

		bid := domain.Bid{
			ID:                uuid.New().String(),
			ListingID:         listingID,
			BidderRef:         bidderRef,
			Amount:            amount,
			AcceptedAt:        time.Now().UTC(),
			SupersededVersion: cur.Version,
		}
		if err := l.bids.Insert(ctx, bid); err != nil {
			// The price update already committed; surface loudly so the
			// missing bid row can be repaired from this log line.
			l.logger.ErrorContext(ctx, "bid_ledger: bid row insert failed after price update",
				slog.String("listing_id", listingID),
				slog.String("bid_id", bid.ID),
				slog.Int64("version", updated.Version),
				slog.String("error", err.Error()),
			)
			return domain.Bid{}, fmt.Errorf("bid_ledger: persist bid on %s: %w", listingID, err)
		}

		if l.cache != nil {
			if err := l.cache.Set(ctx, updated); err != nil {
				l.logger.WarnContext(ctx, "bid_ledger: cache set failed",
					slog.String("listing_id", listingID),
					slog.String("error", err.Error()),
				)
			}
		}

		publishEvent(ctx, l.bus, l.logger, domain.Event{
			Type:      domain.EventPriceChanged,
			ListingID: updated.ID,
			Version:   updated.Version,
			Price:     updated.CurrentPrice,
		})
		publishEvent(ctx, l.bus, l.logger, domain.Event{
			Type:      domain.EventNewBid,
			ListingID: updated.ID,
			Version:   updated.Version,
			Price:     updated.CurrentPrice,
			Bid:       &bid,
		})

		l.logger.InfoContext(ctx, "bid_ledger: bid accepted",
			slog.String("listing_id", listingID),
			slog.String("bid_id", bid.ID),
			slog.Float64("amount", amount),
			slog.Int64("version", updated.Version),
			slog.Int("attempts", attempt),
		)
		return bid, nil
	}

	return domain.Bid{}, fmt.Errorf("bid_ledger: place bid on %s after %d attempts: %w",
		listingID, maxPlaceAttempts, domain.ErrTooManyConflicts)
}
