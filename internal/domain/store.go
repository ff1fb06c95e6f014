package domain

import "context"

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// ListingStore persists listings and serializes all mutations of a single
// listing row inside a storage-level transaction. No other component writes
// listing state directly.
type ListingStore interface {
	// Create persists a new listing in PENDING state with version 1.
	Create(ctx context.Context, spec PendingSpec) (Listing, error)

	// Activate moves a PENDING listing to ACTIVE. Any other starting state
	// returns ErrInvalidTransition.
	Activate(ctx context.Context, id string) (Listing, error)

	// Settle moves an ACTIVE listing to SETTLED.
	Settle(ctx context.Context, id string) (Listing, error)

	// Cancel moves a listing to CANCELLED with the given reason. SETTLED and
	// CANCELLED listings return ErrInvalidTransition.
	Cancel(ctx context.Context, id string, reason string) (Listing, error)

	// TryRaisePrice raises the current price to newAmount only if the stored
	// version still equals expectedVersion and newAmount is strictly greater
	// than the current price. It returns ErrConflict on a version mismatch
	// (the caller re-reads and retries), ErrBidTooLow when the amount does
	// not beat the current price, and ErrInvalidTransition when the listing
	// is not ACTIVE.
	TryRaisePrice(ctx context.Context, id string, newAmount float64, expectedVersion int64) (Listing, error)

	// Update applies seller edits to mutable listing fields.
	Update(ctx context.Context, id string, upd ListingUpdate) (Listing, error)

	GetByID(ctx context.Context, id string) (Listing, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Listing, error)
	CountActive(ctx context.Context) (int64, error)
}

// BidStore persists accepted bids, append-only and foreign-keyed to listings.
type BidStore interface {
	Insert(ctx context.Context, bid Bid) error
	// ListByListing returns accepted bids for a listing, newest first.
	ListByListing(ctx context.Context, listingID string, limit int) ([]Bid, error)
	CountByListing(ctx context.Context, listingID string) (int64, error)
}

// ListingCache is a best-effort snapshot cache in front of the listing store.
// All methods may fail without affecting correctness.
type ListingCache interface {
	Get(ctx context.Context, id string) (Listing, error)
	Set(ctx context.Context, listing Listing) error
	Invalidate(ctx context.Context, id string) error
}
