package memory

import (
	"context"
	"sort"
	"sync"

	"chainmarket/internal/domain"
)

// BidStore is an in-memory implementation of domain.BidStore.
type BidStore struct {
	mu   sync.RWMutex
	data map[string][]domain.Bid // keyed by listing id, append order
}

// NewBidStore creates an empty in-memory bid store.
func NewBidStore() *BidStore {
	return &BidStore{data: make(map[string][]domain.Bid)}
}

// Insert appends an accepted bid.
func (s *BidStore) Insert(_ context.Context, b domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[b.ListingID] = append(s.data[b.ListingID], b)
	return nil
}

// ListByListing returns accepted bids for a listing, newest first.
func (s *BidStore) ListByListing(_ context.Context, listingID string, limit int) ([]domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := make([]domain.Bid, len(s.data[listingID]))
	copy(bids, s.data[listingID])

	sort.Slice(bids, func(i, j int) bool {
		if bids[i].AcceptedAt.Equal(bids[j].AcceptedAt) {
			return bids[i].SupersededVersion > bids[j].SupersededVersion
		}
		return bids[i].AcceptedAt.After(bids[j].AcceptedAt)
	})

	if limit > 0 && len(bids) > limit {
		bids = bids[:limit]
	}
	return bids, nil
}

// CountByListing returns the number of accepted bids for a listing.
func (s *BidStore) CountByListing(_ context.Context, listingID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data[listingID])), nil
}

// Compile-time interface check.
var _ domain.BidStore = (*BidStore)(nil)
