// Package memory provides in-memory implementations of the domain store
// interfaces for tests and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainmarket/internal/domain"
)

// ListingStore is an in-memory implementation of domain.ListingStore. A
// single mutex serializes all mutations, mirroring the per-row transaction
// semantics of the SQL implementation.
type ListingStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Listing
}

// NewListingStore creates an empty in-memory listing store.
func NewListingStore() *ListingStore {
	return &ListingStore{data: make(map[string]*domain.Listing)}
}

// Create persists a new PENDING listing with version 1.
func (s *ListingStore) Create(_ context.Context, spec domain.PendingSpec) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	l := domain.Listing{
		ID:           uuid.New().String(),
		Title:        spec.Title,
		Description:  spec.Description,
		MetadataURI:  spec.MetadataURI,
		CurrentPrice: spec.Price,
		Status:       domain.ListingStatusPending,
		SellerRef:    spec.SellerRef,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.data[l.ID] = &l

	out := l
	return out, nil
}

// Activate moves a PENDING listing to ACTIVE.
func (s *ListingStore) Activate(_ context.Context, id string) (domain.Listing, error) {
	return s.transition(id, "activate",
		[]domain.ListingStatus{domain.ListingStatusPending},
		domain.ListingStatusActive, "")
}

// Settle moves an ACTIVE listing to SETTLED.
func (s *ListingStore) Settle(_ context.Context, id string) (domain.Listing, error) {
	return s.transition(id, "settle",
		[]domain.ListingStatus{domain.ListingStatusActive},
		domain.ListingStatusSettled, "")
}

// Cancel moves a non-terminal listing to CANCELLED.
func (s *ListingStore) Cancel(_ context.Context, id string, reason string) (domain.Listing, error) {
	return s.transition(id, "cancel",
		[]domain.ListingStatus{domain.ListingStatusPending, domain.ListingStatusActive},
		domain.ListingStatusCancelled, reason)
}

func (s *ListingStore) transition(
	id, op string,
	from []domain.ListingStatus,
	to domain.ListingStatus,
	reason string,
) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.data[id]
	if !exists {
		return domain.Listing{}, domain.ErrNotFound
	}

	allowed := false
	for _, f := range from {
		if l.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Listing{}, fmt.Errorf("memory: %s listing %s from %s: %w",
			op, id, l.Status, domain.ErrInvalidTransition)
	}

	l.Status = to
	l.CancelReason = reason
	l.Version++
	l.UpdatedAt = time.Now().UTC()

	out := *l
	return out, nil
}

// TryRaisePrice performs the optimistic price update under the store mutex.
func (s *ListingStore) TryRaisePrice(_ context.Context, id string, newAmount float64, expectedVersion int64) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.data[id]
	if !exists {
		return domain.Listing{}, domain.ErrNotFound
	}

	switch {
	case l.Status != domain.ListingStatusActive:
		return domain.Listing{}, fmt.Errorf("memory: raise price %s in %s: %w",
			id, l.Status, domain.ErrInvalidTransition)
	case newAmount <= l.CurrentPrice:
		return domain.Listing{}, domain.ErrBidTooLow
	case l.Version != expectedVersion:
		return domain.Listing{}, domain.ErrConflict
	}

	l.CurrentPrice = newAmount
	l.Version++
	l.UpdatedAt = time.Now().UTC()

	out := *l
	return out, nil
}

// Update applies seller edits to title/description.
func (s *ListingStore) Update(_ context.Context, id string, upd domain.ListingUpdate) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.data[id]
	if !exists {
		return domain.Listing{}, domain.ErrNotFound
	}
	if l.Status.Terminal() {
		return domain.Listing{}, fmt.Errorf("memory: update listing %s in %s: %w",
			id, l.Status, domain.ErrInvalidTransition)
	}

	if upd.Title != nil {
		l.Title = *upd.Title
	}
	if upd.Description != nil {
		l.Description = *upd.Description
	}
	l.UpdatedAt = time.Now().UTC()

	out := *l
	return out, nil
}

// GetByID retrieves a listing by ID.
func (s *ListingStore) GetByID(_ context.Context, id string) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, exists := s.data[id]
	if !exists {
		return domain.Listing{}, domain.ErrNotFound
	}

	out := *l
	return out, nil
}

// ListActive returns ACTIVE listings with pagination, newest first.
func (s *ListingStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Listing
	for _, l := range s.data {
		if l.Status == domain.ListingStatusActive {
			result = append(result, *l)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountActive returns the number of ACTIVE listings.
func (s *ListingStore) CountActive(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, l := range s.data {
		if l.Status == domain.ListingStatusActive {
			count++
		}
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
