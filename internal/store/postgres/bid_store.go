package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chainmarket/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL. Bids are append-only.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a BidStore backed by the given connection pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

// Insert persists an accepted bid.
func (s *BidStore) Insert(ctx context.Context, b domain.Bid) error {
	const query = `
		INSERT INTO bids (id, listing_id, bidder_ref, amount, accepted_at, superseded_version)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.ListingID, b.BidderRef, b.Amount, b.AcceptedAt, b.SupersededVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bid %s: %w", b.ID, err)
	}
	return nil
}

// ListByListing returns accepted bids for a listing, newest first.
func (s *BidStore) ListByListing(ctx context.Context, listingID string, limit int) ([]domain.Bid, error) {
	query := `
		SELECT id, listing_id, bidder_ref, amount, accepted_at, superseded_version
		FROM bids WHERE listing_id = $1
		ORDER BY accepted_at DESC, superseded_version DESC`
	args := []any{listingID}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids for %s: %w", listingID, err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(
			&b.ID, &b.ListingID, &b.BidderRef, &b.Amount,
			&b.AcceptedAt, &b.SupersededVersion,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bids rows: %w", err)
	}
	return bids, nil
}

// CountByListing returns the number of accepted bids for a listing.
func (s *BidStore) CountByListing(ctx context.Context, listingID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bids WHERE listing_id = $1", listingID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count bids for %s: %w", listingID, err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.BidStore = (*BidStore)(nil)
