package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainmarket/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL. Every
// mutation runs in a transaction scoped to a single listing row; the row is
// locked with FOR UPDATE so concurrent mutations of the same listing
// serialize at the database.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingCols = `id, title, description, metadata_uri, current_price,
	status, seller_ref, version, cancel_reason, created_at, updated_at`

// scanListing scans a single listing row into a domain.Listing.
func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var status string
	err := row.Scan(
		&l.ID, &l.Title, &l.Description, &l.MetadataURI, &l.CurrentPrice,
		&status, &l.SellerRef, &l.Version, &l.CancelReason,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	l.Status = domain.ListingStatus(status)
	return l, nil
}

// Create persists a new PENDING listing with version 1.
func (s *ListingStore) Create(ctx context.Context, spec domain.PendingSpec) (domain.Listing, error) {
	const query = `
		INSERT INTO listings (
			id, title, description, metadata_uri, current_price,
			status, seller_ref, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW(), NOW())
		RETURNING ` + listingCols

	row := s.pool.QueryRow(ctx, query,
		uuid.New().String(), spec.Title, spec.Description, spec.MetadataURI,
		spec.Price, string(domain.ListingStatusPending), spec.SellerRef,
	)
	l, err := scanListing(row)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: create listing: %w", err)
	}
	return l, nil
}

// Activate moves a PENDING listing to ACTIVE.
func (s *ListingStore) Activate(ctx context.Context, id string) (domain.Listing, error) {
	return s.transition(ctx, id, "activate",
		[]domain.ListingStatus{domain.ListingStatusPending},
		domain.ListingStatusActive, "")
}

// Settle moves an ACTIVE listing to SETTLED.
func (s *ListingStore) Settle(ctx context.Context, id string) (domain.Listing, error) {
	return s.transition(ctx, id, "settle",
		[]domain.ListingStatus{domain.ListingStatusActive},
		domain.ListingStatusSettled, "")
}

// Cancel moves a non-terminal listing to CANCELLED.
func (s *ListingStore) Cancel(ctx context.Context, id string, reason string) (domain.Listing, error) {
	return s.transition(ctx, id, "cancel",
		[]domain.ListingStatus{domain.ListingStatusPending, domain.ListingStatusActive},
		domain.ListingStatusCancelled, reason)
}

// transition locks the listing row, verifies the current status is one of
// the allowed starting states, and applies the new status with a version
// bump.
func (s *ListingStore) transition(
	ctx context.Context,
	id, op string,
	from []domain.ListingStatus,
	to domain.ListingStatus,
	reason string,
) (domain.Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: %s listing %s: begin: %w", op, id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: %s listing %s: read: %w", op, id, err)
	}

	allowed := false
	for _, f := range from {
		if l.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Listing{}, fmt.Errorf("postgres: %s listing %s from %s: %w",
			op, id, l.Status, domain.ErrInvalidTransition)
	}

	row = tx.QueryRow(ctx, `
		UPDATE listings
		SET status = $2, cancel_reason = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+listingCols,
		id, string(to), reason,
	)
	l, err = scanListing(row)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: %s listing %s: update: %w", op, id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: %s listing %s: commit: %w", op, id, err)
	}
	return l, nil
}

// TryRaisePrice performs the optimistic price update. The row lock plus the
// version check make concurrent read-then-write bid flows safe: a racer that
// observed a stale version gets ErrConflict and retries against fresh state.
func (s *ListingStore) TryRaisePrice(ctx context.Context, id string, newAmount float64, expectedVersion int64) (domain.Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: raise price %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: raise price %s: read: %w", id, err)
	}

	switch {
	case l.Status != domain.ListingStatusActive:
		return domain.Listing{}, fmt.Errorf("postgres: raise price %s in %s: %w",
			id, l.Status, domain.ErrInvalidTransition)
	case newAmount <= l.CurrentPrice:
		return domain.Listing{}, domain.ErrBidTooLow
	case l.Version != expectedVersion:
		return domain.Listing{}, domain.ErrConflict
	}

	row = tx.QueryRow(ctx, `
		UPDATE listings
		SET current_price = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+listingCols,
		id, newAmount,
	)
	l, err = scanListing(row)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: raise price %s: update: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: raise price %s: commit: %w", id, err)
	}
	return l, nil
}

// Update applies seller edits to title/description. Terminal listings are
// immutable.
func (s *ListingStore) Update(ctx context.Context, id string, upd domain.ListingUpdate) (domain.Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s: read: %w", id, err)
	}

	if l.Status.Terminal() {
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s in %s: %w",
			id, l.Status, domain.ErrInvalidTransition)
	}

	title := l.Title
	if upd.Title != nil {
		title = *upd.Title
	}
	description := l.Description
	if upd.Description != nil {
		description = *upd.Description
	}

	row = tx.QueryRow(ctx, `
		UPDATE listings
		SET title = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+listingCols,
		id, title, description,
	)
	l, err = scanListing(row)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s: update: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s: commit: %w", id, err)
	}
	return l, nil
}

// GetByID retrieves a listing by its primary key.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// ListActive returns ACTIVE listings with pagination, newest first.
func (s *ListingStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingCols + ` FROM listings WHERE status = 'ACTIVE'
		ORDER BY created_at DESC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active listings: %w", err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active listings rows: %w", err)
	}
	return listings, nil
}

// CountActive returns the number of ACTIVE listings.
func (s *ListingStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM listings WHERE status = 'ACTIVE'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active listings: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
