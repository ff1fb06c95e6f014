package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainmarket/internal/domain"
	"chainmarket/internal/pinning"
	"chainmarket/internal/settlement"
)

// defaultConfirmTimeout bounds how long a PENDING listing waits for the
// caller to report its settlement outcome before it is cancelled.
const defaultConfirmTimeout = 5 * time.Minute

// expireOpTimeout bounds the store/bus work done when a timeout fires.
const expireOpTimeout = 10 * time.Second

// MetadataMirror archives a pinned metadata document to secondary storage.
type MetadataMirror interface {
	MirrorMetadata(ctx context.Context, contentURI string, data []byte) error
}

// Notifier delivers operator notifications for settlement outcomes.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CreationResult is returned by BeginCreation and carries the identifiers
// the caller needs to submit the settlement-layer transaction.
type CreationResult struct {
	ListingID   string `json:"id"`
	MetadataURI string `json:"metadataUri"`
	Status      string `json:"status"`
}

// CreationSpec carries the validated inputs of a creation request.
type CreationSpec struct {
	Title       string
	Description string
	Price       float64
	SellerRef   string
	FileName    string
	File        []byte
}

// CreationCoordinator drives the multi-step creation flow: pin metadata,
// persist a PENDING listing, then wait for the caller's signing session to
// report the on-chain outcome. The coordinator never submits the settlement
// transaction itself; it only keeps the off-chain record consistent with
// what the external flow reports, and a listing never becomes ACTIVE without
// an explicit confirmation.
type CreationCoordinator struct {
	pinner   *pinning.Client
	mirror   MetadataMirror
	listings domain.ListingStore
	cache    domain.ListingCache
	bus      domain.EventBus
	session  *settlement.Session
	notifier Notifier
	logger   *slog.Logger

	confirmTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// CoordinatorOptions bundles the coordinator's dependencies. Mirror, Cache,
// and Notifier are optional.
type CoordinatorOptions struct {
	Pinner         *pinning.Client
	Mirror         MetadataMirror
	Listings       domain.ListingStore
	Cache          domain.ListingCache
	Bus            domain.EventBus
	Session        *settlement.Session
	Notifier       Notifier
	Logger         *slog.Logger
	ConfirmTimeout time.Duration
}

// NewCreationCoordinator creates a CreationCoordinator from the given options.
func NewCreationCoordinator(opts CoordinatorOptions) *CreationCoordinator {
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &CreationCoordinator{
		pinner:         opts.Pinner,
		mirror:         opts.Mirror,
		listings:       opts.Listings,
		cache:          opts.Cache,
		bus:            opts.Bus,
		session:        opts.Session,
		notifier:       opts.Notifier,
		logger:         opts.Logger.With(slog.String("component", "creation_coordinator")),
		confirmTimeout: timeout,
		pending:        make(map[string]*time.Timer),
	}
}

// BeginCreation pins the metadata file, persists a PENDING listing, and arms
// the confirmation timeout. On pinning failure nothing is persisted.
func (c *CreationCoordinator) BeginCreation(ctx context.Context, spec CreationSpec) (CreationResult, error) {
	uri, err := c.pinner.Upload(ctx, spec.File, spec.FileName)
	if err != nil {
		return CreationResult{}, fmt.Errorf("coordinator: pin metadata: %w", err)
	}

	// Mirroring is best-effort: the pinned copy is authoritative.
	if c.mirror != nil {
		if err := c.mirror.MirrorMetadata(ctx, uri, spec.File); err != nil {
			c.logger.WarnContext(ctx, "coordinator: metadata mirror failed",
				slog.String("metadata_uri", uri),
				slog.String("error", err.Error()),
			)
		}
	}

	l, err := c.listings.Create(ctx, domain.PendingSpec{
		Title:       spec.Title,
		Description: spec.Description,
		Price:       spec.Price,
		SellerRef:   spec.SellerRef,
		MetadataURI: uri,
	})
	if err != nil {
		return CreationResult{}, fmt.Errorf("coordinator: persist listing: %w", err)
	}

	c.armTimeout(l.ID)

	c.logger.InfoContext(ctx, "coordinator: creation begun",
		slog.String("listing_id", l.ID),
		slog.String("metadata_uri", uri),
		slog.String("seller_ref", spec.SellerRef),
		slog.Duration("confirm_timeout", c.confirmTimeout),
	)

	return CreationResult{
		ListingID:   l.ID,
		MetadataURI: uri,
		Status:      string(l.Status),
	}, nil
}

// ConfirmSettlement records the outcome of the listing-creation transaction
// reported by the caller's signing session, driving the listing to ACTIVE or
// CANCELLED.
func (c *CreationCoordinator) ConfirmSettlement(ctx context.Context, listingID string, outcome settlement.Outcome) (domain.Listing, error) {
	if err := c.session.ValidateOutcome(outcome); err != nil {
		return domain.Listing{}, err
	}

	c.disarmTimeout(listingID)

	if !outcome.Confirmed {
		reason := outcome.Reason
		if reason == "" {
			reason = "settlement failed"
		}
		l, err := c.listings.Cancel(ctx, listingID, reason)
		if err != nil {
			return domain.Listing{}, fmt.Errorf("coordinator: cancel %s: %w", listingID, err)
		}
		c.afterTransition(ctx, l)

		c.logger.InfoContext(ctx, "coordinator: creation cancelled",
			slog.String("listing_id", listingID),
			slog.String("reason", reason),
		)
		c.notify(ctx, "listing_cancelled", "Listing cancelled",
			fmt.Sprintf("Listing %s cancelled: %s", listingID, reason))
		return l, nil
	}

	l, err := c.listings.Activate(ctx, listingID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("coordinator: activate %s: %w", listingID, err)
	}
	c.afterTransition(ctx, l)

	c.logger.InfoContext(ctx, "coordinator: listing activated",
		slog.String("listing_id", listingID),
		slog.String("tx_hash", outcome.TxHash),
	)
	c.notify(ctx, "listing_activated", "Listing activated",
		fmt.Sprintf("Listing %s is live (tx %s)", listingID, outcome.TxHash))
	return l, nil
}

// ConfirmPurchase records the outcome of a purchase transaction. A confirmed
// purchase settles the listing; a failed one leaves it ACTIVE.
func (c *CreationCoordinator) ConfirmPurchase(ctx context.Context, listingID string, outcome settlement.Outcome) (domain.Listing, error) {
	if err := c.session.ValidateOutcome(outcome); err != nil {
		return domain.Listing{}, err
	}

	if !outcome.Confirmed {
		l, err := c.listings.GetByID(ctx, listingID)
		if err != nil {
			return domain.Listing{}, fmt.Errorf("coordinator: read %s: %w", listingID, err)
		}
		c.logger.InfoContext(ctx, "coordinator: purchase not confirmed, listing unchanged",
			slog.String("listing_id", listingID),
			slog.String("reason", outcome.Reason),
		)
		return l, nil
	}

	l, err := c.listings.Settle(ctx, listingID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("coordinator: settle %s: %w", listingID, err)
	}
	c.afterTransition(ctx, l)

	c.logger.InfoContext(ctx, "coordinator: listing settled",
		slog.String("listing_id", listingID),
		slog.String("tx_hash", outcome.TxHash),
	)
	c.notify(ctx, "listing_settled", "Listing settled",
		fmt.Sprintf("Listing %s sold (tx %s)", listingID, outcome.TxHash))
	return l, nil
}

// Close stops all pending confirmation timers. In-flight listings stay
// PENDING and are cancelled by a fresh timeout after restart confirmation
// never arrives.
func (c *CreationCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
}

// armTimeout schedules cancellation of a listing that is never confirmed.
func (c *CreationCoordinator) armTimeout(listingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.pending[listingID] = time.AfterFunc(c.confirmTimeout, func() {
		c.expire(listingID)
	})
}

// disarmTimeout stops the confirmation timer, if still armed.
func (c *CreationCoordinator) disarmTimeout(listingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.pending[listingID]; ok {
		t.Stop()
		delete(c.pending, listingID)
	}
}

// expire cancels a listing whose settlement confirmation never arrived.
func (c *CreationCoordinator) expire(listingID string) {
	c.mu.Lock()
	delete(c.pending, listingID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expireOpTimeout)
	defer cancel()

	l, err := c.listings.Cancel(ctx, listingID, "settlement timeout")
	if err != nil {
		// A confirmation may have raced the timer; that is not a failure.
		if errors.Is(err, domain.ErrInvalidTransition) {
			return
		}
		c.logger.ErrorContext(ctx, "coordinator: timeout cancellation failed",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.afterTransition(ctx, l)

	c.logger.WarnContext(ctx, "coordinator: settlement confirmation timed out",
		slog.String("listing_id", listingID),
		slog.String("error", domain.ErrSettlementTimeout.Error()),
	)
	c.notify(ctx, "listing_cancelled", "Listing cancelled",
		fmt.Sprintf("Listing %s cancelled: settlement confirmation timed out", listingID))
}

// afterTransition invalidates the snapshot cache and publishes the status
// change to subscribers.
func (c *CreationCoordinator) afterTransition(ctx context.Context, l domain.Listing) {
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, l.ID); err != nil {
			c.logger.WarnContext(ctx, "coordinator: cache invalidate failed",
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	publishEvent(ctx, c.bus, c.logger, domain.Event{
		Type:      domain.EventStatusChanged,
		ListingID: l.ID,
		Version:   l.Version,
		Status:    l.Status,
	})
}

// notify delivers an operator notification, logging delivery failures.
func (c *CreationCoordinator) notify(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, message); err != nil {
		c.logger.WarnContext(ctx, "coordinator: notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
