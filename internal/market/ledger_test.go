package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"chainmarket/internal/domain"
	"chainmarket/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newActiveListing(t *testing.T, listings *memory.ListingStore, price float64) domain.Listing {
	t.Helper()
	ctx := context.Background()

	l, err := listings.Create(ctx, domain.PendingSpec{
		Title:       "auction item",
		Price:       price,
		SellerRef:   "0xseller",
		MetadataURI: "ipfs://QmTest",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	l, err = listings.Activate(ctx, l.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return l
}

func TestPlaceBidTwoBidders(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	bids := memory.NewBidStore()
	ledger := NewBidLedger(listings, bids, nil, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)
	startVersion := l.Version

	first, err := ledger.PlaceBid(ctx, l.ID, "0xalice", 1.2)
	if err != nil {
		t.Fatalf("first PlaceBid: %v", err)
	}
	if first.SupersededVersion != startVersion {
		t.Errorf("first bid superseded version = %d, want %d", first.SupersededVersion, startVersion)
	}

	second, err := ledger.PlaceBid(ctx, l.ID, "0xbob", 1.5)
	if err != nil {
		t.Fatalf("second PlaceBid: %v", err)
	}
	if second.SupersededVersion != startVersion+1 {
		t.Errorf("second bid superseded version = %d, want %d", second.SupersededVersion, startVersion+1)
	}

	got, err := listings.GetByID(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CurrentPrice != 1.5 {
		t.Errorf("price = %v, want 1.5", got.CurrentPrice)
	}
	if got.Version != startVersion+2 {
		t.Errorf("version = %d, want %d", got.Version, startVersion+2)
	}
}

func TestPlaceBidTooLowLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	bids := memory.NewBidStore()
	ledger := NewBidLedger(listings, bids, nil, nil, testLogger())

	l := newActiveListing(t, listings, 2.0)

	if _, err := ledger.PlaceBid(ctx, l.ID, "0xalice", 2.0); !errors.Is(err, domain.ErrBidTooLow) {
		t.Fatalf("err = %v, want ErrBidTooLow", err)
	}

	got, _ := listings.GetByID(ctx, l.ID)
	if got.CurrentPrice != 2.0 || got.Version != l.Version {
		t.Errorf("rejected bid mutated the listing: price=%v version=%d", got.CurrentPrice, got.Version)
	}
	count, _ := bids.CountByListing(ctx, l.ID)
	if count != 0 {
		t.Errorf("rejected bid was persisted, count = %d", count)
	}
}

func TestPlaceBidOnClosedListing(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	ledger := NewBidLedger(listings, memory.NewBidStore(), nil, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)
	if _, err := listings.Cancel(ctx, l.ID, "seller left"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := ledger.PlaceBid(ctx, l.ID, "0xalice", 5.0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPlaceBidUnknownListing(t *testing.T) {
	ledger := NewBidLedger(memory.NewListingStore(), memory.NewBidStore(), nil, nil, testLogger())

	if _, err := ledger.PlaceBid(context.Background(), "missing", "0xalice", 1.0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentBidsLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	bids := memory.NewBidStore()
	ledger := NewBidLedger(listings, bids, nil, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)
	startVersion := l.Version

	const bidders = 20
	maxSubmitted := 1.0 + float64(bidders)*0.05

	var wg sync.WaitGroup
	accepted := make(chan domain.Bid, bidders)

	for i := 0; i < bidders; i++ {
		amount := 1.0 + float64(i+1)*0.05
		wg.Add(1)
		go func() {
			defer wg.Done()
			// ErrTooManyConflicts is transient; resubmit as a caller would.
			for {
				bid, err := ledger.PlaceBid(ctx, l.ID, "0xbidder", amount)
				switch {
				case err == nil:
					accepted <- bid
				case errors.Is(err, domain.ErrTooManyConflicts):
					continue
				case !errors.Is(err, domain.ErrBidTooLow):
					t.Errorf("unexpected PlaceBid error: %v", err)
				}
				return
			}
		}()
	}
	wg.Wait()
	close(accepted)

	var maxAmount float64
	var acceptedCount int64
	seenVersions := make(map[int64]bool)
	for bid := range accepted {
		acceptedCount++
		if bid.Amount > maxAmount {
			maxAmount = bid.Amount
		}
		if seenVersions[bid.SupersededVersion] {
			t.Errorf("two bids accepted against version %d", bid.SupersededVersion)
		}
		seenVersions[bid.SupersededVersion] = true
	}
	if acceptedCount == 0 {
		t.Fatal("no bids accepted")
	}
	if maxAmount != maxSubmitted {
		t.Errorf("highest accepted = %v, want highest submitted %v", maxAmount, maxSubmitted)
	}

	got, err := listings.GetByID(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CurrentPrice != maxSubmitted {
		t.Errorf("final price = %v, want highest submitted %v", got.CurrentPrice, maxSubmitted)
	}
	if got.Version != startVersion+acceptedCount {
		t.Errorf("version = %d, want %d (one bump per accepted bid)", got.Version, startVersion+acceptedCount)
	}

	persisted, err := bids.CountByListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("CountByListing: %v", err)
	}
	if persisted != acceptedCount {
		t.Errorf("persisted bids = %d, accepted = %d", persisted, acceptedCount)
	}
}

// conflictingStore reports a version conflict on every price update.
type conflictingStore struct {
	domain.ListingStore
	listing domain.Listing
}

func (s *conflictingStore) GetByID(context.Context, string) (domain.Listing, error) {
	return s.listing, nil
}

func (s *conflictingStore) TryRaisePrice(context.Context, string, float64, int64) (domain.Listing, error) {
	return domain.Listing{}, domain.ErrConflict
}

func TestPlaceBidGivesUpAfterBoundedRetries(t *testing.T) {
	store := &conflictingStore{listing: domain.Listing{
		ID:           "l1",
		Status:       domain.ListingStatusActive,
		CurrentPrice: 1.0,
		Version:      2,
	}}
	ledger := NewBidLedger(store, memory.NewBidStore(), nil, nil, testLogger())

	if _, err := ledger.PlaceBid(context.Background(), "l1", "0xalice", 2.0); !errors.Is(err, domain.ErrTooManyConflicts) {
		t.Errorf("err = %v, want ErrTooManyConflicts", err)
	}
}
