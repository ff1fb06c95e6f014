package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chainmarket/internal/domain"
	"chainmarket/internal/pinning"
	"chainmarket/internal/settlement"
	"chainmarket/internal/store/memory"
)

const (
	testContract = "0x0123456789abcDEF0123456789AbCdEf01234567"
	testChainID  = 31337
	testTxHash   = "0x4242424242424242424242424242424242424242424242424242424242424242"
)

// stubProvider is a pinning provider with scripted behavior.
type stubProvider struct {
	name string
	hash string
	err  error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Pin(context.Context, []byte, string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.hash, nil
}

// recordingMirror captures mirrored documents.
type recordingMirror struct {
	mu   sync.Mutex
	uris []string
}

func (m *recordingMirror) MirrorMetadata(_ context.Context, contentURI string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uris = append(m.uris, contentURI)
	return nil
}

type coordFixture struct {
	coordinator *CreationCoordinator
	listings    *memory.ListingStore
	bids        *memory.BidStore
	mirror      *recordingMirror
}

func newCoordFixture(t *testing.T, provider pinning.Provider, timeout time.Duration) *coordFixture {
	t.Helper()

	session, err := settlement.NewSession(testContract, testChainID)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	f := &coordFixture{
		listings: memory.NewListingStore(),
		bids:     memory.NewBidStore(),
		mirror:   &recordingMirror{},
	}
	f.coordinator = NewCreationCoordinator(CoordinatorOptions{
		Pinner:         pinning.NewClient([]pinning.Provider{provider}, testLogger()),
		Mirror:         f.mirror,
		Listings:       f.listings,
		Session:        session,
		Logger:         testLogger(),
		ConfirmTimeout: timeout,
	})
	t.Cleanup(f.coordinator.Close)
	return f
}

func beginCreation(t *testing.T, f *coordFixture) CreationResult {
	t.Helper()
	res, err := f.coordinator.BeginCreation(context.Background(), CreationSpec{
		Title:     "painting",
		Price:     1.0,
		SellerRef: "0xseller",
		FileName:  "metadata.json",
		File:      []byte(`{"name":"painting"}`),
	})
	if err != nil {
		t.Fatalf("BeginCreation: %v", err)
	}
	return res
}

func TestBeginCreationPinsAndPersistsPending(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "QmPinned"}, time.Minute)

	res := beginCreation(t, f)
	if res.MetadataURI != "ipfs://QmPinned" {
		t.Errorf("metadata uri = %q, want ipfs://QmPinned", res.MetadataURI)
	}
	if res.Status != string(domain.ListingStatusPending) {
		t.Errorf("status = %q, want PENDING", res.Status)
	}

	l, err := f.listings.GetByID(context.Background(), res.ListingID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if l.MetadataURI != res.MetadataURI {
		t.Errorf("persisted uri = %q", l.MetadataURI)
	}

	if len(f.mirror.uris) != 1 || f.mirror.uris[0] != res.MetadataURI {
		t.Errorf("mirror calls = %v", f.mirror.uris)
	}
}

func TestBeginCreationFailsWhenPinningUnavailable(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", err: fmt.Errorf("boom")}, time.Minute)

	_, err := f.coordinator.BeginCreation(context.Background(), CreationSpec{
		Title:     "painting",
		Price:     1.0,
		SellerRef: "0xseller",
		FileName:  "metadata.json",
		File:      []byte("{}"),
	})
	if !errors.Is(err, domain.ErrPinningUnavailable) {
		t.Fatalf("err = %v, want ErrPinningUnavailable", err)
	}

	// Nothing was persisted or mirrored.
	count, _ := f.listings.CountActive(context.Background())
	if count != 0 {
		t.Errorf("active count = %d, want 0", count)
	}
	if len(f.mirror.uris) != 0 {
		t.Errorf("mirror calls = %v, want none", f.mirror.uris)
	}
}

func TestConfirmSettlementActivates(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	l, err := f.coordinator.ConfirmSettlement(context.Background(), res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
		ChainID:   testChainID,
	})
	if err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}
	if l.Status != domain.ListingStatusActive {
		t.Errorf("status = %s, want ACTIVE", l.Status)
	}
}

func TestConfirmSettlementFailureCancelsAndClosesBidding(t *testing.T) {
	ctx := context.Background()
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	l, err := f.coordinator.ConfirmSettlement(ctx, res.ListingID, settlement.Outcome{
		Confirmed: false,
		Reason:    "user rejected",
	})
	if err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}
	if l.Status != domain.ListingStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", l.Status)
	}
	if l.CancelReason != "user rejected" {
		t.Errorf("cancel reason = %q", l.CancelReason)
	}

	ledger := NewBidLedger(f.listings, f.bids, nil, nil, testLogger())
	if _, err := ledger.PlaceBid(ctx, res.ListingID, "0xalice", 5.0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("bid on cancelled listing err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmSettlementRejectsWrongNetwork(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	_, err := f.coordinator.ConfirmSettlement(context.Background(), res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
		ChainID:   testChainID + 1,
	})
	if !errors.Is(err, domain.ErrWrongNetwork) {
		t.Fatalf("err = %v, want ErrWrongNetwork", err)
	}

	// The listing stays PENDING awaiting a valid confirmation.
	l, _ := f.listings.GetByID(context.Background(), res.ListingID)
	if l.Status != domain.ListingStatusPending {
		t.Errorf("status = %s, want PENDING", l.Status)
	}
}

func TestConfirmTimeoutCancels(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, 20*time.Millisecond)
	res := beginCreation(t, f)

	deadline := time.Now().Add(2 * time.Second)
	for {
		l, err := f.listings.GetByID(context.Background(), res.ListingID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if l.Status == domain.ListingStatusCancelled {
			if l.CancelReason != "settlement timeout" {
				t.Errorf("cancel reason = %q", l.CancelReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listing still %s after timeout window", l.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfirmBeatsTimeout(t *testing.T) {
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	l, err := f.coordinator.ConfirmSettlement(context.Background(), res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
	})
	if err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}
	if l.Status != domain.ListingStatusActive {
		t.Errorf("status = %s, want ACTIVE", l.Status)
	}
}

func TestConfirmPurchaseSettles(t *testing.T) {
	ctx := context.Background()
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	if _, err := f.coordinator.ConfirmSettlement(ctx, res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
	}); err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}

	l, err := f.coordinator.ConfirmPurchase(ctx, res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
	})
	if err != nil {
		t.Fatalf("ConfirmPurchase: %v", err)
	}
	if l.Status != domain.ListingStatusSettled {
		t.Errorf("status = %s, want SETTLED", l.Status)
	}
}

func TestConfirmPurchaseFailureLeavesListingActive(t *testing.T) {
	ctx := context.Background()
	f := newCoordFixture(t, &stubProvider{name: "stub", hash: "Qm"}, time.Minute)
	res := beginCreation(t, f)

	if _, err := f.coordinator.ConfirmSettlement(ctx, res.ListingID, settlement.Outcome{
		Confirmed: true,
		TxHash:    testTxHash,
	}); err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}

	l, err := f.coordinator.ConfirmPurchase(ctx, res.ListingID, settlement.Outcome{
		Confirmed: false,
		Reason:    "insufficient funds",
	})
	if err != nil {
		t.Fatalf("ConfirmPurchase: %v", err)
	}
	if l.Status != domain.ListingStatusActive {
		t.Errorf("status = %s, want ACTIVE", l.Status)
	}
}
