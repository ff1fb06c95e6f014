package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	membus "chainmarket/internal/bus/memory"
	"chainmarket/internal/domain"
	"chainmarket/internal/store/memory"
)

// fakeCache is an in-memory domain.ListingCache that counts its hits.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]domain.Listing
	hits int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]domain.Listing)}
}

func (c *fakeCache) Get(_ context.Context, id string) (domain.Listing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.data[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	c.hits++
	return l, nil
}

func (c *fakeCache) Set(_ context.Context, l domain.Listing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[l.ID] = l
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

func TestGetListingPrimesAndConsultsCache(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	cache := newFakeCache()
	svc := NewListingService(listings, memory.NewBidStore(), cache, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)

	// Miss: falls back to the store and primes the cache.
	got, err := svc.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	if got.ID != l.ID {
		t.Errorf("listing = %+v", got)
	}
	if _, ok := cache.data[l.ID]; !ok {
		t.Fatal("cache not primed after miss")
	}

	// Hit: the cached copy is served without a store read.
	cached := cache.data[l.ID]
	cached.Title = "from cache"
	cache.data[l.ID] = cached

	got, err = svc.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	if got.Title != "from cache" {
		t.Errorf("title = %q, cache was not consulted", got.Title)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}
}

func TestGetListingUnknown(t *testing.T) {
	svc := NewListingService(memory.NewListingStore(), memory.NewBidStore(), nil, nil, testLogger())

	if _, err := svc.GetListing(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotReadsStoreNotCache(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	cache := newFakeCache()
	svc := NewListingService(listings, memory.NewBidStore(), cache, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)

	// Seed the cache with a stale copy; the snapshot must not serve it.
	stale := l
	stale.Version = l.Version - 1
	cache.data[l.ID] = stale

	snap, err := svc.Snapshot(ctx, l.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Listing.Version != l.Version {
		t.Errorf("snapshot version = %d, want store version %d", snap.Listing.Version, l.Version)
	}
	if snap.Bids == nil {
		t.Error("snapshot bids = nil, want empty slice")
	}
}

func TestUpdateAuthorizesSeller(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	cache := newFakeCache()
	svc := NewListingService(listings, memory.NewBidStore(), cache, nil, testLogger())

	l := newActiveListing(t, listings, 1.0)
	title := "renamed"

	if _, err := svc.Update(ctx, l.ID, "0xintruder", domain.ListingUpdate{Title: &title}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("intruder update err = %v, want ErrUnauthorized", err)
	}
	got, _ := listings.GetByID(ctx, l.ID)
	if got.Title != l.Title {
		t.Errorf("title changed by unauthorized update: %q", got.Title)
	}

	updated, err := svc.Update(ctx, l.ID, "0xseller", domain.ListingUpdate{Title: &title})
	if err != nil {
		t.Fatalf("seller update: %v", err)
	}
	if updated.Title != "renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if _, ok := cache.data[l.ID]; ok {
		t.Error("cache not invalidated after update")
	}
}

func TestUpdateUnknownListing(t *testing.T) {
	svc := NewListingService(memory.NewListingStore(), memory.NewBidStore(), nil, nil, testLogger())

	title := "x"
	if _, err := svc.Update(context.Background(), "missing", "0xseller", domain.ListingUpdate{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelAuthorizesAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listings := memory.NewListingStore()
	bus := membus.NewBus()
	svc := NewListingService(listings, memory.NewBidStore(), nil, bus, testLogger())

	l := newActiveListing(t, listings, 1.0)

	events, err := bus.Subscribe(ctx, domain.ListingChannelPattern)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := svc.Cancel(ctx, l.ID, "0xintruder", "mine now"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("intruder cancel err = %v, want ErrUnauthorized", err)
	}

	got, err := svc.Cancel(ctx, l.ID, "0xseller", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.ListingStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if got.CancelReason != "changed my mind" {
		t.Errorf("cancel reason = %q", got.CancelReason)
	}

	select {
	case payload := <-events:
		ev, err := domain.DecodeEvent(payload)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		if ev.Type != domain.EventStatusChanged || ev.ListingID != l.ID {
			t.Errorf("event = %+v", ev)
		}
		if ev.Version != got.Version || ev.Status != domain.ListingStatusCancelled {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestListActiveAndCount(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	svc := NewListingService(listings, memory.NewBidStore(), nil, nil, testLogger())

	newActiveListing(t, listings, 1.0)
	newActiveListing(t, listings, 2.0)

	got, err := svc.ListActive(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	count, err := svc.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
