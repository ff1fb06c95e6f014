package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chainmarket/internal/domain"
	"chainmarket/internal/market"
	"chainmarket/internal/settlement"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubListings implements ListingService with scripted responses.
type stubListings struct {
	snapshot market.Snapshot
	snapErr  error

	active   []domain.Listing
	total    int64
	listErr  error

	mutated domain.Listing
	mutErr  error
}

func (s *stubListings) Snapshot(context.Context, string) (market.Snapshot, error) {
	return s.snapshot, s.snapErr
}

func (s *stubListings) ListActive(context.Context, domain.ListOpts) ([]domain.Listing, error) {
	return s.active, s.listErr
}

func (s *stubListings) CountActive(context.Context) (int64, error) {
	return s.total, s.listErr
}

func (s *stubListings) Update(_ context.Context, _, _ string, _ domain.ListingUpdate) (domain.Listing, error) {
	return s.mutated, s.mutErr
}

func (s *stubListings) Cancel(_ context.Context, _, _, reason string) (domain.Listing, error) {
	if s.mutErr != nil {
		return domain.Listing{}, s.mutErr
	}
	l := s.mutated
	l.CancelReason = reason
	return l, nil
}

// stubBids implements BidPlacer.
type stubBids struct {
	bid domain.Bid
	err error

	gotListing string
	gotBidder  string
	gotAmount  float64
}

func (s *stubBids) PlaceBid(_ context.Context, listingID, bidderRef string, amount float64) (domain.Bid, error) {
	s.gotListing, s.gotBidder, s.gotAmount = listingID, bidderRef, amount
	return s.bid, s.err
}

// stubCreation implements CreationFlow.
type stubCreation struct {
	result  market.CreationResult
	listing domain.Listing
	err     error

	gotSpec    market.CreationSpec
	gotOutcome settlement.Outcome
}

func (s *stubCreation) BeginCreation(_ context.Context, spec market.CreationSpec) (market.CreationResult, error) {
	s.gotSpec = spec
	return s.result, s.err
}

func (s *stubCreation) ConfirmSettlement(_ context.Context, _ string, o settlement.Outcome) (domain.Listing, error) {
	s.gotOutcome = o
	return s.listing, s.err
}

func (s *stubCreation) ConfirmPurchase(_ context.Context, _ string, o settlement.Outcome) (domain.Listing, error) {
	s.gotOutcome = o
	return s.listing, s.err
}

func listingMux(listings ListingService, bids BidPlacer, creation CreationFlow) *http.ServeMux {
	h := NewListingHandler(listings, bids, creation, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/listings", h.CreateListing)
	mux.HandleFunc("GET /api/listings", h.ListListings)
	mux.HandleFunc("GET /api/listings/{id}", h.GetListing)
	mux.HandleFunc("PUT /api/listings/{id}", h.UpdateListing)
	mux.HandleFunc("DELETE /api/listings/{id}", h.CancelListing)
	mux.HandleFunc("POST /api/listings/{id}/bid", h.PlaceBid)
	mux.HandleFunc("POST /api/listings/{id}/confirm", h.ConfirmSettlement)
	mux.HandleFunc("POST /api/listings/{id}/purchase", h.ConfirmPurchase)
	return mux
}

func multipartCreation(t *testing.T, title, price string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if title != "" {
		w.WriteField("title", title)
	}
	if price != "" {
		w.WriteField("price", price)
	}
	part, err := w.CreateFormFile("file", "metadata.json")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(`{"name":"x"}`))
	w.Close()
	return body, w.FormDataContentType()
}

func TestCreateListing(t *testing.T) {
	creation := &stubCreation{result: market.CreationResult{
		ListingID:   "l1",
		MetadataURI: "ipfs://QmX",
		Status:      "PENDING",
	}}
	mux := listingMux(&stubListings{}, &stubBids{}, creation)

	body, contentType := multipartCreation(t, "painting", "1.5")
	req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Wallet-Address", "0xseller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var res market.CreationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ListingID != "l1" || res.MetadataURI != "ipfs://QmX" {
		t.Errorf("result = %+v", res)
	}
	if creation.gotSpec.SellerRef != "0xseller" || creation.gotSpec.Title != "painting" || creation.gotSpec.Price != 1.5 {
		t.Errorf("spec = %+v", creation.gotSpec)
	}
	if string(creation.gotSpec.File) != `{"name":"x"}` {
		t.Errorf("file = %q", creation.gotSpec.File)
	}
}

func TestCreateListingRequiresWallet(t *testing.T) {
	mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{})

	body, contentType := multipartCreation(t, "painting", "1.5")
	req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateListingValidation(t *testing.T) {
	tests := []struct {
		name  string
		title string
		price string
	}{
		{"missing title", "", "1.5"},
		{"missing price", "painting", ""},
		{"negative price", "painting", "-1"},
		{"non-numeric price", "painting", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{})

			body, contentType := multipartCreation(t, tt.title, tt.price)
			req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("X-Wallet-Address", "0xseller")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateListingPinningUnavailable(t *testing.T) {
	mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{err: domain.ErrPinningUnavailable})

	body, contentType := multipartCreation(t, "painting", "1.5")
	req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Wallet-Address", "0xseller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestListListings(t *testing.T) {
	listings := &stubListings{
		active: []domain.Listing{{ID: "l1"}, {ID: "l2"}},
		total:  7,
	}
	mux := listingMux(listings, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodGet, "/api/listings?limit=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var res struct {
		Listings []domain.Listing `json:"listings"`
		Total    int64            `json:"total"`
		Limit    int              `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Listings) != 2 || res.Total != 7 || res.Limit != 2 {
		t.Errorf("response = %+v", res)
	}
}

func TestListListingsRejectsOtherStatuses(t *testing.T) {
	mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodGet, "/api/listings?status=PENDING", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetListing(t *testing.T) {
	listings := &stubListings{snapshot: market.Snapshot{
		Listing: domain.Listing{ID: "l1", Version: 3},
		Bids:    []domain.Bid{{ID: "b1"}},
	}}
	mux := listingMux(listings, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodGet, "/api/listings/l1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Listing.Version != 3 || len(snap.Bids) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestGetListingNotFound(t *testing.T) {
	mux := listingMux(&stubListings{snapErr: domain.ErrNotFound}, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodGet, "/api/listings/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPlaceBid(t *testing.T) {
	bids := &stubBids{bid: domain.Bid{ID: "b1", ListingID: "l1", Amount: 2.5}}
	mux := listingMux(&stubListings{}, bids, &stubCreation{})

	req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/bid", strings.NewReader(`{"amount":2.5}`))
	req.Header.Set("X-Wallet-Address", "0xbidder")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if bids.gotListing != "l1" || bids.gotBidder != "0xbidder" || bids.gotAmount != 2.5 {
		t.Errorf("PlaceBid called with (%q, %q, %v)", bids.gotListing, bids.gotBidder, bids.gotAmount)
	}
}

func TestPlaceBidErrors(t *testing.T) {
	tests := []struct {
		name       string
		wallet     string
		body       string
		err        error
		wantStatus int
	}{
		{"missing wallet", "", `{"amount":2.5}`, nil, http.StatusUnauthorized},
		{"bad body", "0xbidder", `{`, nil, http.StatusBadRequest},
		{"non-positive amount", "0xbidder", `{"amount":0}`, nil, http.StatusBadRequest},
		{"not found", "0xbidder", `{"amount":2.5}`, domain.ErrNotFound, http.StatusNotFound},
		{"bid too low", "0xbidder", `{"amount":2.5}`, domain.ErrBidTooLow, http.StatusUnprocessableEntity},
		{"closed listing", "0xbidder", `{"amount":2.5}`, domain.ErrInvalidTransition, http.StatusConflict},
		{"contention", "0xbidder", `{"amount":2.5}`, domain.ErrTooManyConflicts, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := listingMux(&stubListings{}, &stubBids{err: tt.err}, &stubCreation{})

			req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/bid", strings.NewReader(tt.body))
			if tt.wallet != "" {
				req.Header.Set("X-Wallet-Address", tt.wallet)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestConfirmSettlement(t *testing.T) {
	creation := &stubCreation{listing: domain.Listing{ID: "l1", Status: domain.ListingStatusActive}}
	mux := listingMux(&stubListings{}, &stubBids{}, creation)

	body := `{"confirmed":true,"txHash":"0xabc","chainId":31337}`
	req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/confirm", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !creation.gotOutcome.Confirmed || creation.gotOutcome.TxHash != "0xabc" || creation.gotOutcome.ChainID != 31337 {
		t.Errorf("outcome = %+v", creation.gotOutcome)
	}
}

func TestConfirmErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"malformed outcome", domain.ErrMalformedOutcome, http.StatusBadRequest},
		{"wrong network", domain.ErrWrongNetwork, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"already closed", domain.ErrInvalidTransition, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/purchase",
				strings.NewReader(`{"confirmed":true}`))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestUpdateListing(t *testing.T) {
	listings := &stubListings{mutated: domain.Listing{ID: "l1", Title: "new title"}}
	mux := listingMux(listings, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodPut, "/api/listings/l1", strings.NewReader(`{"title":"new title"}`))
	req.Header.Set("X-Wallet-Address", "0xseller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestUpdateListingEmptyBody(t *testing.T) {
	mux := listingMux(&stubListings{}, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodPut, "/api/listings/l1", strings.NewReader(`{}`))
	req.Header.Set("X-Wallet-Address", "0xseller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpdateListingWrongSeller(t *testing.T) {
	mux := listingMux(&stubListings{mutErr: domain.ErrUnauthorized}, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodPut, "/api/listings/l1", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("X-Wallet-Address", "0xintruder")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestCancelListing(t *testing.T) {
	listings := &stubListings{mutated: domain.Listing{ID: "l1", Status: domain.ListingStatusCancelled}}
	mux := listingMux(listings, &stubBids{}, &stubCreation{})

	req := httptest.NewRequest(http.MethodDelete, "/api/listings/l1?reason=moved+on", nil)
	req.Header.Set("X-Wallet-Address", "0xseller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var l domain.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.CancelReason != "moved on" {
		t.Errorf("cancel reason = %q", l.CancelReason)
	}
}
