package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"chainmarket/internal/domain"
	"chainmarket/internal/market"
	"chainmarket/internal/settlement"
)

// maxMetadataUpload caps the size of the metadata file accepted on creation.
const maxMetadataUpload = 16 << 20

// ListingService defines the read and seller-mutation methods the listing
// handler requires from the service layer. It is declared locally so the
// handler package does not depend on the concrete service implementation.
type ListingService interface {
	Snapshot(ctx context.Context, id string) (market.Snapshot, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error)
	CountActive(ctx context.Context) (int64, error)
	Update(ctx context.Context, id, sellerRef string, upd domain.ListingUpdate) (domain.Listing, error)
	Cancel(ctx context.Context, id, sellerRef, reason string) (domain.Listing, error)
}

// BidPlacer accepts bids against active listings.
type BidPlacer interface {
	PlaceBid(ctx context.Context, listingID, bidderRef string, amount float64) (domain.Bid, error)
}

// CreationFlow drives listing creation and settlement confirmation.
type CreationFlow interface {
	BeginCreation(ctx context.Context, spec market.CreationSpec) (market.CreationResult, error)
	ConfirmSettlement(ctx context.Context, listingID string, outcome settlement.Outcome) (domain.Listing, error)
	ConfirmPurchase(ctx context.Context, listingID string, outcome settlement.Outcome) (domain.Listing, error)
}

// ListingHandler serves the listing HTTP endpoints.
type ListingHandler struct {
	listings ListingService
	bids     BidPlacer
	creation CreationFlow
	logger   *slog.Logger
}

// NewListingHandler creates a ListingHandler with the given collaborators.
func NewListingHandler(listings ListingService, bids BidPlacer, creation CreationFlow, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		listings: listings,
		bids:     bids,
		creation: creation,
		logger:   logger,
	}
}

// listListingsResponse wraps the list endpoint output with metadata.
type listListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// CreateListing accepts a multipart creation request, pins the metadata file,
// and records a PENDING listing awaiting settlement confirmation.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	seller := actorRef(r)
	if seller == "" {
		writeError(w, http.StatusUnauthorized, "missing wallet address")
		return
	}

	if err := r.ParseMultipartForm(maxMetadataUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "missing title")
		return
	}
	price, err := strconv.ParseFloat(r.FormValue("price"), 64)
	if err != nil || price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be a positive number")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing metadata file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxMetadataUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read metadata file")
		return
	}
	if len(data) > maxMetadataUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "metadata file too large")
		return
	}

	res, err := h.creation.BeginCreation(r.Context(), market.CreationSpec{
		Title:       title,
		Description: r.FormValue("description"),
		Price:       price,
		SellerRef:   seller,
		FileName:    header.Filename,
		File:        data,
	})
	if err != nil {
		if errors.Is(err, domain.ErrPinningUnavailable) {
			writeError(w, http.StatusBadGateway, "metadata pinning unavailable")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create listing failed",
			slog.String("seller_ref", seller),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create listing")
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// ListListings returns active listings with pagination.
// GET /api/listings?limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	if s := r.URL.Query().Get("status"); s != "" && s != string(domain.ListingStatusActive) {
		writeError(w, http.StatusBadRequest, "only ACTIVE listings are listable")
		return
	}
	opts := parseListOpts(r)

	listings, err := h.listings.ListActive(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list listings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	if listings == nil {
		listings = []domain.Listing{}
	}

	total, err := h.listings.CountActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count listings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count listings")
		return
	}

	writeJSON(w, http.StatusOK, listListingsResponse{
		Listings: listings,
		Total:    total,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// GetListing returns a single listing with its most recent bids.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}

	snap, err := h.listings.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get listing failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// placeBidRequest is the body of a bid submission.
type placeBidRequest struct {
	Amount float64 `json:"amount"`
}

// PlaceBid submits a bid against an active listing.
// POST /api/listings/{id}/bid
func (h *ListingHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	bidder := actorRef(r)
	if bidder == "" {
		writeError(w, http.StatusUnauthorized, "missing wallet address")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}

	bid, err := h.bids.PlaceBid(r.Context(), id, bidder, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "listing not found")
		case errors.Is(err, domain.ErrBidTooLow):
			writeError(w, http.StatusUnprocessableEntity, "bid must exceed the current price")
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "listing is no longer accepting bids")
		case errors.Is(err, domain.ErrTooManyConflicts):
			writeError(w, http.StatusConflict, "listing is under heavy contention, retry")
		default:
			h.logger.ErrorContext(r.Context(), "handler: place bid failed",
				slog.String("listing_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to place bid")
		}
		return
	}

	writeJSON(w, http.StatusCreated, bid)
}

// ConfirmSettlement records the reported outcome of the listing-creation
// transaction, activating or cancelling the PENDING listing.
// POST /api/listings/{id}/confirm
func (h *ListingHandler) ConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, h.creation.ConfirmSettlement)
}

// ConfirmPurchase records the reported outcome of a purchase transaction,
// settling the listing when confirmed.
// POST /api/listings/{id}/purchase
func (h *ListingHandler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, h.creation.ConfirmPurchase)
}

func (h *ListingHandler) confirm(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, string, settlement.Outcome) (domain.Listing, error),
) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}

	var outcome settlement.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	l, err := apply(r.Context(), id, outcome)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "listing not found")
		case errors.Is(err, domain.ErrMalformedOutcome):
			writeError(w, http.StatusBadRequest, "malformed settlement outcome")
		case errors.Is(err, domain.ErrWrongNetwork):
			writeError(w, http.StatusBadRequest, "outcome reported from the wrong network")
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "listing cannot transition from its current state")
		default:
			h.logger.ErrorContext(r.Context(), "handler: settlement confirmation failed",
				slog.String("listing_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to record settlement outcome")
		}
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// UpdateListing applies seller edits to the listing's title or description.
// PUT /api/listings/{id}
func (h *ListingHandler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	seller := actorRef(r)
	if seller == "" {
		writeError(w, http.StatusUnauthorized, "missing wallet address")
		return
	}

	var upd domain.ListingUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Title == nil && upd.Description == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	l, err := h.listings.Update(r.Context(), id, seller, upd)
	if err != nil {
		h.writeMutationError(w, r, id, "update", err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// CancelListing cancels the listing on the seller's request.
// DELETE /api/listings/{id}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	seller := actorRef(r)
	if seller == "" {
		writeError(w, http.StatusUnauthorized, "missing wallet address")
		return
	}

	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "cancelled by seller"
	}

	l, err := h.listings.Cancel(r.Context(), id, seller, reason)
	if err != nil {
		h.writeMutationError(w, r, id, "cancel", err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// writeMutationError maps seller-mutation failures to HTTP status codes.
func (h *ListingHandler) writeMutationError(w http.ResponseWriter, r *http.Request, id, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "only the seller may modify this listing")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "listing cannot transition from its current state")
	default:
		h.logger.ErrorContext(r.Context(), "handler: listing "+op+" failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op+" listing")
	}
}

// actorRef extracts the caller's wallet address from the X-Wallet-Address
// header. Mutating endpoints require it; reads do not.
func actorRef(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Wallet-Address"))
}
