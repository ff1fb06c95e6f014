package domain

import "time"

// ListingStatus represents the lifecycle state of a listing.
type ListingStatus string

const (
	ListingStatusPending   ListingStatus = "PENDING"
	ListingStatusActive    ListingStatus = "ACTIVE"
	ListingStatusSettled   ListingStatus = "SETTLED"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ListingStatus) Terminal() bool {
	return s == ListingStatusSettled || s == ListingStatusCancelled
}

// Listing represents one item offered for sale. The ID is assigned at
// creation and doubles as the settlement-layer token reference. CurrentPrice
// never decreases while the listing is ACTIVE, and Version strictly increases
// on every accepted bid or status transition.
type Listing struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	MetadataURI  string        `json:"metadataUri"`
	CurrentPrice float64       `json:"currentPrice"`
	Status       ListingStatus `json:"status"`
	SellerRef    string        `json:"sellerRef"`
	Version      int64         `json:"version"`
	CancelReason string        `json:"cancelReason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// PendingSpec carries the validated fields needed to persist a new PENDING
// listing. MetadataURI must already point at the pinned metadata document.
type PendingSpec struct {
	Title       string
	Description string
	Price       float64
	SellerRef   string
	MetadataURI string
}

// ListingUpdate carries the seller-editable fields of a listing. Nil fields
// are left unchanged.
type ListingUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}
