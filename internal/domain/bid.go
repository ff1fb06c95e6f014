package domain

import "time"

// Bid is an accepted offer against an active listing. Bids are immutable and
// append-only; SupersededVersion records the listing version the price
// comparison ran against, so the full bid history can be replayed in order.
type Bid struct {
	ID                string    `json:"id"`
	ListingID         string    `json:"listingId"`
	BidderRef         string    `json:"bidderRef"`
	Amount            float64   `json:"amount"`
	AcceptedAt        time.Time `json:"acceptedAt"`
	SupersededVersion int64     `json:"supersededVersion"`
}
