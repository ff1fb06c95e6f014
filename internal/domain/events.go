package domain

import (
	"encoding/json"
	"fmt"
	"sync"
)

// EventType identifies the kind of a listing event as it appears on the wire.
type EventType string

const (
	// EventPriceChanged is pushed when an accepted bid raises the price.
	EventPriceChanged EventType = "listing_update"

	// EventNewBid is pushed alongside a price change with the accepted bid.
	EventNewBid EventType = "new_bid"

	// EventStatusChanged is pushed on a listing lifecycle transition.
	EventStatusChanged EventType = "listing_status"
)

// Event is the envelope delivered to listing subscribers. Every event carries
// the resulting listing version so observers can discard out-of-order or
// duplicate deliveries.
type Event struct {
	Type      EventType     `json:"type"`
	ListingID string        `json:"listingId"`
	Version   int64         `json:"version"`
	Price     float64       `json:"price,omitempty"`
	Status    ListingStatus `json:"status,omitempty"`
	Bid       *Bid          `json:"bid,omitempty"`
}

// Encode marshals the event for transport.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("domain: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent unmarshals an event payload received from the bus.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("domain: decode event: %w", err)
	}
	return e, nil
}

// ListingChannel returns the bus channel name carrying events for a listing.
func ListingChannel(listingID string) string {
	return "listing:" + listingID
}

// ListingChannelPattern matches the event channels of all listings.
const ListingChannelPattern = "listing:*"

// VersionGate tracks the highest listing version seen per listing and admits
// only events that strictly advance it. Observers feed every delivery through
// a gate so duplicates and reordered frames never regress their local view.
type VersionGate struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewVersionGate creates an empty gate.
func NewVersionGate() *VersionGate {
	return &VersionGate{last: make(map[string]int64)}
}

// Admit reports whether version advances the listing's highest seen version,
// recording it when it does.
func (g *VersionGate) Admit(listingID string, version int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if version <= g.last[listingID] {
		return false
	}
	g.last[listingID] = version
	return true
}

// Observe seeds the gate with a snapshot version without requiring it to
// advance, so events older than the snapshot are rejected.
func (g *VersionGate) Observe(listingID string, version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if version > g.last[listingID] {
		g.last[listingID] = version
	}
}

// Forget drops gate state for a listing, e.g. after leaving its group.
func (g *VersionGate) Forget(listingID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, listingID)
}
