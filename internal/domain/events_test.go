package domain

import "testing"

func TestVersionGateAdmitsOnlyAdvancingVersions(t *testing.T) {
	g := NewVersionGate()

	if !g.Admit("l1", 1) {
		t.Error("first version rejected")
	}
	if g.Admit("l1", 1) {
		t.Error("duplicate version admitted")
	}
	if !g.Admit("l1", 3) {
		t.Error("advancing version rejected")
	}
	if g.Admit("l1", 2) {
		t.Error("stale version admitted after a later one")
	}

	// Listings are gated independently.
	if !g.Admit("l2", 1) {
		t.Error("fresh listing rejected")
	}
}

func TestVersionGateObserveSeedsWithoutAdvancing(t *testing.T) {
	g := NewVersionGate()

	g.Observe("l1", 5)
	if g.Admit("l1", 5) {
		t.Error("snapshot version admitted as an event")
	}
	if g.Admit("l1", 4) {
		t.Error("pre-snapshot event admitted")
	}
	if !g.Admit("l1", 6) {
		t.Error("post-snapshot event rejected")
	}

	// Observe never regresses the gate.
	g.Observe("l1", 2)
	if g.Admit("l1", 5) {
		t.Error("gate regressed by a stale snapshot")
	}
}

func TestVersionGateForget(t *testing.T) {
	g := NewVersionGate()

	g.Observe("l1", 10)
	g.Forget("l1")
	if !g.Admit("l1", 1) {
		t.Error("gate retained state after Forget")
	}
}

func TestEventRoundTrip(t *testing.T) {
	bid := &Bid{ID: "b1", ListingID: "l1", Amount: 1.5, SupersededVersion: 2}
	ev := Event{
		Type:      EventNewBid,
		ListingID: "l1",
		Version:   3,
		Price:     1.5,
		Bid:       bid,
	}

	payload, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.Type != EventNewBid || got.ListingID != "l1" || got.Version != 3 {
		t.Errorf("decoded envelope = %+v", got)
	}
	if got.Bid == nil || got.Bid.ID != "b1" {
		t.Errorf("decoded bid = %+v", got.Bid)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte("{not json")); err == nil {
		t.Error("expected an error for malformed payload")
	}
}
