package audit

import (
	"strconv"
	"testing"
	"time"
)

func TestStoreListNewestFirst(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.Add(Entry{Timestamp: base.Add(time.Duration(i) * time.Second), ConversationID: "c" + strconv.Itoa(i)})
	}

	entries := store.List("", 2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ConversationID != "c2" || entries[1].ConversationID != "c1" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	store := NewStore(3)
	for i := 0; i < 5; i++ {
		store.Add(Entry{ConversationID: "c" + strconv.Itoa(i)})
	}

	entries := store.List("", 0)
	if len(entries) != 3 {
		t.Fatalf("expected capacity to cap entries at 3, got %d", len(entries))
	}
	if entries[2].ConversationID != "c2" {
		t.Fatalf("expected c2 to be the oldest kept entry, got %s", entries[2].ConversationID)
	}
}

func TestStoreFiltersByOrganization(t *testing.T) {
	store := NewStore(0)
	store.Add(Entry{OrganizationID: "acme", ConversationID: "a1"})
	store.Add(Entry{OrganizationID: "globex", ConversationID: "g1"})
	store.Add(Entry{OrganizationID: "acme", ConversationID: "a2"})

	entries := store.List("acme", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 acme entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.OrganizationID != "acme" {
			t.Fatalf("unexpected organization %s", entry.OrganizationID)
		}
	}
}
