package routing

import (
	"testing"
	"time"
)

func TestStatsCacheMergeSmoothsWithinTTL(t *testing.T) {
	cache := NewStatsCache(30 * time.Second)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	first := attendant("a", 1)
	first.AvgResponseTimeSeconds = 40
	first.SatisfactionScore = 4
	cache.Merge([]Attendant{first}, now)

	second := attendant("a", 3)
	second.AvgResponseTimeSeconds = 20
	second.SatisfactionScore = 5
	merged := cache.Merge([]Attendant{second}, now.Add(10*time.Second))

	if merged[0].AvgResponseTimeSeconds != 30 {
		t.Fatalf("expected smoothed response time 30, got %v", merged[0].AvgResponseTimeSeconds)
	}
	if merged[0].SatisfactionScore != 4.5 {
		t.Fatalf("expected smoothed satisfaction 4.5, got %v", merged[0].SatisfactionScore)
	}
	if merged[0].CurrentActiveChatCount != 3 {
		t.Fatalf("load must come from the snapshot, got %d", merged[0].CurrentActiveChatCount)
	}
}

func TestStatsCacheIgnoresExpiredEntries(t *testing.T) {
	cache := NewStatsCache(30 * time.Second)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	old := attendant("a", 0)
	old.AvgResponseTimeSeconds = 100
	cache.Merge([]Attendant{old}, now)

	fresh := attendant("a", 0)
	fresh.AvgResponseTimeSeconds = 10
	merged := cache.Merge([]Attendant{fresh}, now.Add(time.Minute))
	if merged[0].AvgResponseTimeSeconds != 10 {
		t.Fatalf("expected expired entry to be ignored, got %v", merged[0].AvgResponseTimeSeconds)
	}
}

func TestStatsCacheKeysByOrganization(t *testing.T) {
	cache := NewStatsCache(time.Minute)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	acme := attendant("a", 0)
	acme.OrganizationID = "acme"
	acme.AvgResponseTimeSeconds = 100
	cache.Merge([]Attendant{acme}, now)

	globex := attendant("a", 0)
	globex.OrganizationID = "globex"
	globex.AvgResponseTimeSeconds = 10
	merged := cache.Merge([]Attendant{globex}, now)
	if merged[0].AvgResponseTimeSeconds != 10 {
		t.Fatalf("expected organizations to be isolated, got %v", merged[0].AvgResponseTimeSeconds)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", cache.Len())
	}
}

func TestStatsCachePrune(t *testing.T) {
	cache := NewStatsCache(30 * time.Second)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	cache.Merge([]Attendant{attendant("a", 0)}, now)
	cache.Merge([]Attendant{attendant("b", 0)}, now.Add(45*time.Second))

	if removed := cache.Prune(now.Add(time.Minute)); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", cache.Len())
	}
}
