package routing

import (
	"sync"
	"time"
)

// StatsCache smooths stored performance figures for the same attendant
// across consecutive decisions. Entries are keyed by organization and
// attendant, so callers must only merge attendants read from storage for an
// organization they resolved themselves. Loads are never cached: they must
// come from the snapshot fetched for this decision.
type StatsCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	stats map[string]statsEntry
}

type statsEntry struct {
	avgResponseTimeSeconds float64
	satisfactionScore      float64
	updatedAt              time.Time
}

func NewStatsCache(ttl time.Duration) *StatsCache {
	return &StatsCache{
		ttl:   ttl,
		stats: make(map[string]statsEntry),
	}
}

func (c *StatsCache) Merge(attendants []Attendant, now time.Time) []Attendant {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]Attendant, 0, len(attendants))
	for _, attendant := range attendants {
		key := attendant.OrganizationID + "/" + attendant.ID
		if cached, ok := c.stats[key]; ok && now.Sub(cached.updatedAt) <= c.ttl {
			attendant.AvgResponseTimeSeconds = (attendant.AvgResponseTimeSeconds + cached.avgResponseTimeSeconds) / 2
			attendant.SatisfactionScore = (attendant.SatisfactionScore + cached.satisfactionScore) / 2
		}

		c.stats[key] = statsEntry{
			avgResponseTimeSeconds: attendant.AvgResponseTimeSeconds,
			satisfactionScore:      attendant.SatisfactionScore,
			updatedAt:              now,
		}
		merged = append(merged, attendant)
	}
	return merged
}

// Len reports how many attendants currently have cached figures.
func (c *StatsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stats)
}

// Prune drops entries older than the TTL.
func (c *StatsCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.stats {
		if now.Sub(entry.updatedAt) > c.ttl {
			delete(c.stats, key)
			removed++
		}
	}
	return removed
}
