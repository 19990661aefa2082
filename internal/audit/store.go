package audit

import (
	"sync"
	"time"
)

const (
	defaultCapacity = 1000
	defaultLimit    = 50
)

// Entry is one assignment decision as seen by the service, including the
// ones that left the conversation queued.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	OrganizationID string    `json:"organizationId"`
	ConversationID string    `json:"conversationId"`
	AttendantID    string    `json:"attendantId,omitempty"`
	AssignmentID   string    `json:"assignmentId,omitempty"`
	Reason         string    `json:"reason"`
	Queued         bool      `json:"queued"`
	Candidates     int       `json:"candidates"`
	Eligible       int       `json:"eligible"`
	Attempts       int       `json:"attempts"`
}

type Store struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{capacity: capacity, entries: make([]Entry, 0, min(capacity, 200))}
}

func (s *Store) Add(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
}

// List returns up to limit entries, newest first. organizationID filters
// when non-empty.
func (s *Store) List(organizationID string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultLimit
	}
	result := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if organizationID != "" && s.entries[i].OrganizationID != organizationID {
			continue
		}
		result = append(result, s.entries[i])
	}
	return result
}
