package routing

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var ErrInvalidCriteria = errors.New("invalid selection criteria")

type Status string

const (
	StatusOnline   Status = "online"
	StatusBusy     Status = "busy"
	StatusAway     Status = "away"
	StatusOffline  Status = "offline"
	StatusBreak    Status = "break"
	StatusTraining Status = "training"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAway, StatusOffline, StatusBreak, StatusTraining:
		return true
	}
	return false
}

type Reason string

const (
	ReasonSelected      Reason = "selected"
	ReasonNoCandidates  Reason = "no-candidates"
	ReasonAllAtCapacity Reason = "all-at-capacity"
)

type Attendant struct {
	ID                     string
	OrganizationID         string
	Name                   string
	Status                 Status
	AutoAcceptEnabled      bool
	MaxConcurrentChats     int
	CurrentActiveChatCount int
	AvgResponseTimeSeconds float64
	SatisfactionScore      float64
	Skills                 []string
	CreatedAt              time.Time
}

// Criteria tunes the ordering. The zero value disables both performance
// keys; use DefaultCriteria for the standard behaviour.
type Criteria struct {
	PrioritizeByResponseTime   bool
	PrioritizeBySatisfaction   bool
	RequiredSkills             []string
	MaxConcurrentChatsOverride *int
}

func DefaultCriteria() Criteria {
	return Criteria{
		PrioritizeByResponseTime: true,
		PrioritizeBySatisfaction: true,
	}
}

func (c Criteria) Validate() error {
	if c.MaxConcurrentChatsOverride != nil && *c.MaxConcurrentChatsOverride <= 0 {
		return fmt.Errorf("%w: maxConcurrentChatsOverride must be greater than 0", ErrInvalidCriteria)
	}
	for idx, skill := range c.RequiredSkills {
		if strings.TrimSpace(skill) == "" {
			return fmt.Errorf("%w: requiredSkills[%d] is blank", ErrInvalidCriteria, idx)
		}
	}
	return nil
}

// EffectiveMax is the capacity limit applied to attendant for this decision.
func (c Criteria) EffectiveMax(attendant Attendant) int {
	if c.MaxConcurrentChatsOverride != nil {
		return *c.MaxConcurrentChatsOverride
	}
	return attendant.MaxConcurrentChats
}

type Decision struct {
	Selected    bool
	AttendantID string
	Attendant   Attendant
	Reason      Reason
	Considered  int
	Eligible    int
}

// SelectBestAttendant picks the attendant that should receive a new
// conversation. Running out of attendants is reported through
// Decision.Reason; an error is only returned for malformed criteria.
func SelectBestAttendant(candidates []Attendant, criteria Criteria) (Decision, error) {
	ranked, decision, err := rank(candidates, criteria)
	if err != nil {
		return Decision{}, err
	}
	if len(ranked) == 0 {
		return decision, nil
	}

	best := ranked[0]
	decision.Selected = true
	decision.AttendantID = best.ID
	decision.Attendant = best
	decision.Reason = ReasonSelected
	return decision, nil
}

// Rank returns every attendant with spare capacity, best first.
func Rank(candidates []Attendant, criteria Criteria) ([]Attendant, error) {
	ranked, _, err := rank(candidates, criteria)
	return ranked, err
}

func rank(candidates []Attendant, criteria Criteria) ([]Attendant, Decision, error) {
	if err := criteria.Validate(); err != nil {
		return nil, Decision{}, err
	}

	decision := Decision{Considered: len(candidates)}

	available := make([]Attendant, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Status == StatusOnline && candidate.AutoAcceptEnabled {
			available = append(available, candidate)
		}
	}
	if len(available) == 0 {
		decision.Reason = ReasonNoCandidates
		return nil, decision, nil
	}

	eligible := make([]Attendant, 0, len(available))
	for _, candidate := range available {
		if candidate.CurrentActiveChatCount < criteria.EffectiveMax(candidate) {
			eligible = append(eligible, candidate)
		}
	}
	decision.Eligible = len(eligible)
	if len(eligible) == 0 {
		decision.Reason = ReasonAllAtCapacity
		return nil, decision, nil
	}

	required := skillSet(criteria.RequiredSkills)
	slices.SortFunc(eligible, func(a, b Attendant) int {
		return compareAttendants(a, b, criteria, required)
	})
	return eligible, decision, nil
}

func compareAttendants(a, b Attendant, criteria Criteria, required map[string]struct{}) int {
	if c := cmp.Compare(a.CurrentActiveChatCount, b.CurrentActiveChatCount); c != 0 {
		return c
	}
	if criteria.PrioritizeByResponseTime {
		if c := cmp.Compare(a.AvgResponseTimeSeconds, b.AvgResponseTimeSeconds); c != 0 {
			return c
		}
	}
	if criteria.PrioritizeBySatisfaction {
		if c := cmp.Compare(b.SatisfactionScore, a.SatisfactionScore); c != 0 {
			return c
		}
	}
	if len(required) > 0 {
		if c := cmp.Compare(matchedSkills(b.Skills, required), matchedSkills(a.Skills, required)); c != 0 {
			return c
		}
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func skillSet(skills []string) map[string]struct{} {
	if len(skills) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(skills))
	for _, skill := range skills {
		set[normalizeSkill(skill)] = struct{}{}
	}
	return set
}

// matchedSkills counts distinct required tags the attendant carries.
func matchedSkills(skills []string, required map[string]struct{}) int {
	seen := make(map[string]struct{}, len(skills))
	for _, skill := range skills {
		key := normalizeSkill(skill)
		if _, ok := required[key]; ok {
			seen[key] = struct{}{}
		}
	}
	return len(seen)
}

func normalizeSkill(skill string) string {
	return strings.ToLower(strings.TrimSpace(skill))
}
