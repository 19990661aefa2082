// Package snapshot holds the JSON shape of a selection input: a list of
// attendants with their current load and optional criteria overrides. The
// HTTP selection endpoint and the select command both decode through it.
package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
)

// ErrInvalid is matched by every decoding and validation error.
var ErrInvalid = errors.New("invalid snapshot")

type fieldError struct{ message string }

func (e *fieldError) Error() string        { return e.message }
func (e *fieldError) Is(target error) bool { return target == ErrInvalid }

// Invalid returns an error matching ErrInvalid with the given message.
func Invalid(message string) error {
	return &fieldError{message: message}
}

type Attendant struct {
	ID                     string    `json:"id"`
	OrganizationID         string    `json:"organizationId"`
	Name                   string    `json:"name"`
	Status                 string    `json:"status"`
	AutoAcceptEnabled      bool      `json:"autoAcceptEnabled"`
	MaxConcurrentChats     int       `json:"maxConcurrentChats"`
	CurrentActiveChatCount int       `json:"currentActiveChatCount"`
	AvgResponseTime        float64   `json:"avgResponseTime"`
	SatisfactionScore      float64   `json:"satisfactionScore"`
	Skills                 []string  `json:"skills"`
	CreatedAt              time.Time `json:"createdAt"`
}

type Criteria struct {
	PrioritizeByResponseTime   *bool    `json:"prioritizeByResponseTime"`
	PrioritizeBySatisfaction   *bool    `json:"prioritizeBySatisfaction"`
	RequiredSkills             []string `json:"requiredSkills"`
	MaxConcurrentChatsOverride *int     `json:"maxConcurrentChatsOverride"`
}

type Request struct {
	Attendants []Attendant `json:"attendants"`
	Criteria   Criteria    `json:"criteria"`
}

// Decode reads exactly one JSON request from r, rejecting unknown fields and
// trailing data, and validates it.
func Decode(r io.Reader) (Request, error) {
	var req Request
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return Request{}, Invalid(err.Error())
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return Request{}, Invalid("unexpected data after json body")
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (req Request) Validate() error {
	for idx, attendant := range req.Attendants {
		if err := attendant.Validate("attendants[" + strconv.Itoa(idx) + "]"); err != nil {
			return err
		}
	}
	return nil
}

// RoutingAttendants converts the request into selector input.
func (req Request) RoutingAttendants() []routing.Attendant {
	attendants := make([]routing.Attendant, 0, len(req.Attendants))
	for _, attendant := range req.Attendants {
		attendants = append(attendants, attendant.ToRouting())
	}
	return attendants
}

// Validate checks a single attendant; prefix names it in error messages.
func (a Attendant) Validate(prefix string) error {
	if strings.TrimSpace(a.ID) == "" {
		return Invalid(prefix + ".id is required")
	}
	if !routing.Status(a.Status).Valid() {
		return Invalid(prefix + ".status must be one of online, busy, away, offline, break, training")
	}
	if a.MaxConcurrentChats <= 0 {
		return Invalid(prefix + ".maxConcurrentChats must be greater than 0")
	}
	if a.CurrentActiveChatCount < 0 {
		return Invalid(prefix + ".currentActiveChatCount must be >= 0")
	}
	if a.AvgResponseTime < 0 {
		return Invalid(prefix + ".avgResponseTime must be >= 0")
	}
	if a.SatisfactionScore < 0 {
		return Invalid(prefix + ".satisfactionScore must be >= 0")
	}
	return nil
}

func (a Attendant) ToRouting() routing.Attendant {
	return routing.Attendant{
		ID:                     a.ID,
		OrganizationID:         a.OrganizationID,
		Name:                   a.Name,
		Status:                 routing.Status(a.Status),
		AutoAcceptEnabled:      a.AutoAcceptEnabled,
		MaxConcurrentChats:     a.MaxConcurrentChats,
		CurrentActiveChatCount: a.CurrentActiveChatCount,
		AvgResponseTimeSeconds: a.AvgResponseTime,
		SatisfactionScore:      a.SatisfactionScore,
		Skills:                 a.Skills,
		CreatedAt:              a.CreatedAt,
	}
}

func FromRouting(a routing.Attendant) Attendant {
	skills := a.Skills
	if skills == nil {
		skills = []string{}
	}
	return Attendant{
		ID:                     a.ID,
		OrganizationID:         a.OrganizationID,
		Name:                   a.Name,
		Status:                 string(a.Status),
		AutoAcceptEnabled:      a.AutoAcceptEnabled,
		MaxConcurrentChats:     a.MaxConcurrentChats,
		CurrentActiveChatCount: a.CurrentActiveChatCount,
		AvgResponseTime:        a.AvgResponseTimeSeconds,
		SatisfactionScore:      a.SatisfactionScore,
		Skills:                 skills,
		CreatedAt:              a.CreatedAt,
	}
}

// Apply lays the overrides over defaults. Fields left out keep the default.
func (c Criteria) Apply(defaults routing.Criteria) routing.Criteria {
	out := defaults
	if c.PrioritizeByResponseTime != nil {
		out.PrioritizeByResponseTime = *c.PrioritizeByResponseTime
	}
	if c.PrioritizeBySatisfaction != nil {
		out.PrioritizeBySatisfaction = *c.PrioritizeBySatisfaction
	}
	if c.RequiredSkills != nil {
		out.RequiredSkills = c.RequiredSkills
	}
	if c.MaxConcurrentChatsOverride != nil {
		out.MaxConcurrentChatsOverride = c.MaxConcurrentChatsOverride
	}
	return out
}
