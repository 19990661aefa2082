package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/assignment"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/audit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/snapshot"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

type selectionResponse struct {
	TraceID  string          `json:"traceId"`
	Decision decisionPayload `json:"decision"`
	Ranking  []string        `json:"ranking"`
}

type decisionPayload struct {
	Selected    bool   `json:"selected"`
	AttendantID string `json:"attendantId,omitempty"`
	Reason      string `json:"reason"`
	Considered  int    `json:"considered"`
	Eligible    int    `json:"eligible"`
}

type attendantRequest struct {
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	AutoAcceptEnabled  bool      `json:"autoAcceptEnabled"`
	MaxConcurrentChats int       `json:"maxConcurrentChats"`
	AvgResponseTime    float64   `json:"avgResponseTime"`
	SatisfactionScore  float64   `json:"satisfactionScore"`
	Skills             []string  `json:"skills"`
	CreatedAt          time.Time `json:"createdAt"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type attendantResponse struct {
	Attendant snapshot.Attendant  `json:"attendant"`
	Drained   *assignment.Summary `json:"drained,omitempty"`
}

type conversationRequest struct {
	ID             string   `json:"id"`
	Channel        string   `json:"channel"`
	ContactID      string   `json:"contactId"`
	RequiredSkills []string `json:"requiredSkills"`
}

type conversationPayload struct {
	ID                  string    `json:"id"`
	OrganizationID      string    `json:"organizationId"`
	Channel             string    `json:"channel,omitempty"`
	ContactID           string    `json:"contactId,omitempty"`
	Status              string    `json:"status"`
	RequiredSkills      []string  `json:"requiredSkills"`
	AssignedAttendantID string    `json:"assignedAttendantId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type assignmentPayload struct {
	ID          string    `json:"id"`
	AttendantID string    `json:"attendantId"`
	Reason      string    `json:"reason"`
	AssignedAt  time.Time `json:"assignedAt"`
}

type conversationResponse struct {
	TraceID      string              `json:"traceId"`
	Conversation conversationPayload `json:"conversation"`
	Assignment   *assignmentPayload  `json:"assignment,omitempty"`
	Queued       bool                `json:"queued"`
	Reason       string              `json:"reason,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

var errValidation = errors.New("validation failed")

func invalid(message string) error {
	return &fieldError{message: message}
}

type fieldError struct{ message string }

func (e *fieldError) Error() string        { return e.message }
func (e *fieldError) Is(target error) bool { return target == errValidation }

// Validate applies the snapshot rules; the id comes from the path.
func (req attendantRequest) Validate() error {
	in := snapshot.Attendant{
		ID:                 "-",
		Status:             req.Status,
		MaxConcurrentChats: req.MaxConcurrentChats,
		AvgResponseTime:    req.AvgResponseTime,
		SatisfactionScore:  req.SatisfactionScore,
	}
	return in.Validate("attendant")
}

func (req attendantRequest) toRouting(organizationID, id string) routing.Attendant {
	return routing.Attendant{
		ID:                     id,
		OrganizationID:         organizationID,
		Name:                   req.Name,
		Status:                 routing.Status(req.Status),
		AutoAcceptEnabled:      req.AutoAcceptEnabled,
		MaxConcurrentChats:     req.MaxConcurrentChats,
		AvgResponseTimeSeconds: req.AvgResponseTime,
		SatisfactionScore:      req.SatisfactionScore,
		Skills:                 req.Skills,
		CreatedAt:              req.CreatedAt,
	}
}

func (req statusRequest) Validate() error {
	if !routing.Status(req.Status).Valid() {
		return invalid("status must be one of online, busy, away, offline, break, training")
	}
	return nil
}

func (req conversationRequest) Validate() error {
	for idx, skill := range req.RequiredSkills {
		if strings.TrimSpace(skill) == "" {
			return invalid("requiredSkills[" + strconv.Itoa(idx) + "] must not be blank")
		}
	}
	return nil
}

func conversationFromStore(c store.Conversation) conversationPayload {
	skills := c.RequiredSkills
	if skills == nil {
		skills = []string{}
	}
	return conversationPayload{
		ID:                  c.ID,
		OrganizationID:      c.OrganizationID,
		Channel:             c.Channel,
		ContactID:           c.ContactID,
		Status:              string(c.Status),
		RequiredSkills:      skills,
		AssignedAttendantID: c.AssignedAttendantID,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
