package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const Producer = "assignd"

const (
	ConversationAssignedType   = "conversations.assigned.v1"
	ConversationQueuedType     = "conversations.queued.v1"
	AttendantStatusChangedType = "attendants.status_changed.v1"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID       string    `json:"id"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	// Event name and version, e.g. conversations.assigned.v1
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// NewEnvelope wraps data with a fresh event id. The correlation id falls back
// to the event id.
func NewEnvelope(eventType string, data any, correlationID string, now time.Time) Envelope {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return Envelope{
		Meta: Meta{
			ID:            id,
			CorrelationID: correlationID,
			Producer:      Producer,
			Time:          now.UTC(),
			Type:          eventType,
		},
		Data: data,
	}
}

type ConversationAssignedV1 struct {
	OrganizationID string    `json:"organization_id"`
	ConversationID string    `json:"conversation_id"`
	AttendantID    string    `json:"attendant_id"`
	AssignmentID   string    `json:"assignment_id"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// ConversationQueuedV1 is emitted when no attendant could take the
// conversation; it stays queued until the next retry.
type ConversationQueuedV1 struct {
	OrganizationID string    `json:"organization_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason"` // "no-candidates" | "all-at-capacity"
	Candidates     int       `json:"candidates"`
	Eligible       int       `json:"eligible"`
	QueuedAt       time.Time `json:"queued_at"`
}

type AttendantStatusChangedV1 struct {
	OrganizationID string    `json:"organization_id"`
	AttendantID    string    `json:"attendant_id"`
	Status         string    `json:"status"`
	ChangedAt      time.Time `json:"changed_at"`
}

// --------- validation ----------------

var ErrInvalidContract = errors.New("invalid contract")

type ValidationIssue struct{ Field, Reason string }

type ValidationError struct{ Issues []ValidationIssue }

func (e *ValidationError) Error() string { return ErrInvalidContract.Error() }
func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidContract }

func (e AttendantStatusChangedV1) Validate() error {
	ve := &ValidationError{}
	if e.OrganizationID == "" {
		ve.add("organization_id", "required")
	}
	if e.AttendantID == "" {
		ve.add("attendant_id", "required")
	}
	if e.Status == "" {
		ve.add("status", "required")
	}
	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}
