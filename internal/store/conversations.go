package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
)

type ConversationStatus string

const (
	ConversationQueued   ConversationStatus = "queued"
	ConversationAssigned ConversationStatus = "assigned"
	ConversationClosed   ConversationStatus = "closed"
)

const (
	AssignmentActive = "active"
	AssignmentClosed = "closed"
)

type Conversation struct {
	ID                  string
	OrganizationID      string
	Channel             string
	ContactID           string
	Status              ConversationStatus
	RequiredSkills      []string
	AssignedAttendantID string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Assignment struct {
	ID             string
	OrganizationID string
	ConversationID string
	AttendantID    string
	Status         string
	Reason         string
	AssignedAt     time.Time
}

// AssignInput carries a routing decision to be persisted. EffectiveMax is
// the capacity limit the decision was made with; it is checked again inside
// the write transaction.
type AssignInput struct {
	OrganizationID string
	ConversationID string
	AttendantID    string
	EffectiveMax   int
	Reason         string
}

const conversationColumns = `organization_id, id, channel, contact_id, status, required_skills,
	COALESCE(assigned_attendant_id, ''), created_at, updated_at`

// CreateConversation stores a new queued conversation. An empty ID gets a
// generated one; an ID already used in the organization is ErrAlreadyExists.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	skills, err := json.Marshal(nonNil(c.RequiredSkills))
	if err != nil {
		return Conversation{}, fmt.Errorf("marshal required skills: %w", err)
	}
	now := s.now()
	c.Status = ConversationQueued
	c.AssignedAttendantID = ""
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations
		(organization_id, id, channel, contact_id, status, required_skills, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, id) DO NOTHING`,
		c.OrganizationID, c.ID, c.Channel, c.ContactID, string(c.Status), string(skills), toUnix(now), toUnix(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	if inserted == 0 {
		return Conversation{}, fmt.Errorf("conversation %s: %w", c.ID, ErrAlreadyExists)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, organizationID, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE organization_id = ? AND id = ?`, organizationID, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListQueued returns unassigned conversations across organizations, oldest
// first.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]Conversation, error) {
	return s.listQueued(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE status = ?
		ORDER BY created_at, organization_id, id LIMIT ?`, string(ConversationQueued), limit)
}

// ListQueuedByOrganization is ListQueued restricted to one organization.
func (s *Store) ListQueuedByOrganization(ctx context.Context, organizationID string, limit int) ([]Conversation, error) {
	return s.listQueued(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE status = ? AND organization_id = ?
		ORDER BY created_at, id LIMIT ?`, string(ConversationQueued), organizationID, limit)
}

func (s *Store) listQueued(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Assign records an assignment and points the conversation at the attendant
// in one transaction. Capacity and availability are checked again against
// the committed state, so a decision taken on a stale snapshot fails with
// ErrCapacityConflict or ErrAttendantUnavailable instead of overbooking.
func (s *Store) Assign(ctx context.Context, in AssignInput) (Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, fmt.Errorf("begin assignment: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE organization_id = ? AND id = ?`,
		in.OrganizationID, in.ConversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("conversation %s: %w", in.ConversationID, ErrNotFound)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("load conversation: %w", err)
	}
	if ConversationStatus(status) != ConversationQueued {
		return Assignment{}, fmt.Errorf("conversation %s is %s: %w", in.ConversationID, status, ErrConversationNotQueued)
	}

	var (
		attendantStatus string
		autoAccept      bool
	)
	err = tx.QueryRowContext(ctx, `SELECT status, auto_accept_enabled FROM attendants WHERE organization_id = ? AND id = ?`,
		in.OrganizationID, in.AttendantID).Scan(&attendantStatus, &autoAccept)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("attendant %s: %w", in.AttendantID, ErrNotFound)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("load attendant: %w", err)
	}
	if routing.Status(attendantStatus) != routing.StatusOnline || !autoAccept {
		return Assignment{}, fmt.Errorf("attendant %s is %s: %w", in.AttendantID, attendantStatus, ErrAttendantUnavailable)
	}

	var active int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments
		WHERE organization_id = ? AND attendant_id = ? AND status = ?`,
		in.OrganizationID, in.AttendantID, AssignmentActive).Scan(&active)
	if err != nil {
		return Assignment{}, fmt.Errorf("count active assignments: %w", err)
	}
	if active >= in.EffectiveMax {
		return Assignment{}, fmt.Errorf("attendant %s has %d/%d active: %w", in.AttendantID, active, in.EffectiveMax, ErrCapacityConflict)
	}

	now := s.now()
	assignment := Assignment{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		ConversationID: in.ConversationID,
		AttendantID:    in.AttendantID,
		Status:         AssignmentActive,
		Reason:         in.Reason,
		AssignedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO assignments
		(id, organization_id, conversation_id, attendant_id, status, reason, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assignment.ID, assignment.OrganizationID, assignment.ConversationID, assignment.AttendantID,
		assignment.Status, assignment.Reason, toUnix(now)); err != nil {
		return Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations
		SET status = ?, assigned_attendant_id = ?, updated_at = ?
		WHERE organization_id = ? AND id = ? AND status = ?`,
		string(ConversationAssigned), in.AttendantID, toUnix(now), in.OrganizationID, in.ConversationID, string(ConversationQueued))
	if err != nil {
		return Assignment{}, fmt.Errorf("update conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected != 1 {
		return Assignment{}, fmt.Errorf("conversation %s: %w", in.ConversationID, ErrConversationNotQueued)
	}

	if err := tx.Commit(); err != nil {
		return Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	return assignment, nil
}

// CloseConversation closes the conversation and its active assignment,
// releasing the attendant's capacity. Closing twice is a no-op.
func (s *Store) CloseConversation(ctx context.Context, organizationID, id string) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE organization_id = ? AND id = ?`, organizationID, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.Status == ConversationClosed {
		return c, nil
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET status = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?`, string(ConversationClosed), toUnix(now), organizationID, id); err != nil {
		return Conversation{}, fmt.Errorf("close conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status = ?, closed_at = ?
		WHERE organization_id = ? AND conversation_id = ? AND status = ?`,
		AssignmentClosed, toUnix(now), organizationID, id, AssignmentActive); err != nil {
		return Conversation{}, fmt.Errorf("close assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit close: %w", err)
	}

	c.Status = ConversationClosed
	c.UpdatedAt = now
	return c, nil
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c         Conversation
		status    string
		skills    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&c.OrganizationID, &c.ID, &c.Channel, &c.ContactID, &status, &skills,
		&c.AssignedAttendantID, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.Status = ConversationStatus(status)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	if err := json.Unmarshal([]byte(skills), &c.RequiredSkills); err != nil {
		return Conversation{}, fmt.Errorf("decode required skills of %s: %w", c.ID, err)
	}
	return c, nil
}
