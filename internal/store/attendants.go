package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
)

const attendantColumns = `organization_id, id, name, status, auto_accept_enabled, max_concurrent_chats,
	avg_response_time_seconds, satisfaction_score, skills, created_at`

// UpsertAttendant inserts or replaces an attendant profile. CreatedAt is set
// on first insert when zero and never changes afterwards.
func (s *Store) UpsertAttendant(ctx context.Context, a routing.Attendant) (routing.Attendant, error) {
	skills, err := json.Marshal(nonNil(a.Skills))
	if err != nil {
		return routing.Attendant{}, fmt.Errorf("marshal skills: %w", err)
	}
	now := s.now()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attendants (`+attendantColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			auto_accept_enabled = excluded.auto_accept_enabled,
			max_concurrent_chats = excluded.max_concurrent_chats,
			avg_response_time_seconds = excluded.avg_response_time_seconds,
			satisfaction_score = excluded.satisfaction_score,
			skills = excluded.skills,
			updated_at = excluded.updated_at`,
		a.OrganizationID, a.ID, a.Name, string(a.Status), a.AutoAcceptEnabled, a.MaxConcurrentChats,
		a.AvgResponseTimeSeconds, a.SatisfactionScore, string(skills), toUnix(createdAt), toUnix(now),
	)
	if err != nil {
		return routing.Attendant{}, fmt.Errorf("upsert attendant %s: %w", a.ID, err)
	}
	return s.GetAttendant(ctx, a.OrganizationID, a.ID)
}

func (s *Store) GetAttendant(ctx context.Context, organizationID, id string) (routing.Attendant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attendantColumns+`
		FROM attendants WHERE organization_id = ? AND id = ?`, organizationID, id)
	attendant, err := scanAttendant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return routing.Attendant{}, fmt.Errorf("attendant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return routing.Attendant{}, err
	}

	loads, err := s.ActiveLoads(ctx, organizationID)
	if err != nil {
		return routing.Attendant{}, err
	}
	attendant.CurrentActiveChatCount = loads[id]
	return attendant, nil
}

func (s *Store) SetAttendantStatus(ctx context.Context, organizationID, id string, status routing.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attendants SET status = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?`, string(status), toUnix(s.now()), organizationID, id)
	if err != nil {
		return fmt.Errorf("update attendant status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("attendant %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListCandidates returns the attendants of an organization that are online
// and accept automatic assignments. CurrentActiveChatCount is left at zero;
// loads come from ActiveLoads.
func (s *Store) ListCandidates(ctx context.Context, organizationID string) ([]routing.Attendant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attendantColumns+`
		FROM attendants
		WHERE organization_id = ? AND status = ? AND auto_accept_enabled = 1
		ORDER BY id`, organizationID, string(routing.StatusOnline))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var attendants []routing.Attendant
	for rows.Next() {
		attendant, err := scanAttendant(rows)
		if err != nil {
			return nil, err
		}
		attendants = append(attendants, attendant)
	}
	return attendants, rows.Err()
}

// ActiveLoads counts active assignments per attendant.
func (s *Store) ActiveLoads(ctx context.Context, organizationID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attendant_id, COUNT(*)
		FROM assignments
		WHERE organization_id = ? AND status = ?
		GROUP BY attendant_id`, organizationID, AssignmentActive)
	if err != nil {
		return nil, fmt.Errorf("count active assignments: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		loads[id] = count
	}
	return loads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttendant(row rowScanner) (routing.Attendant, error) {
	var (
		a         routing.Attendant
		status    string
		skills    string
		createdAt int64
	)
	if err := row.Scan(&a.OrganizationID, &a.ID, &a.Name, &status, &a.AutoAcceptEnabled, &a.MaxConcurrentChats,
		&a.AvgResponseTimeSeconds, &a.SatisfactionScore, &skills, &createdAt); err != nil {
		return routing.Attendant{}, err
	}
	a.Status = routing.Status(status)
	a.CreatedAt = fromUnix(createdAt)
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return routing.Attendant{}, fmt.Errorf("decode skills of %s: %w", a.ID, err)
	}
	return a, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
