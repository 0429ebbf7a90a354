package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"manageragent/internal/logging"
	"manageragent/internal/types"
)

// SavePlan persists a plan with all phases and tasks in one transaction.
// An existing plan with the same ID is replaced.
func (s *Store) SavePlan(plan *types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "SavePlan")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace wholesale: phase/task rows cascade from the plan row.
	if _, err := tx.Exec(`DELETE FROM plans WHERE id = ?`, plan.ID); err != nil {
		return fmt.Errorf("failed to clear existing plan: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO plans
		(id, goal, kind, status, created_at, updated_at, revision, last_revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Goal, plan.Kind, string(plan.Status),
		plan.CreatedAt.UTC(), plan.UpdatedAt.UTC(), plan.RevisionNumber, plan.LastRevision); err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for i := range plan.Phases {
		ph := &plan.Phases[i]
		if _, err := tx.Exec(`INSERT INTO phases (id, plan_id, name, ord) VALUES (?, ?, ?, ?)`,
			ph.ID, plan.ID, ph.Name, ph.Order); err != nil {
			return fmt.Errorf("failed to insert phase %s: %w", ph.ID, err)
		}
		for j := range ph.Tasks {
			if err := insertTask(tx, &ph.Tasks[j]); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertTask(tx *sql.Tx, t *types.Task) error {
	dependsJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies for %s: %w", t.ID, err)
	}
	attemptsJSON, err := json.Marshal(t.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts for %s: %w", t.ID, err)
	}

	_, err = tx.Exec(`INSERT INTO tasks
		(id, phase_id, plan_id, description, status, type, priority, ord,
		 depends_on_json, attempts_json, last_error, next_retry_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PhaseID, t.PlanID, t.Description, string(t.Status), string(t.Type),
		string(t.Priority), t.Order, string(dependsJSON), string(attemptsJSON),
		t.LastError, nullTime(t.NextRetryAt), nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetPlan loads a plan with its phases and tasks.
func (s *Store) GetPlan(id string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan := &types.Plan{}
	var status string
	err := s.db.QueryRow(`SELECT id, goal, kind, status, created_at, updated_at, revision, COALESCE(last_revision, '')
		FROM plans WHERE id = ?`, id).Scan(
		&plan.ID, &plan.Goal, &plan.Kind, &status,
		&plan.CreatedAt, &plan.UpdatedAt, &plan.RevisionNumber, &plan.LastRevision)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	plan.Status = types.PlanStatus(status)

	rows, err := s.db.Query(`SELECT id, name, ord FROM phases WHERE plan_id = ? ORDER BY ord`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		ph := types.Phase{PlanID: id}
		if err := rows.Scan(&ph.ID, &ph.Name, &ph.Order); err != nil {
			return nil, err
		}
		plan.Phases = append(plan.Phases, ph)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plan.Phases {
		tasks, err := s.listTasksByPhase(plan.Phases[i].ID)
		if err != nil {
			return nil, err
		}
		plan.Phases[i].Tasks = tasks
		plan.TotalTasks += len(tasks)
		for _, t := range tasks {
			if t.Status == types.TaskCompleted {
				plan.CompletedTasks++
			}
		}
	}

	return plan, nil
}

func (s *Store) listTasksByPhase(phaseID string) ([]types.Task, error) {
	rows, err := s.db.Query(`SELECT id, phase_id, plan_id, description, status, type, priority, ord,
		depends_on_json, attempts_json, COALESCE(last_error, ''), next_retry_at, started_at, completed_at
		FROM tasks WHERE phase_id = ? ORDER BY ord`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]types.Task, error) {
	var tasks []types.Task
	for rows.Next() {
		var t types.Task
		var status, ttype, priority, dependsJSON, attemptsJSON string
		var nextRetry, started, completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.PhaseID, &t.PlanID, &t.Description, &status, &ttype, &priority,
			&t.Order, &dependsJSON, &attemptsJSON, &t.LastError, &nextRetry, &started, &completed); err != nil {
			return nil, err
		}
		t.Status = types.TaskStatus(status)
		t.Type = types.TaskType(ttype)
		t.Priority = types.TaskPriority(priority)
		if dependsJSON != "" {
			if err := json.Unmarshal([]byte(dependsJSON), &t.DependsOn); err != nil {
				return nil, fmt.Errorf("corrupt dependencies for task %s: %w", t.ID, err)
			}
		}
		if attemptsJSON != "" {
			if err := json.Unmarshal([]byte(attemptsJSON), &t.Attempts); err != nil {
				return nil, fmt.Errorf("corrupt attempts for task %s: %w", t.ID, err)
			}
		}
		if nextRetry.Valid {
			t.NextRetryAt = nextRetry.Time
		}
		if started.Valid {
			t.StartedAt = started.Time
		}
		if completed.Valid {
			t.CompletedAt = completed.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListPlans returns plan headers (no phases) newest first.
func (s *Store) ListPlans() ([]types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, goal, kind, status, created_at, updated_at, revision, COALESCE(last_revision, '')
		FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []types.Plan
	for rows.Next() {
		var p types.Plan
		var status string
		if err := rows.Scan(&p.ID, &p.Goal, &p.Kind, &status, &p.CreatedAt, &p.UpdatedAt,
			&p.RevisionNumber, &p.LastRevision); err != nil {
			return nil, err
		}
		p.Status = types.PlanStatus(status)
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdatePlanStatus sets the plan status and bumps updated_at.
func (s *Store) UpdatePlanStatus(id string, status types.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("plan %s not found", id)
	}
	return nil
}

// ListTasksByPlan returns all tasks of a plan in phase and task order.
func (s *Store) ListTasksByPlan(planID string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT t.id, t.phase_id, t.plan_id, t.description, t.status, t.type, t.priority, t.ord,
		t.depends_on_json, t.attempts_json, COALESCE(t.last_error, ''), t.next_retry_at, t.started_at, t.completed_at
		FROM tasks t JOIN phases p ON t.phase_id = p.id
		WHERE t.plan_id = ? ORDER BY p.ord, t.ord`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask persists the mutable execution fields of a task.
func (s *Store) UpdateTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attemptsJSON, err := json.Marshal(t.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts for %s: %w", t.ID, err)
	}

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, attempts_json = ?, last_error = ?,
		next_retry_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(t.Status), string(attemptsJSON), t.LastError,
		nullTime(t.NextRetryAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

// CountTasksByStatus returns task counts grouped by status across all plans.
func (s *Store) CountTasksByStatus() (map[types.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// nullTime maps the zero time to NULL so zero values do not round-trip as
// year-one timestamps.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
