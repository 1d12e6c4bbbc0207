package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

const workflowStateColumns = `id,workspace_id,name,type,position,created_at`

func (r Repo) InsertWorkflowState(ctx context.Context, s domain.WorkflowState) error {
	_, err := r.Conn.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO workflow_states(`+workflowStateColumns+`) VALUES (?,?,?,?,?,?)`),
		s.ID, s.WorkspaceID, s.Name, s.Type, s.Position, s.CreatedAt)
	return err
}

// InsertWorkflowStateIfAbsent is InsertWorkflowState that ignores an
// existing id, so concurrent seeding is harmless.
func (r Repo) InsertWorkflowStateIfAbsent(ctx context.Context, s domain.WorkflowState) error {
	_, err := r.Conn.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO workflow_states(`+workflowStateColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`),
		s.ID, s.WorkspaceID, s.Name, s.Type, s.Position, s.CreatedAt)
	return err
}

func (r Repo) GetWorkflowStateTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowState, error) {
	var s domain.WorkflowState
	err := r.q(tx).QueryRowContext(ctx, r.Conn.Rebind(`SELECT `+workflowStateColumns+` FROM workflow_states WHERE id=?`), id).
		Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.Type, &s.Position, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListWorkflowStates(ctx context.Context, workspaceID string) ([]domain.WorkflowState, error) {
	rows, err := r.Conn.QueryContext(ctx, r.Conn.Rebind(`SELECT `+workflowStateColumns+` FROM workflow_states WHERE workspace_id=? ORDER BY position, id`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowState
	for rows.Next() {
		var s domain.WorkflowState
		if err := rows.Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.Type, &s.Position, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
