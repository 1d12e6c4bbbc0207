package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskline/internal/db"
	"taskline/internal/domain"
)

type Repo struct {
	Conn *db.Conn
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.Conn.DB
}

const taskColumns = `id,workspace_id,title,body,workflow_state_id,assignee_id,assignee_type,due_date,parent_id,depth,is_archived,archived_by,created_by,created_by_type,created_at,updated_at,completed_at,deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var body, assigneeID, assigneeType, dueDate, parentID, archivedBy, completedAt, deletedAt sql.NullString
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Title, &body, &t.WorkflowStateID, &assigneeID, &assigneeType, &dueDate,
		&parentID, &t.Depth, &t.IsArchived, &archivedBy, &t.CreatedBy, &t.CreatedByType, &t.CreatedAt, &t.UpdatedAt, &completedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Body = body.String
	t.AssigneeID = strPtr(assigneeID)
	t.AssigneeType = strPtr(assigneeType)
	t.DueDate = strPtr(dueDate)
	t.ParentID = strPtr(parentID)
	t.ArchivedBy = strPtr(archivedBy)
	t.CompletedAt = strPtr(completedAt)
	t.DeletedAt = strPtr(deletedAt)
	return t, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// InsertTaskTx inserts t unless a task with the same id exists. It reports
// whether a row was written.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	res, err := tx.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`),
		t.ID, t.WorkspaceID, t.Title, db.Nullable(t.Body), t.WorkflowStateID, db.NullableStringPtr(t.AssigneeID), db.NullableStringPtr(t.AssigneeType),
		db.NullableStringPtr(t.DueDate), db.NullableStringPtr(t.ParentID), t.Depth, t.IsArchived, db.NullableStringPtr(t.ArchivedBy),
		t.CreatedBy, t.CreatedByType, t.CreatedAt, t.UpdatedAt, db.NullableStringPtr(t.CompletedAt), db.NullableStringPtr(t.DeletedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, r.Conn.Rebind(`UPDATE tasks SET title=?, body=?, workflow_state_id=?, assignee_id=?, assignee_type=?, due_date=?,
is_archived=?, archived_by=?, updated_at=?, completed_at=?, deleted_at=? WHERE id=?`),
		t.Title, db.Nullable(t.Body), t.WorkflowStateID, db.NullableStringPtr(t.AssigneeID), db.NullableStringPtr(t.AssigneeType),
		db.NullableStringPtr(t.DueDate), t.IsArchived, db.NullableStringPtr(t.ArchivedBy), t.UpdatedAt,
		db.NullableStringPtr(t.CompletedAt), db.NullableStringPtr(t.DeletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, nil, id, false)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id, false)
}

// LockTaskTx reads the task and holds its row lock until tx ends. Writers on
// the same task serialize here, which keeps per-task log order monotonic.
func (r Repo) LockTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id, true)
}

func (r Repo) getTask(ctx context.Context, tx *sql.Tx, id string, lock bool) (domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id=?`
	if lock {
		query += r.Conn.ForUpdate()
	}
	q := r.q(tx)
	t, err := scanTask(q.QueryRowContext(ctx, r.Conn.Rebind(query), id))
	if err != nil {
		return t, err
	}
	t.Viewers, err = r.listViewers(ctx, q, id)
	return t, err
}

type TaskFilters struct {
	WorkspaceID    string
	AssigneeID     string
	AssigneeType   string
	ParentID       string
	ViewerID       string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.AssigneeType != "" {
		clauses = append(clauses, "assignee_type=?")
		args = append(args, f.AssigneeType)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.ViewerID != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM task_viewers WHERE viewer_id=?)")
		args = append(args, f.ViewerID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.Conn.QueryContext(ctx, r.Conn.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenTaskIDsByAssigneeTx lists live tasks assigned to (kind, id).
func (r Repo) OpenTaskIDsByAssigneeTx(ctx context.Context, tx *sql.Tx, kind, id string) ([]string, error) {
	return r.ids(ctx, tx, `SELECT id FROM tasks WHERE assignee_type=? AND assignee_id=? AND deleted_at IS NULL ORDER BY created_at, id`, kind, id)
}

// TaskIDsByViewerTx lists live tasks the client views.
func (r Repo) TaskIDsByViewerTx(ctx context.Context, tx *sql.Tx, viewerID string) ([]string, error) {
	return r.ids(ctx, tx, `SELECT v.task_id FROM task_viewers v JOIN tasks t ON t.id=v.task_id WHERE v.viewer_id=? AND t.deleted_at IS NULL ORDER BY v.task_id`, viewerID)
}

func (r Repo) ids(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, r.Conn.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
