package repo

import (
	"context"
	"database/sql"

	"taskline/internal/db"
	"taskline/internal/domain"
)

// AddViewerTx shares the task with a client. It reports false when the
// client already was a viewer.
func (r Repo) AddViewerTx(ctx context.Context, tx *sql.Tx, taskID string, v domain.Viewer) (bool, error) {
	res, err := tx.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO task_viewers(task_id,viewer_id,viewer_type,company_id,added_at) VALUES (?,?,?,?,?)
ON CONFLICT (task_id, viewer_id) DO NOTHING`),
		taskID, v.ViewerID, v.ViewerType, db.Nullable(v.CompanyID), v.AddedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) RemoveViewerTx(ctx context.Context, tx *sql.Tx, taskID, viewerID string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.Conn.Rebind(`DELETE FROM task_viewers WHERE task_id=? AND viewer_id=?`), taskID, viewerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListViewers(ctx context.Context, taskID string) ([]domain.Viewer, error) {
	return r.listViewers(ctx, r.Conn.DB, taskID)
}

func (r Repo) ListViewersTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Viewer, error) {
	return r.listViewers(ctx, tx, taskID)
}

func (r Repo) listViewers(ctx context.Context, q queryer, taskID string) ([]domain.Viewer, error) {
	rows, err := q.QueryContext(ctx, r.Conn.Rebind(`SELECT viewer_id,viewer_type,company_id,added_at FROM task_viewers WHERE task_id=? ORDER BY added_at, viewer_id`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Viewer{}
	for rows.Next() {
		var v domain.Viewer
		var company sql.NullString
		if err := rows.Scan(&v.ViewerID, &v.ViewerType, &company, &v.AddedAt); err != nil {
			return nil, err
		}
		v.CompanyID = company.String
		res = append(res, v)
	}
	return res, rows.Err()
}
