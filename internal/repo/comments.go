package repo

import (
	"context"
	"database/sql"

	"taskline/internal/db"
	"taskline/internal/domain"
)

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO comments(id,task_id,parent_id,content,initiator_id,initiator_type,created_at) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.TaskID, db.NullableStringPtr(c.ParentID), c.Content, c.InitiatorID, c.InitiatorType, c.CreatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	return r.getComment(ctx, nil, id)
}

func (r Repo) GetCommentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Comment, error) {
	return r.getComment(ctx, tx, id)
}

func (r Repo) getComment(ctx context.Context, tx *sql.Tx, id string) (domain.Comment, error) {
	var c domain.Comment
	var parent, deleted sql.NullString
	err := r.q(tx).QueryRowContext(ctx, r.Conn.Rebind(`SELECT id,task_id,parent_id,content,initiator_id,initiator_type,created_at,deleted_at FROM comments WHERE id=?`), id).
		Scan(&c.ID, &c.TaskID, &parent, &c.Content, &c.InitiatorID, &c.InitiatorType, &c.CreatedAt, &deleted)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ParentID = strPtr(parent)
	c.DeletedAt = strPtr(deleted)
	return c, nil
}
