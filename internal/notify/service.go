package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/clock"
	"taskline/internal/db"
	"taskline/internal/domain"
)

var (
	ErrNotFound       = errors.New("notification not found")
	ErrInvalidRequest = errors.New("invalid notification request")
)

// ChangeListener hears about recipients whose rows changed, after commit.
type ChangeListener interface {
	RecipientChanged(ctx context.Context, kind, id string)
}

type SendRequest struct {
	WorkspaceID   string      `json:"workspace_id"`
	TaskID        string      `json:"task_id"`
	Kind          string      `json:"kind"`
	EventKey      string      `json:"event_key"`
	ActivityLogID string      `json:"activity_log_id,omitempty"`
	Targets       []Recipient `json:"targets"`
}

type ListFilter struct {
	UnreadOnly bool
	Limit      int
}

// Service persists notification rows. Unread counts are always a live
// aggregate over those rows.
type Service struct {
	Conn     *db.Conn
	Now      func() time.Time
	Logger   *zap.Logger
	Listener ChangeListener
}

func (s *Service) now() string {
	if s.Now != nil {
		return clock.Format(s.Now())
	}
	return clock.Format(time.Now())
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

const notificationColumns = `id,workspace_id,recipient_kind,recipient_id,company_id,task_id,kind,event_key,activity_log_id,is_read,excluded,created_at,read_at,deleted_at`

func scanNotification(row interface{ Scan(...any) error }) (domain.Notification, error) {
	var n domain.Notification
	var company, logID, readAt, deletedAt sql.NullString
	if err := row.Scan(&n.ID, &n.WorkspaceID, &n.RecipientKind, &n.RecipientID, &company, &n.TaskID, &n.Kind, &n.EventKey,
		&logID, &n.Read, &n.Excluded, &n.CreatedAt, &readAt, &deletedAt); err != nil {
		return n, err
	}
	n.CompanyID = nullString(company)
	n.ActivityLogID = nullString(logID)
	n.ReadAt = nullString(readAt)
	n.DeletedAt = nullString(deletedAt)
	return n, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// Send writes one row per target unless a row with the same dedup key
// exists, and returns the rows for the request's keys. Retrying a request
// never creates a second row. Soft-deleted tasks get no rows.
func (s *Service) Send(ctx context.Context, req SendRequest) ([]domain.Notification, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	req.Targets = dedupeTargets(req.Targets)
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deletedAt sql.NullString
	err = tx.QueryRowContext(ctx, s.Conn.Rebind(`SELECT deleted_at FROM tasks WHERE id=?`), req.TaskID).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("send: task %s: %w", req.TaskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		s.logger().Info("skipping notifications for deleted task", zap.String("task_id", req.TaskID))
		return []domain.Notification{}, nil
	}

	now := s.now()
	out := make([]domain.Notification, 0, len(req.Targets))
	for _, r := range req.Targets {
		n := domain.Notification{
			ID:            uuid.NewString(),
			WorkspaceID:   req.WorkspaceID,
			RecipientKind: r.Kind,
			RecipientID:   r.ID,
			TaskID:        req.TaskID,
			Kind:          req.Kind,
			EventKey:      req.EventKey,
			CreatedAt:     now,
		}
		if r.Kind == domain.Client && r.CompanyID != "" {
			company := r.CompanyID
			n.CompanyID = &company
		}
		if req.ActivityLogID != "" {
			id := req.ActivityLogID
			n.ActivityLogID = &id
		}
		if _, err := s.InsertTx(ctx, tx, n); err != nil {
			return nil, err
		}
		row, err := scanNotification(tx.QueryRowContext(ctx, s.Conn.Rebind(`SELECT `+notificationColumns+` FROM notifications
WHERE recipient_kind=? AND recipient_id=? AND task_id=? AND event_key=?`), r.Kind, r.ID, req.TaskID, req.EventKey))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.publish(ctx, req.Targets)
	return out, nil
}

func (req SendRequest) validate() error {
	switch {
	case req.TaskID == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	case req.EventKey == "":
		return fmt.Errorf("%w: event_key is required", ErrInvalidRequest)
	}
	switch req.Kind {
	case domain.NotificationCreate, domain.NotificationUpdate, domain.NotificationAssign,
		domain.NotificationShare, domain.NotificationComment, domain.NotificationReconcile:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	for i, r := range req.Targets {
		if r.Kind != domain.InternalUser && r.Kind != domain.Client {
			return fmt.Errorf("%w: targets[%d]: unknown recipient kind %q", ErrInvalidRequest, i, r.Kind)
		}
		if r.ID == "" {
			return fmt.Errorf("%w: targets[%d]: id is required", ErrInvalidRequest, i)
		}
	}
	return nil
}

// dedupeTargets keeps the first occurrence of each (kind, id), taking a
// company scope from a later duplicate when the first has none.
func dedupeTargets(targets []Recipient) []Recipient {
	out := make([]Recipient, 0, len(targets))
	at := make(map[[2]string]int, len(targets))
	for _, r := range targets {
		key := [2]string{r.Kind, r.ID}
		if i, ok := at[key]; ok {
			if out[i].CompanyID == "" {
				out[i].CompanyID = r.CompanyID
			}
			continue
		}
		at[key] = len(out)
		out = append(out, r)
	}
	return out
}

// InsertTx writes n unless its dedup key is taken. It reports whether a row
// was created.
func (s *Service) InsertTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (bool, error) {
	res, err := tx.ExecContext(ctx, s.Conn.Rebind(`INSERT INTO notifications(id,workspace_id,recipient_kind,recipient_id,company_id,task_id,kind,event_key,activity_log_id,is_read,excluded,created_at)
VALUES (?,?,?,?,?,?,?,?,?,FALSE,FALSE,?)
ON CONFLICT (recipient_kind, recipient_id, task_id, event_key) DO NOTHING`),
		n.ID, n.WorkspaceID, n.RecipientKind, n.RecipientID, db.NullableStringPtr(n.CompanyID), n.TaskID, n.Kind, n.EventKey,
		db.NullableStringPtr(n.ActivityLogID), n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkAllAsRead marks every unread row of the recipients read and returns
// the ids it changed.
func (s *Service) MarkAllAsRead(ctx context.Context, kind string, recipientIDs []string) ([]string, error) {
	if len(recipientIDs) == 0 {
		return []string{}, nil
	}
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	in := placeholders(len(recipientIDs))
	args := []any{kind}
	for _, id := range recipientIDs {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, s.Conn.Rebind(`SELECT id FROM notifications
WHERE recipient_kind=? AND recipient_id IN (`+in+`) AND is_read=FALSE AND deleted_at IS NULL ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		updArgs := []any{s.now(), kind}
		updArgs = append(updArgs, args[1:]...)
		if _, err := tx.ExecContext(ctx, s.Conn.Rebind(`UPDATE notifications SET is_read=TRUE, read_at=?
WHERE recipient_kind=? AND recipient_id IN (`+in+`) AND is_read=FALSE AND deleted_at IS NULL`), updArgs...); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	targets := make([]Recipient, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		targets = append(targets, Recipient{Kind: kind, ID: id})
	}
	s.publish(ctx, targets)
	return ids, nil
}

// MarkRead marks one of the recipient's notifications read.
func (s *Service) MarkRead(ctx context.Context, r Recipient, notificationID string) error {
	res, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(`UPDATE notifications SET is_read=TRUE, read_at=COALESCE(read_at, ?)
WHERE id=? AND recipient_kind=? AND recipient_id=? AND deleted_at IS NULL`), s.now(), notificationID, r.Kind, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(ctx, []Recipient{r})
	return nil
}

// List returns the recipient's visible notifications, newest first.
func (s *Service) List(ctx context.Context, r Recipient, f ListFilter) ([]domain.Notification, error) {
	where, args := visibleClause(r)
	if f.UnreadOnly {
		where += " AND is_read=FALSE"
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadCount is COUNT(*) over the recipient's unread, visible rows.
func (s *Service) UnreadCount(ctx context.Context, r Recipient) (int, error) {
	where, args := visibleClause(r)
	var n int
	err := s.Conn.QueryRowContext(ctx, s.Conn.Rebind(`SELECT COUNT(*) FROM notifications WHERE `+where+` AND is_read=FALSE`), args...).Scan(&n)
	return n, err
}

// visibleClause selects non-deleted, non-excluded rows of r. Clients only
// see rows scoped to their company or to no company.
func visibleClause(r Recipient) (string, []any) {
	where := "recipient_kind=? AND recipient_id=? AND deleted_at IS NULL AND excluded=FALSE"
	args := []any{r.Kind, r.ID}
	if r.Kind == domain.Client && r.CompanyID != "" {
		where += " AND (company_id IS NULL OR company_id=?)"
		args = append(args, r.CompanyID)
	}
	return where, args
}

// RemoveForDeletedTask soft-deletes every row of the task. Running it again
// changes nothing.
func (s *Service) RemoveForDeletedTask(ctx context.Context, taskID string) error {
	return s.softDelete(ctx, "task_id=?", taskID)
}

// RemoveForRecipient soft-deletes every row owned by a deleted principal.
func (s *Service) RemoveForRecipient(ctx context.Context, kind, id string) error {
	return s.softDelete(ctx, "recipient_kind=? AND recipient_id=?", kind, id)
}

// RemoveTaskJob is the remove-task-notifications payload.
type RemoveTaskJob struct {
	TaskID string `json:"task_id"`
}

// HandleRemoveTask implements jobs.HandlerFunc for remove-task-notifications.
func (s *Service) HandleRemoveTask(ctx context.Context, payload json.RawMessage) error {
	var job RemoveTaskJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode remove-task job: %w", err)
	}
	return s.RemoveForDeletedTask(ctx, job.TaskID)
}

func (s *Service) softDelete(ctx context.Context, where string, args ...any) error {
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(`SELECT DISTINCT recipient_kind, recipient_id FROM notifications WHERE `+where+` AND deleted_at IS NULL`), args...)
	if err != nil {
		return err
	}
	var affected []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.Kind, &r.ID); err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	execArgs := append([]any{s.now()}, args...)
	if _, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(`UPDATE notifications SET deleted_at=? WHERE `+where+` AND deleted_at IS NULL`), execArgs...); err != nil {
		return err
	}
	s.publish(ctx, affected)
	return nil
}

// Announce tells the listener the recipients' rows changed.
func (s *Service) Announce(ctx context.Context, targets ...Recipient) {
	s.publish(ctx, targets)
}

func (s *Service) publish(ctx context.Context, targets []Recipient) {
	if s.Listener == nil {
		return
	}
	for _, r := range targets {
		s.Listener.RecipientChanged(ctx, r.Kind, r.ID)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
