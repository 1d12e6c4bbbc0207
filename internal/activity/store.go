// Package activity is the append-only, per-task audit log.
package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskline/internal/clock"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/identity"
)

// collapsedReplies is how many of the latest direct replies a comment entry
// carries when its thread is not expanded.
const collapsedReplies = 3

// Log is one immutable row.
type Log struct {
	ID          string  `json:"id"`
	Seq         int64   `json:"seq"`
	TaskID      string  `json:"task_id"`
	WorkspaceID string  `json:"workspace_id"`
	Type        Type    `json:"type"`
	Details     Details `json:"details"`
	UserID      string  `json:"user_id"`
	UserRole    string  `json:"user_role"`
	CreatedAt   string  `json:"created_at"`
}

// Entry is a Log plus its read projection.
type Entry struct {
	Log
	Comment *CommentView `json:"comment,omitempty"`
}

type CommentView struct {
	domain.Comment
	ReplyCount int           `json:"reply_count"`
	Replies    []CommentView `json:"replies,omitempty"`
}

type ListOptions struct {
	// ExpandComments names comment ids whose whole reply tree is returned.
	ExpandComments []string
}

type appendOptions struct {
	dedupKey string
}

type AppendOption func(*appendOptions)

// WithDedupKey makes the append idempotent: a second append with the same
// key returns the first row.
func WithDedupKey(key string) AppendOption {
	return func(o *appendOptions) { o.dedupKey = key }
}

type Store struct {
	Conn *db.Conn
	Now  func() time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Append writes one log row inside tx. The caller holds the task row lock,
// so created_at never goes backwards within a task.
func (s Store) Append(ctx context.Context, tx *sql.Tx, taskID string, details Details, actor identity.Principal, opts ...AppendOption) (Log, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if taskID == "" {
		return Log{}, fmt.Errorf("%w: task id required", ErrInvalidDetails)
	}
	if err := actor.Validate(); err != nil {
		return Log{}, err
	}
	data, err := Validate(details)
	if err != nil {
		return Log{}, err
	}

	now := s.now()
	var last string
	err = tx.QueryRowContext(ctx, s.Conn.Rebind(`SELECT created_at FROM activity_logs WHERE task_id=? ORDER BY created_at DESC, seq DESC LIMIT 1`), taskID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Log{}, err
	}
	if last != "" {
		if prev, perr := clock.Parse(last); perr == nil && prev.After(now) {
			now = prev
		}
	}

	l := Log{
		ID:          newID(now),
		TaskID:      taskID,
		WorkspaceID: actor.WorkspaceID,
		Type:        details.Type(),
		Details:     details,
		UserID:      actor.ID(),
		UserRole:    actor.Kind(),
		CreatedAt:   clock.Format(now),
	}
	err = tx.QueryRowContext(ctx, s.Conn.Rebind(`
INSERT INTO activity_logs(id, task_id, workspace_id, type, details_json, user_id, user_role, dedup_key, created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING seq`),
		l.ID, l.TaskID, l.WorkspaceID, string(l.Type), string(data), l.UserID, l.UserRole, db.Nullable(o.dedupKey), l.CreatedAt,
	).Scan(&l.Seq)
	if errors.Is(err, sql.ErrNoRows) && o.dedupKey != "" {
		return s.byDedupKey(ctx, tx, o.dedupKey)
	}
	if err != nil {
		return Log{}, fmt.Errorf("append %s: %w", l.Type, err)
	}
	return l, nil
}

func (s Store) byDedupKey(ctx context.Context, tx *sql.Tx, key string) (Log, error) {
	row := tx.QueryRowContext(ctx, s.Conn.Rebind(`SELECT `+logColumns+` FROM activity_logs WHERE dedup_key=?`), key)
	return scanLog(row)
}

const logColumns = `seq, id, task_id, workspace_id, type, details_json, user_id, user_role, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (Log, error) {
	var l Log
	var typ, raw string
	if err := row.Scan(&l.Seq, &l.ID, &l.TaskID, &l.WorkspaceID, &typ, &raw, &l.UserID, &l.UserRole, &l.CreatedAt); err != nil {
		return Log{}, err
	}
	l.Type = Type(typ)
	d, err := DecodeDetails(l.Type, []byte(raw))
	if err != nil {
		return Log{}, err
	}
	l.Details = d
	return l, nil
}

// ListForTask returns the task's log ordered by created_at then seq.
// Comment entries carry their thread; replies appear inside their root
// comment's thread rather than as separate entries.
func (s Store) ListForTask(ctx context.Context, taskID string, opts ListOptions) ([]Entry, error) {
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(`SELECT `+logColumns+` FROM activity_logs WHERE task_id=? ORDER BY created_at ASC, seq ASC`), taskID)
	if err != nil {
		return nil, err
	}
	var logs []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	threads, err := s.loadThreads(ctx, taskID)
	if err != nil {
		return nil, err
	}
	expand := map[string]bool{}
	for _, id := range opts.ExpandComments {
		expand[id] = true
	}

	out := make([]Entry, 0, len(logs))
	for _, l := range logs {
		e := Entry{Log: l}
		if d, ok := l.Details.(CommentAddedDetails); ok {
			c, found := threads.byID[d.CommentID]
			if found && c.ParentID != nil && *c.ParentID != "" {
				continue
			}
			if found {
				v := threads.view(c, expand[c.ID], expand)
				e.Comment = &v
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type threadIndex struct {
	byID     map[string]domain.Comment
	children map[string][]domain.Comment
}

func (s Store) loadThreads(ctx context.Context, taskID string) (threadIndex, error) {
	idx := threadIndex{byID: map[string]domain.Comment{}, children: map[string][]domain.Comment{}}
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(`
SELECT id, task_id, parent_id, content, initiator_id, initiator_type, created_at, deleted_at
FROM comments WHERE task_id=? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return idx, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Comment
		var parent, deleted sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &parent, &c.Content, &c.InitiatorID, &c.InitiatorType, &c.CreatedAt, &deleted); err != nil {
			return idx, err
		}
		if parent.Valid {
			c.ParentID = &parent.String
		}
		if deleted.Valid {
			c.DeletedAt = &deleted.String
			c.Content = ""
		}
		idx.byID[c.ID] = c
		if c.ParentID != nil {
			idx.children[*c.ParentID] = append(idx.children[*c.ParentID], c)
		}
	}
	return idx, rows.Err()
}

func (idx threadIndex) view(c domain.Comment, full bool, expand map[string]bool) CommentView {
	kids := idx.children[c.ID]
	v := CommentView{Comment: c, ReplyCount: len(kids)}
	if !full && len(kids) > collapsedReplies {
		kids = kids[len(kids)-collapsedReplies:]
	}
	for _, k := range kids {
		if full || expand[k.ID] {
			v.Replies = append(v.Replies, idx.view(k, true, expand))
			continue
		}
		v.Replies = append(v.Replies, CommentView{Comment: k, ReplyCount: len(idx.children[k.ID])})
	}
	sort.SliceStable(v.Replies, func(i, j int) bool { return v.Replies[i].CreatedAt < v.Replies[j].CreatedAt })
	return v
}
