package activity_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/activity"
	"taskline/internal/dbtest"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/repo"
)

var (
	u1 = identity.Principal{InternalUserID: "u1", WorkspaceID: "w"}
	c1 = identity.Principal{ClientID: "c1", CompanyID: "A", WorkspaceID: "w"}
)

type env struct {
	store activity.Store
	repo  repo.Repo
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dbtest.Open(t)
	e := &env{repo: repo.Repo{Conn: conn}, now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	e.store = activity.Store{Conn: conn, Now: func() time.Time { return e.now }}
	ctx := context.Background()
	const ts = "2025-01-01T00:00:00.000000000Z"
	require.NoError(t, e.repo.InsertWorkflowState(ctx, domain.WorkflowState{ID: "todo", WorkspaceID: "w", Name: "Todo", Type: domain.StateUnstarted, CreatedAt: ts}))
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = e.repo.InsertTaskTx(ctx, tx, domain.Task{ID: "t1", WorkspaceID: "w", Title: "T", WorkflowStateID: "todo", CreatedBy: "u1", CreatedByType: domain.InternalUser, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return e
}

func (e *env) append(t *testing.T, d activity.Details, actor identity.Principal, opts ...activity.AppendOption) activity.Log {
	t.Helper()
	ctx := context.Background()
	tx, err := e.store.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	l, err := e.store.Append(ctx, tx, "t1", d, actor, opts...)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return l
}

func TestAppendIsIdempotentWithDedupKey(t *testing.T) {
	e := newEnv(t)
	d := activity.TaskCreatedDetails{Title: "T", WorkflowStateID: "todo"}
	first := e.append(t, d, u1, activity.WithDedupKey("TASK_CREATED:t1"))
	second := e.append(t, d, u1, activity.WithDedupKey("TASK_CREATED:t1"))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	entries, err := e.store.ListForTask(context.Background(), "t1", activity.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.TaskCreated, entries[0].Type)
}

func TestAppendRejectsInvalidDetails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx, err := e.store.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = e.store.Append(ctx, tx, "t1", activity.TaskCreatedDetails{WorkflowStateID: "todo"}, u1)
	require.ErrorIs(t, err, activity.ErrInvalidDetails)

	_, err = e.store.Append(ctx, tx, "t1", activity.TaskAssignedDetails{}, u1)
	require.ErrorIs(t, err, activity.ErrInvalidDetails)

	_, err = e.store.Append(ctx, tx, "t1", activity.DueDateChangedDetails{OldValue: "", NewValue: "tomorrow"}, u1)
	require.ErrorIs(t, err, activity.ErrInvalidDetails)
}

func TestListOrdersByCreatedAtThenSeq(t *testing.T) {
	e := newEnv(t)
	e.append(t, activity.TaskCreatedDetails{Title: "T", WorkflowStateID: "todo"}, u1)
	// Clock skew backwards: the entry still sorts after the first.
	e.now = e.now.Add(-time.Minute)
	e.append(t, activity.TitleUpdatedDetails{OldValue: "T", NewValue: "T2"}, u1)
	e.append(t, activity.TaskAssignedDetails{OldValue: "", NewValue: "u2", NewType: domain.InternalUser}, u1)

	entries, err := e.store.ListForTask(context.Background(), "t1", activity.ListOptions{})
	require.NoError(t, err)
	var got []activity.Type
	for _, en := range entries {
		got = append(got, en.Type)
	}
	want := []activity.Type{activity.TaskCreated, activity.TitleUpdated, activity.TaskAssigned}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	assert.LessOrEqual(t, entries[0].CreatedAt, entries[1].CreatedAt)
	assert.Less(t, entries[1].Seq, entries[2].Seq)

	assigned, ok := entries[2].Details.(activity.TaskAssignedDetails)
	require.True(t, ok)
	assert.Equal(t, "u2", assigned.NewValue)
	assert.Equal(t, "u1", entries[2].UserID)
	assert.Equal(t, domain.InternalUser, entries[2].UserRole)
}

func TestListPassesThroughUnknownTypes(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.Conn.Exec(`INSERT INTO activity_logs(id, task_id, workspace_id, type, details_json, user_id, user_role, created_at)
VALUES ('legacy', 't1', 'w', 'TASK_ATTACHMENT_ADDED', '{"file":"a.pdf"}', 'u1', 'internalUser', '2025-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	entries, err := e.store.ListForTask(context.Background(), "t1", activity.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	unknown, ok := entries[0].Details.(activity.UnknownDetails)
	require.True(t, ok)
	assert.JSONEq(t, `{"file":"a.pdf"}`, string(unknown.Raw))
}

func TestCommentThreadsCollapseAndExpand(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	addComment := func(id, parent string, minute int) {
		c := domain.Comment{ID: id, TaskID: "t1", Content: "text " + id, InitiatorID: "c1", InitiatorType: domain.Client,
			CreatedAt: e.now.Add(time.Duration(minute) * time.Minute).Format("2006-01-02T15:04:05.000000000Z")}
		if parent != "" {
			c.ParentID = &parent
		}
		tx, err := e.store.Conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, e.repo.InsertCommentTx(ctx, tx, c))
		_, err = e.store.Append(ctx, tx, "t1", activity.CommentAddedDetails{CommentID: id, ParentID: parent, Content: c.Content}, c1)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	addComment("root", "", 0)
	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		addComment(id, "root", i+1)
	}
	addComment("r4a", "r4", 10)

	entries, err := e.store.ListForTask(ctx, "t1", activity.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "replies are nested under their root comment")
	root := entries[0].Comment
	require.NotNil(t, root)
	assert.Equal(t, 4, root.ReplyCount)
	require.Len(t, root.Replies, 3)
	assert.Equal(t, "r2", root.Replies[0].ID)
	assert.Equal(t, 1, root.Replies[2].ReplyCount)
	assert.Empty(t, root.Replies[2].Replies)

	entries, err = e.store.ListForTask(ctx, "t1", activity.ListOptions{ExpandComments: []string{"root"}})
	require.NoError(t, err)
	root = entries[0].Comment
	require.Len(t, root.Replies, 4)
	assert.Equal(t, "r1", root.Replies[0].ID)
	require.Len(t, root.Replies[3].Replies, 1)
	assert.Equal(t, "r4a", root.Replies[3].Replies[0].ID)
}
