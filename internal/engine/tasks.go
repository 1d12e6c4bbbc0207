package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/activity"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/policy"
	"taskline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task. A caller-supplied
// ID makes creation idempotent.
type TaskCreateOptions struct {
	ID              string
	Title           string
	Body            string
	WorkflowStateID string
	AssigneeID      string
	AssigneeType    string
	DueDate         string
	ParentID        string
}

func (e Engine) CreateTask(ctx context.Context, actor identity.Principal, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.authorize(actor, policy.Create, policy.Task); err != nil {
		return domain.Task{}, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, invalid("title", "required")
	}
	if opts.DueDate != "" && !validDate(opts.DueDate) {
		return domain.Task{}, invalid("due_date", "must be YYYY-MM-DD")
	}
	if err := e.checkAssignee(ctx, opts.AssigneeType, opts.AssigneeID); err != nil {
		return domain.Task{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.WorkflowStateID == "" {
		if _, err := e.EnsureDefaultWorkflowStates(ctx, actor.WorkspaceID); err != nil {
			return domain.Task{}, err
		}
	}

	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	state, err := e.resolveState(ctx, tx, actor.WorkspaceID, opts.WorkflowStateID)
	if err != nil {
		return domain.Task{}, err
	}
	depth := 0
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTaskTx(ctx, tx, opts.ParentID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && visible(parent, actor) != nil) {
			return domain.Task{}, invalid("parent_id", "task %s not found", opts.ParentID)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if parent.Depth >= e.maxDepth() {
			return domain.Task{}, invalid("parent_id", "subtasks may be nested at most %d levels", e.maxDepth())
		}
		depth = parent.Depth + 1
	}

	now := e.stamp()
	t := domain.Task{
		ID:              opts.ID,
		WorkspaceID:     actor.WorkspaceID,
		Title:           opts.Title,
		Body:            opts.Body,
		WorkflowStateID: state.ID,
		Depth:           depth,
		CreatedBy:       actor.ID(),
		CreatedByType:   actor.Kind(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Viewers:         []domain.Viewer{},
	}
	if opts.AssigneeID != "" {
		t.AssigneeID = ptr(opts.AssigneeID)
		t.AssigneeType = ptr(opts.AssigneeType)
	}
	if opts.DueDate != "" {
		t.DueDate = ptr(opts.DueDate)
	}
	if opts.ParentID != "" {
		t.ParentID = ptr(opts.ParentID)
	}
	if state.Type == domain.StateCompleted {
		t.CompletedAt = ptr(now)
	}

	inserted, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	if !inserted {
		existing, err := e.Repo.LockTaskTx(ctx, tx, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if existing.WorkspaceID != actor.WorkspaceID {
			return domain.Task{}, ErrConflict
		}
		t = existing
	}

	log, err := e.Activity.Append(ctx, tx, t.ID, activity.TaskCreatedDetails{
		Title:           t.Title,
		WorkflowStateID: t.WorkflowStateID,
		AssigneeID:      deref(t.AssigneeID),
		AssigneeType:    deref(t.AssigneeType),
		ParentID:        deref(t.ParentID),
	}, actor, activity.WithDedupKey(string(activity.TaskCreated)+":"+t.ID))
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if t.IsDeleted() {
		return t, nil
	}
	e.logger().Info("task created", zap.String("task_id", t.ID), zap.Bool("replayed", !inserted))
	e.enqueue(ctx, notify.Event{
		Class:         domain.NotificationCreate,
		TaskID:        t.ID,
		ActivityLogID: log.ID,
		Actor:         recipientOf(actor),
	})
	return t, nil
}

// checkAssignee validates the kind and, for clients and companies, that the
// identity provider knows the id.
func (e Engine) checkAssignee(ctx context.Context, kind, id string) error {
	if id == "" {
		if kind != "" {
			return invalid("assignee_id", "required with assignee_type")
		}
		return nil
	}
	switch kind {
	case domain.InternalUser:
		return nil
	case domain.Client:
		if e.Gateway == nil {
			return nil
		}
		_, err := e.Gateway.GetClient(ctx, id)
		if errors.Is(err, identity.ErrNotFound) {
			return invalid("assignee_id", "client %s not found", id)
		}
		return err
	case domain.Company:
		if e.Gateway == nil {
			return nil
		}
		_, err := e.Gateway.GetCompany(ctx, id)
		if errors.Is(err, identity.ErrNotFound) {
			return invalid("assignee_id", "company %s not found", id)
		}
		return err
	default:
		return invalid("assignee_type", "must be internalUser, client or company")
	}
}

// resolveState returns the named state, or the workspace's first state when
// id is empty.
func (e Engine) resolveState(ctx context.Context, tx *sql.Tx, workspaceID, id string) (domain.WorkflowState, error) {
	if id == "" {
		states, err := e.Repo.ListWorkflowStates(ctx, workspaceID)
		if err != nil {
			return domain.WorkflowState{}, err
		}
		if len(states) == 0 {
			return domain.WorkflowState{}, invalid("workflow_state_id", "workspace has no workflow states")
		}
		return states[0], nil
	}
	s, err := e.Repo.GetWorkflowStateTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && s.WorkspaceID != workspaceID) {
		return s, invalid("workflow_state_id", "state %s not found", id)
	}
	return s, err
}

func (e Engine) GetTask(ctx context.Context, actor identity.Principal, id string) (domain.Task, error) {
	if err := e.authorize(actor, policy.Read, policy.Task); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	return t, visible(t, actor)
}

// AssigneeRef names a new assignee. An empty ID unassigns.
type AssigneeRef struct {
	Kind string
	ID   string
}

// TaskUpdateOptions encapsulates allowed updates. Nil fields are left
// unchanged; an empty DueDate clears it.
type TaskUpdateOptions struct {
	Title           *string
	Body            *string
	WorkflowStateID *string
	Assignee        *AssigneeRef
	DueDate         *string
	Archived        *bool
}

func (e Engine) UpdateTask(ctx context.Context, actor identity.Principal, id string, opts TaskUpdateOptions) (domain.Task, error) {
	if err := e.authorize(actor, policy.Update, policy.Task); err != nil {
		return domain.Task{}, err
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, invalid("title", "must not be empty")
	}
	if opts.DueDate != nil && *opts.DueDate != "" && !validDate(*opts.DueDate) {
		return domain.Task{}, invalid("due_date", "must be YYYY-MM-DD")
	}
	if opts.Assignee != nil {
		if err := e.checkAssignee(ctx, opts.Assignee.Kind, opts.Assignee.ID); err != nil {
			return domain.Task{}, err
		}
	}

	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := visible(t, actor); err != nil {
		return t, err
	}

	now := e.stamp()
	var changes []activity.Details
	var events []notify.Event
	var previous *notify.Assignee

	if opts.Assignee != nil {
		oldKind, oldID, _ := t.Assignee()
		if oldKind != opts.Assignee.Kind || oldID != opts.Assignee.ID {
			changes = append(changes, activity.TaskAssignedDetails{
				OldValue: oldID, OldType: oldKind, NewValue: opts.Assignee.ID, NewType: opts.Assignee.Kind,
			})
			if oldID != "" {
				previous = &notify.Assignee{Kind: oldKind, ID: oldID}
			}
			t.AssigneeID, t.AssigneeType = nil, nil
			if opts.Assignee.ID != "" {
				t.AssigneeID = ptr(opts.Assignee.ID)
				t.AssigneeType = ptr(opts.Assignee.Kind)
			}
		}
	}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title != t.Title {
			changes = append(changes, activity.TitleUpdatedDetails{OldValue: t.Title, NewValue: title})
			t.Title = title
		}
	}
	if opts.Body != nil && *opts.Body != t.Body {
		changes = append(changes, activity.DescriptionUpdatedDetails{OldValue: t.Body, NewValue: *opts.Body})
		t.Body = *opts.Body
	}
	if opts.WorkflowStateID != nil && *opts.WorkflowStateID != t.WorkflowStateID {
		next, err := e.resolveState(ctx, tx, t.WorkspaceID, *opts.WorkflowStateID)
		if err != nil {
			return domain.Task{}, err
		}
		prev, err := e.Repo.GetWorkflowStateTx(ctx, tx, t.WorkflowStateID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
		changes = append(changes, activity.WorkflowStateUpdatedDetails{
			OldValue: t.WorkflowStateID, NewValue: next.ID, OldStateType: prev.Type, NewStateType: next.Type,
		})
		t.WorkflowStateID = next.ID
		switch {
		case next.Type == domain.StateCompleted && prev.Type != domain.StateCompleted:
			t.CompletedAt = ptr(now)
		case next.Type != domain.StateCompleted:
			t.CompletedAt = nil
		}
	}
	if opts.DueDate != nil && *opts.DueDate != deref(t.DueDate) {
		changes = append(changes, activity.DueDateChangedDetails{OldValue: deref(t.DueDate), NewValue: *opts.DueDate})
		t.DueDate = nil
		if *opts.DueDate != "" {
			t.DueDate = ptr(*opts.DueDate)
		}
	}
	if opts.Archived != nil && *opts.Archived != t.IsArchived {
		changes = append(changes, activity.ArchiveStateUpdatedDetails{OldValue: t.IsArchived, NewValue: *opts.Archived})
		t.IsArchived = *opts.Archived
		t.ArchivedBy = nil
		if t.IsArchived {
			t.ArchivedBy = ptr(actor.ID())
		}
	}
	if len(changes) == 0 {
		return t, nil
	}

	t.UpdatedAt = now
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	for _, d := range changes {
		log, err := e.Activity.Append(ctx, tx, t.ID, d, actor)
		if err != nil {
			return domain.Task{}, err
		}
		evt := notify.Event{Class: domain.NotificationUpdate, TaskID: t.ID, ActivityLogID: log.ID, Actor: recipientOf(actor)}
		if d.Type() == activity.TaskAssigned {
			evt.Class = domain.NotificationAssign
			evt.PreviousAssignee = previous
		}
		events = append(events, evt)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.enqueue(ctx, events...)
	return t, nil
}

// DeleteTask soft-deletes the task, logs TASK_DELETED and schedules removal
// of its notifications. Deleting a deleted task is a no-op.
func (e Engine) DeleteTask(ctx context.Context, actor identity.Principal, id string) error {
	if err := e.authorize(actor, policy.Delete, policy.Task); err != nil {
		return err
	}
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.WorkspaceID != actor.WorkspaceID {
		return repo.ErrNotFound
	}
	if !t.IsDeleted() {
		now := e.stamp()
		t.DeletedAt = ptr(now)
		t.UpdatedAt = now
		if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if _, err := e.Activity.Append(ctx, tx, t.ID, activity.TaskDeletedDetails{Title: t.Title}, actor,
			activity.WithDedupKey(string(activity.TaskDeleted)+":"+t.ID)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Jobs != nil {
		if _, err := e.Jobs.Enqueue(ctx, jobs.KindRemoveTaskNotifications+":"+t.ID, jobs.KindRemoveTaskNotifications,
			notify.RemoveTaskJob{TaskID: t.ID}, jobs.Options{}); err != nil {
			e.logger().Error("enqueue notification removal failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// ListActivity returns the task's activity log.
func (e Engine) ListActivity(ctx context.Context, actor identity.Principal, taskID string, opts activity.ListOptions) ([]activity.Entry, error) {
	if err := e.authorize(actor, policy.Read, policy.ActivityLog); err != nil {
		return nil, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkspaceID != actor.WorkspaceID {
		return nil, repo.ErrNotFound
	}
	return e.Activity.ListForTask(ctx, taskID, opts)
}
