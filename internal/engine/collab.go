package engine

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/activity"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/notify"
	"taskline/internal/policy"
	"taskline/internal/repo"
)

type CommentOptions struct {
	ID       string
	Content  string
	ParentID string
}

// AddComment stores a comment or reply and logs COMMENT_ADDED. Re-sending a
// comment id that already exists returns the stored comment.
func (e Engine) AddComment(ctx context.Context, actor identity.Principal, taskID string, opts CommentOptions) (domain.Comment, error) {
	if err := e.authorize(actor, policy.Create, policy.Comment); err != nil {
		return domain.Comment{}, err
	}
	if strings.TrimSpace(opts.Content) == "" {
		return domain.Comment{}, invalid("content", "required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := visible(t, actor); err != nil {
		return domain.Comment{}, err
	}

	c, err := e.Repo.GetCommentTx(ctx, tx, opts.ID)
	switch {
	case err == nil:
		if c.TaskID != taskID {
			return domain.Comment{}, ErrConflict
		}
	case errors.Is(err, repo.ErrNotFound):
		c = domain.Comment{
			ID:            opts.ID,
			TaskID:        taskID,
			Content:       opts.Content,
			InitiatorID:   actor.ID(),
			InitiatorType: actor.Kind(),
			CreatedAt:     e.stamp(),
		}
		if opts.ParentID != "" {
			parent, err := e.Repo.GetCommentTx(ctx, tx, opts.ParentID)
			if errors.Is(err, repo.ErrNotFound) || (err == nil && parent.TaskID != taskID) {
				return domain.Comment{}, invalid("parent_id", "comment %s not found on task", opts.ParentID)
			}
			if err != nil {
				return domain.Comment{}, err
			}
			c.ParentID = ptr(opts.ParentID)
		}
		if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
			return domain.Comment{}, err
		}
	default:
		return domain.Comment{}, err
	}

	log, err := e.Activity.Append(ctx, tx, taskID, activity.CommentAddedDetails{
		CommentID: c.ID,
		ParentID:  deref(c.ParentID),
		Content:   c.Content,
	}, actor, activity.WithDedupKey(string(activity.CommentAdded)+":"+c.ID))
	if err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	e.enqueue(ctx, notify.Event{
		Class:           domain.NotificationComment,
		TaskID:          taskID,
		ActivityLogID:   log.ID,
		Actor:           recipientOf(actor),
		ParentCommentID: deref(c.ParentID),
	})
	return c, nil
}

// AddViewers shares the task with clients. Each new viewer gets a
// VIEWER_ADDED row; one share notification covers the whole call.
func (e Engine) AddViewers(ctx context.Context, actor identity.Principal, taskID string, clientIDs []string) (domain.Task, error) {
	if err := e.authorize(actor, policy.Create, policy.Viewer); err != nil {
		return domain.Task{}, err
	}
	if len(clientIDs) == 0 {
		return domain.Task{}, invalid("viewer_ids", "at least one client required")
	}
	companies := map[string]string{}
	for _, id := range clientIDs {
		if id == "" {
			return domain.Task{}, invalid("viewer_ids", "empty client id")
		}
		if e.Gateway == nil {
			continue
		}
		c, err := e.Gateway.GetClient(ctx, id)
		if errors.Is(err, identity.ErrNotFound) {
			return domain.Task{}, invalid("viewer_ids", "client %s not found", id)
		}
		if err != nil {
			return domain.Task{}, err
		}
		companies[id] = c.CompanyID
	}

	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := visible(t, actor); err != nil {
		return t, err
	}

	now := e.stamp()
	var added []string
	var firstLog string
	for _, id := range clientIDs {
		v := domain.Viewer{ViewerID: id, ViewerType: domain.Client, CompanyID: companies[id], AddedAt: now}
		ok, err := e.Repo.AddViewerTx(ctx, tx, taskID, v)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			continue
		}
		log, err := e.Activity.Append(ctx, tx, taskID, activity.ViewerAddedDetails{
			ViewerID: id, ViewerType: domain.Client, CompanyID: v.CompanyID,
		}, actor)
		if err != nil {
			return domain.Task{}, err
		}
		if firstLog == "" {
			firstLog = log.ID
		}
		added = append(added, id)
	}
	t.Viewers, err = e.Repo.ListViewersTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if len(added) > 0 {
		sort.Strings(added)
		e.enqueue(ctx, notify.Event{
			Class:         domain.NotificationShare,
			TaskID:        taskID,
			ActivityLogID: firstLog,
			Actor:         recipientOf(actor),
			NewlyShared:   added,
		})
	}
	return t, nil
}

func (e Engine) RemoveViewer(ctx context.Context, actor identity.Principal, taskID, viewerID string) (domain.Task, error) {
	if err := e.authorize(actor, policy.Delete, policy.Viewer); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := visible(t, actor); err != nil {
		return t, err
	}
	removed, err := e.Repo.RemoveViewerTx(ctx, tx, taskID, viewerID)
	if err != nil {
		return t, err
	}
	if !removed {
		return t, repo.ErrNotFound
	}
	if _, err := e.Activity.Append(ctx, tx, taskID, activity.ViewerRemovedDetails{ViewerID: viewerID, ViewerType: domain.Client}, actor); err != nil {
		return t, err
	}
	t.Viewers, err = e.Repo.ListViewersTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// SystemActor is the principal recorded on rows written in reaction to
// identity-provider events.
func SystemActor(workspaceID string) identity.Principal {
	return identity.Principal{InternalUserID: "system", WorkspaceID: workspaceID}
}

// ClearAssignments unassigns every live task held by (kind, id), logging
// TASK_ASSIGNED as the system actor. A deleted client is also taken off the
// viewer list of every task it views, logging VIEWER_REMOVED. No notification
// is sent: the only party to tell is the deleted principal.
func (e Engine) ClearAssignments(ctx context.Context, workspaceID, kind, id string) error {
	ids, err := e.Repo.OpenTaskIDsByAssigneeTx(ctx, nil, kind, id)
	if err != nil {
		return err
	}
	for _, taskID := range ids {
		if err := e.clearAssignment(ctx, workspaceID, taskID, kind, id); err != nil {
			return err
		}
	}
	var viewed []string
	if kind == domain.Client {
		viewed, err = e.Repo.TaskIDsByViewerTx(ctx, nil, id)
		if err != nil {
			return err
		}
		for _, taskID := range viewed {
			if err := e.dropViewer(ctx, workspaceID, taskID, id); err != nil {
				return err
			}
		}
	}
	if len(ids)+len(viewed) > 0 {
		e.logger().Info("assignments cleared",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.Int("tasks", len(ids)),
			zap.Int("viewed", len(viewed)))
	}
	return nil
}

func (e Engine) dropViewer(ctx context.Context, workspaceID, taskID, clientID string) error {
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.IsDeleted() || (workspaceID != "" && t.WorkspaceID != workspaceID) {
		return nil
	}
	removed, err := e.Repo.RemoveViewerTx(ctx, tx, taskID, clientID)
	if err != nil || !removed {
		return err
	}
	if _, err := e.Activity.Append(ctx, tx, taskID, activity.ViewerRemovedDetails{ViewerID: clientID, ViewerType: domain.Client}, SystemActor(t.WorkspaceID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) clearAssignment(ctx context.Context, workspaceID, taskID, kind, id string) error {
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.LockTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	curKind, curID, ok := t.Assignee()
	if !ok || curKind != kind || curID != id || t.IsDeleted() {
		return nil
	}
	if workspaceID != "" && t.WorkspaceID != workspaceID {
		return nil
	}
	t.AssigneeID, t.AssigneeType = nil, nil
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if _, err := e.Activity.Append(ctx, tx, t.ID, activity.TaskAssignedDetails{OldValue: id, OldType: kind}, SystemActor(t.WorkspaceID)); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateWorkflowState adds a state at the end of the workspace's list.
func (e Engine) CreateWorkflowState(ctx context.Context, actor identity.Principal, name, kind string) (domain.WorkflowState, error) {
	if err := e.authorize(actor, policy.Create, policy.WorkflowState); err != nil {
		return domain.WorkflowState{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.WorkflowState{}, invalid("name", "required")
	}
	switch kind {
	case domain.StateBacklog, domain.StateUnstarted, domain.StateStarted, domain.StateCompleted, domain.StateCancelled:
	default:
		return domain.WorkflowState{}, invalid("type", "unknown state type %q", kind)
	}
	existing, err := e.Repo.ListWorkflowStates(ctx, actor.WorkspaceID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	s := domain.WorkflowState{
		ID:          uuid.NewString(),
		WorkspaceID: actor.WorkspaceID,
		Name:        name,
		Type:        kind,
		Position:    len(existing),
		CreatedAt:   e.stamp(),
	}
	return s, e.Repo.InsertWorkflowState(ctx, s)
}

// ListWorkflowStates returns the workspace's states, seeding the configured
// defaults on first use.
func (e Engine) ListWorkflowStates(ctx context.Context, actor identity.Principal) ([]domain.WorkflowState, error) {
	if err := e.authorize(actor, policy.Read, policy.WorkflowState); err != nil {
		return nil, err
	}
	return e.EnsureDefaultWorkflowStates(ctx, actor.WorkspaceID)
}

func (e Engine) EnsureDefaultWorkflowStates(ctx context.Context, workspaceID string) ([]domain.WorkflowState, error) {
	states, err := e.Repo.ListWorkflowStates(ctx, workspaceID)
	if err != nil || len(states) > 0 || e.Config == nil {
		return states, err
	}
	now := e.stamp()
	for i, ws := range e.Config.WorkflowStates {
		s := domain.WorkflowState{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(workspaceID+"|"+ws.Name)).String(),
			WorkspaceID: workspaceID,
			Name:        ws.Name,
			Type:        ws.Type,
			Position:    i,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertWorkflowStateIfAbsent(ctx, s); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListWorkflowStates(ctx, workspaceID)
}
