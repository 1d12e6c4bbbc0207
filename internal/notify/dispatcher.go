package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/repo"
)

// Dispatcher is the send-notifications job body: it snapshots task and
// membership state, computes recipients and sends.
type Dispatcher struct {
	Repo     repo.Repo
	Gateway  identity.Gateway
	Targeter Targeter
	Service  *Service
	Logger   *zap.Logger
}

// JobID is the runner id for an event; repeated enqueues coalesce.
func JobID(evt Event) string {
	return jobs.KindSendNotifications + ":" + evt.TaskID + ":" + evt.Key()
}

// Handle implements jobs.HandlerFunc.
func (d Dispatcher) Handle(ctx context.Context, payload json.RawMessage) error {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode notification event: %w", err)
	}
	_, err := d.Dispatch(ctx, evt)
	return err
}

// Dispatch runs targeting and delivery for one event.
func (d Dispatcher) Dispatch(ctx context.Context, evt Event) ([]domain.Notification, error) {
	task, err := d.Repo.GetTask(ctx, evt.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.IsDeleted() {
		return nil, nil
	}
	st, err := d.State(ctx, task, evt)
	if err != nil {
		return nil, err
	}
	recipients := d.Targeter.ComputeRecipients(evt, st)
	if len(recipients) == 0 {
		return nil, nil
	}
	sent, err := d.Service.Send(ctx, SendRequest{
		WorkspaceID:   task.WorkspaceID,
		TaskID:        task.ID,
		Kind:          evt.Class,
		EventKey:      evt.Key(),
		ActivityLogID: evt.ActivityLogID,
		Targets:       recipients,
	})
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.Debug("notifications sent",
			zap.String("task_id", task.ID),
			zap.String("event_key", evt.Key()),
			zap.Int("recipients", len(sent)))
	}
	return sent, nil
}

// State gathers the facts targeting needs. Clients the gateway no longer
// knows are left out; other gateway errors fail the job so it retries.
func (d Dispatcher) State(ctx context.Context, task domain.Task, evt Event) (TargetState, error) {
	st := TargetState{
		Task:           task,
		CompanyClients: map[string][]string{},
		ClientCompany:  map[string]string{},
	}
	for _, v := range task.Viewers {
		if v.CompanyID != "" {
			st.ClientCompany[v.ViewerID] = v.CompanyID
		}
	}
	assignees := []Assignee{currentAssignee(task)}
	if evt.PreviousAssignee != nil {
		assignees = append(assignees, *evt.PreviousAssignee)
	}
	if task.CreatedByType == domain.Client {
		assignees = append(assignees, Assignee{Kind: domain.Client, ID: task.CreatedBy})
	}
	for _, id := range evt.NewlyShared {
		assignees = append(assignees, Assignee{Kind: domain.Client, ID: id})
	}
	if evt.ParentCommentID != "" {
		parent, err := d.Repo.GetComment(ctx, evt.ParentCommentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return st, err
		}
		if err == nil {
			author := Assignee{Kind: parent.InitiatorType, ID: parent.InitiatorID}
			st.ParentCommentAuthor = &author
			assignees = append(assignees, author)
		}
	}

	for _, a := range assignees {
		switch a.Kind {
		case domain.Company:
			if _, done := st.CompanyClients[a.ID]; done {
				continue
			}
			ids, err := identity.CompanyClientIDs(ctx, d.Gateway, a.ID)
			if err != nil && !errors.Is(err, identity.ErrNotFound) {
				return st, err
			}
			st.CompanyClients[a.ID] = ids
		case domain.Client:
			if _, done := st.ClientCompany[a.ID]; done || a.ID == "" {
				continue
			}
			c, err := d.Gateway.GetClient(ctx, a.ID)
			if errors.Is(err, identity.ErrNotFound) {
				continue
			}
			if err != nil {
				return st, err
			}
			st.ClientCompany[a.ID] = c.CompanyID
		}
	}

	if evt.Class == domain.NotificationCreate && evt.Actor.Kind == domain.Client {
		users, err := d.Gateway.GetInternalUsers(ctx)
		if err != nil {
			return st, err
		}
		for _, u := range users {
			if u.WorkspaceID == "" || u.WorkspaceID == task.WorkspaceID {
				st.InternalUsers = append(st.InternalUsers, u.ID)
			}
		}
	}
	return st, nil
}
