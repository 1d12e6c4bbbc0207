package server

import (
	"taskline/internal/activity"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/notify"
)

// Request payloads

type CreateTaskRequest struct {
	ID              *string `json:"id,omitempty"`
	Title           string  `json:"title" minLength:"1"`
	Body            *string `json:"body,omitempty"`
	WorkflowStateID *string `json:"workflow_state_id,omitempty"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	AssigneeType    *string `json:"assignee_type,omitempty" enum:"internalUser,client,company"`
	DueDate         *string `json:"due_date,omitempty" format:"date"`
	ParentID        *string `json:"parent_id,omitempty"`
}

// AssigneeRequest replaces the assignee; an empty id unassigns.
type AssigneeRequest struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty" enum:"internalUser,client,company"`
}

type UpdateTaskRequest struct {
	Title           *string          `json:"title,omitempty"`
	Body            *string          `json:"body,omitempty"`
	WorkflowStateID *string          `json:"workflow_state_id,omitempty"`
	Assignee        *AssigneeRequest `json:"assignee,omitempty"`
	DueDate         *string          `json:"due_date,omitempty" doc:"YYYY-MM-DD; empty string clears"`
	IsArchived      *bool            `json:"is_archived,omitempty"`
}

type CreateCommentRequest struct {
	ID       *string `json:"id,omitempty"`
	Content  string  `json:"content" minLength:"1"`
	ParentID *string `json:"parent_id,omitempty"`
}

type AddViewersRequest struct {
	ViewerIDs []string `json:"viewer_ids" minItems:"1"`
}

type CreateWorkflowStateRequest struct {
	Name string `json:"name" minLength:"1"`
	Type string `json:"type" enum:"backlog,unstarted,started,completed,cancelled"`
}

type SendNotificationsRequest struct {
	TaskID        string             `json:"task_id" minLength:"1"`
	Kind          string             `json:"kind" enum:"create,update,assign,share,comment,reconcile"`
	EventKey      string             `json:"event_key" minLength:"1"`
	ActivityLogID *string            `json:"activity_log_id,omitempty"`
	Targets       []notify.Recipient `json:"targets" minItems:"1"`
}

// MarkReadRequest marks one notification when NotificationID is set and
// every unread notification of the caller otherwise.
type MarkReadRequest struct {
	NotificationID *string `json:"notification_id,omitempty"`
}

// Response payloads

type ActivityLogsResponse struct {
	Data []activity.Entry `json:"data"`
}

type WorkflowStatesResponse struct {
	Data []domain.WorkflowState `json:"data"`
}

type NotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type MarkReadResponse struct {
	IDs []string `json:"ids"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type StaleTokenResponse struct {
	IsStale bool `json:"isStale"`
}

func createOptions(req CreateTaskRequest) engine.TaskCreateOptions {
	return engine.TaskCreateOptions{
		ID:              stringOrEmpty(req.ID),
		Title:           req.Title,
		Body:            stringOrEmpty(req.Body),
		WorkflowStateID: stringOrEmpty(req.WorkflowStateID),
		AssigneeID:      stringOrEmpty(req.AssigneeID),
		AssigneeType:    stringOrEmpty(req.AssigneeType),
		DueDate:         stringOrEmpty(req.DueDate),
		ParentID:        stringOrEmpty(req.ParentID),
	}
}

func updateOptions(req UpdateTaskRequest) engine.TaskUpdateOptions {
	opts := engine.TaskUpdateOptions{
		Title:           req.Title,
		Body:            req.Body,
		WorkflowStateID: req.WorkflowStateID,
		DueDate:         req.DueDate,
		Archived:        req.IsArchived,
	}
	if req.Assignee != nil {
		opts.Assignee = &engine.AssigneeRef{Kind: req.Assignee.Type, ID: req.Assignee.ID}
	}
	return opts
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
