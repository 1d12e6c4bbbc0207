package activity

import (
	"encoding/json"
	"fmt"
)

// Type is the closed set of activity log kinds.
type Type string

const (
	TaskCreated          Type = "TASK_CREATED"
	TaskAssigned         Type = "TASK_ASSIGNED"
	WorkflowStateUpdated Type = "WORKFLOW_STATE_UPDATED"
	TitleUpdated         Type = "TITLE_UPDATED"
	DescriptionUpdated   Type = "DESCRIPTION_UPDATED"
	DueDateChanged       Type = "DUE_DATE_CHANGED"
	ArchiveStateUpdated  Type = "ARCHIVE_STATE_UPDATED"
	CommentAdded         Type = "COMMENT_ADDED"
	ViewerAdded          Type = "VIEWER_ADDED"
	ViewerRemoved        Type = "VIEWER_REMOVED"
	TaskDeleted          Type = "TASK_DELETED"
)

// Types lists every known type in declaration order.
var Types = []Type{
	TaskCreated, TaskAssigned, WorkflowStateUpdated, TitleUpdated, DescriptionUpdated,
	DueDateChanged, ArchiveStateUpdated, CommentAdded, ViewerAdded, ViewerRemoved, TaskDeleted,
}

func (t Type) Known() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Details is the payload of one activity log row. Each Type has exactly one
// implementation.
type Details interface {
	Type() Type
}

type TaskCreatedDetails struct {
	Title           string `json:"title"`
	WorkflowStateID string `json:"workflowStateId"`
	AssigneeID      string `json:"assigneeId,omitempty"`
	AssigneeType    string `json:"assigneeType,omitempty"`
	ParentID        string `json:"parentId,omitempty"`
}

// TaskAssignedDetails carries the previous and new assignee. Empty values
// mean unassigned.
type TaskAssignedDetails struct {
	OldValue string `json:"oldValue"`
	OldType  string `json:"oldType,omitempty"`
	NewValue string `json:"newValue"`
	NewType  string `json:"newType,omitempty"`
}

type WorkflowStateUpdatedDetails struct {
	OldValue     string `json:"oldValue"`
	NewValue     string `json:"newValue"`
	OldStateType string `json:"oldStateType,omitempty"`
	NewStateType string `json:"newStateType,omitempty"`
}

type TitleUpdatedDetails struct {
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

type DescriptionUpdatedDetails struct {
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

type DueDateChangedDetails struct {
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

type ArchiveStateUpdatedDetails struct {
	OldValue bool `json:"oldValue"`
	NewValue bool `json:"newValue"`
}

type CommentAddedDetails struct {
	CommentID string `json:"commentId"`
	ParentID  string `json:"parentId,omitempty"`
	Content   string `json:"content"`
}

type ViewerAddedDetails struct {
	ViewerID   string `json:"viewerId"`
	ViewerType string `json:"viewerType"`
	CompanyID  string `json:"companyId,omitempty"`
}

type ViewerRemovedDetails struct {
	ViewerID   string `json:"viewerId"`
	ViewerType string `json:"viewerType"`
}

type TaskDeletedDetails struct {
	Title string `json:"title"`
}

// UnknownDetails holds rows whose type this build does not recognize.
type UnknownDetails struct {
	Kind Type
	Raw  json.RawMessage
}

func (TaskCreatedDetails) Type() Type          { return TaskCreated }
func (TaskAssignedDetails) Type() Type         { return TaskAssigned }
func (WorkflowStateUpdatedDetails) Type() Type { return WorkflowStateUpdated }
func (TitleUpdatedDetails) Type() Type         { return TitleUpdated }
func (DescriptionUpdatedDetails) Type() Type   { return DescriptionUpdated }
func (DueDateChangedDetails) Type() Type       { return DueDateChanged }
func (ArchiveStateUpdatedDetails) Type() Type  { return ArchiveStateUpdated }
func (CommentAddedDetails) Type() Type         { return CommentAdded }
func (ViewerAddedDetails) Type() Type          { return ViewerAdded }
func (ViewerRemovedDetails) Type() Type        { return ViewerRemoved }
func (TaskDeletedDetails) Type() Type          { return TaskDeleted }
func (u UnknownDetails) Type() Type            { return u.Kind }

func (u UnknownDetails) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// DecodeDetails parses stored details without validating them. Unknown
// types come back as UnknownDetails.
func DecodeDetails(t Type, raw []byte) (Details, error) {
	var d Details
	switch t {
	case TaskCreated:
		d = &TaskCreatedDetails{}
	case TaskAssigned:
		d = &TaskAssignedDetails{}
	case WorkflowStateUpdated:
		d = &WorkflowStateUpdatedDetails{}
	case TitleUpdated:
		d = &TitleUpdatedDetails{}
	case DescriptionUpdated:
		d = &DescriptionUpdatedDetails{}
	case DueDateChanged:
		d = &DueDateChangedDetails{}
	case ArchiveStateUpdated:
		d = &ArchiveStateUpdatedDetails{}
	case CommentAdded:
		d = &CommentAddedDetails{}
	case ViewerAdded:
		d = &ViewerAddedDetails{}
	case ViewerRemoved:
		d = &ViewerRemovedDetails{}
	case TaskDeleted:
		d = &TaskDeletedDetails{}
	default:
		return UnknownDetails{Kind: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", t, err)
	}
	return deref(d), nil
}

func deref(d Details) Details {
	switch v := d.(type) {
	case *TaskCreatedDetails:
		return *v
	case *TaskAssignedDetails:
		return *v
	case *WorkflowStateUpdatedDetails:
		return *v
	case *TitleUpdatedDetails:
		return *v
	case *DescriptionUpdatedDetails:
		return *v
	case *DueDateChangedDetails:
		return *v
	case *ArchiveStateUpdatedDetails:
		return *v
	case *CommentAddedDetails:
		return *v
	case *ViewerAddedDetails:
		return *v
	case *ViewerRemovedDetails:
		return *v
	case *TaskDeletedDetails:
		return *v
	}
	return d
}
