package domain

// Principal and assignee kinds.
const (
	InternalUser = "internalUser"
	Client       = "client"
	Company      = "company"
)

// Workflow state categories.
const (
	StateBacklog   = "backlog"
	StateUnstarted = "unstarted"
	StateStarted   = "started"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
)

// Notification kinds.
const (
	NotificationCreate    = "create"
	NotificationUpdate    = "update"
	NotificationAssign    = "assign"
	NotificationShare     = "share"
	NotificationComment   = "comment"
	NotificationReconcile = "reconcile"
)

// Client membership states.
const (
	MembershipMember  = "member"
	MembershipUnknown = "unknown"
)

type WorkflowState struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Type        string `json:"type" enum:"backlog,unstarted,started,completed,cancelled"`
	Position    int    `json:"position"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	WorkspaceID     string   `json:"workspace_id"`
	Title           string   `json:"title"`
	Body            string   `json:"body,omitempty"`
	WorkflowStateID string   `json:"workflow_state_id"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	AssigneeType    *string  `json:"assignee_type,omitempty" enum:"internalUser,client,company"`
	DueDate         *string  `json:"due_date,omitempty" format:"date"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Depth           int      `json:"depth"`
	IsArchived      bool     `json:"is_archived"`
	ArchivedBy      *string  `json:"archived_by,omitempty"`
	CreatedBy       string   `json:"created_by"`
	CreatedByType   string   `json:"created_by_type" enum:"internalUser,client"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	DeletedAt       *string  `json:"deleted_at,omitempty" format:"date-time"`
	Viewers         []Viewer `json:"viewers"`
}

// Assignee returns the assignee pair, or ok=false when unassigned.
func (t Task) Assignee() (kind, id string, ok bool) {
	if t.AssigneeID == nil || *t.AssigneeID == "" || t.AssigneeType == nil || *t.AssigneeType == "" {
		return "", "", false
	}
	return *t.AssigneeType, *t.AssigneeID, true
}

func (t Task) IsDeleted() bool {
	return t.DeletedAt != nil && *t.DeletedAt != ""
}

type Viewer struct {
	ViewerID   string `json:"viewer_id"`
	ViewerType string `json:"viewer_type" enum:"client"`
	CompanyID  string `json:"company_id,omitempty"`
	AddedAt    string `json:"added_at" format:"date-time"`
}

type Comment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	ParentID      *string `json:"parent_id,omitempty"`
	Content       string  `json:"content"`
	InitiatorID   string  `json:"initiator_id"`
	InitiatorType string  `json:"initiator_type" enum:"internalUser,client"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DeletedAt     *string `json:"deleted_at,omitempty" format:"date-time"`
}

type Notification struct {
	ID            string  `json:"id"`
	WorkspaceID   string  `json:"workspace_id"`
	RecipientKind string  `json:"recipient_kind" enum:"internalUser,client"`
	RecipientID   string  `json:"recipient_id"`
	CompanyID     *string `json:"company_id,omitempty"`
	TaskID        string  `json:"task_id"`
	Kind          string  `json:"kind" enum:"create,update,assign,share,comment,reconcile"`
	EventKey      string  `json:"event_key"`
	ActivityLogID *string `json:"activity_log_id,omitempty"`
	Read          bool    `json:"read"`
	Excluded      bool    `json:"excluded"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ReadAt        *string `json:"read_at,omitempty" format:"date-time"`
	DeletedAt     *string `json:"deleted_at,omitempty" format:"date-time"`
}

type ClientMembership struct {
	ClientID       string  `json:"client_id"`
	WorkspaceID    string  `json:"workspace_id"`
	CompanyID      string  `json:"company_id,omitempty"`
	State          string  `json:"state" enum:"member,unknown"`
	NeedsReconcile bool    `json:"needs_reconcile"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	ReconciledAt   *string `json:"reconciled_at,omitempty" format:"date-time"`
}
