package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	WorkspaceID     string  `json:"workspace_id"`
	Title           string  `json:"title"`
	Body            string  `json:"body"`
	WorkflowStateID string  `json:"workflow_state_id"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	AssigneeType    *string `json:"assignee_type,omitempty"`
	ParentID        *string `json:"parent_id,omitempty"`
	Depth           int     `json:"depth"`
}

// NewTask is the create payload. Empty fields are omitted.
type NewTask struct {
	Title           string `json:"title"`
	Body            string `json:"body,omitempty"`
	WorkflowStateID string `json:"workflow_state_id,omitempty"`
	AssigneeID      string `json:"assignee_id,omitempty"`
	AssigneeType    string `json:"assignee_type,omitempty"`
	DueDate         string `json:"due_date,omitempty"`
	ParentID        string `json:"parent_id,omitempty"`
}

// ActivityLog represents one activity log entry.
type ActivityLog struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	TaskID    string         `json:"task_id"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details"`
	UserID    string         `json:"user_id"`
	UserRole  string         `json:"user_role"`
	CreatedAt string         `json:"created_at"`
}

// Notification represents one delivered notification.
type Notification struct {
	ID            string  `json:"id"`
	RecipientKind string  `json:"recipient_kind"`
	RecipientID   string  `json:"recipient_id"`
	CompanyID     *string `json:"company_id,omitempty"`
	TaskID        string  `json:"task_id"`
	Kind          string  `json:"kind"`
	EventKey      string  `json:"event_key"`
	Read          bool    `json:"read"`
	CreatedAt     string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddComment posts a comment, or a reply when parentID is set.
func (c *Client) AddComment(ctx context.Context, taskID, content, parentID string) error {
	body := map[string]any{"content": content}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/comments", url.PathEscape(taskID)), body, nil)
}

// ActivityLogs returns a task's activity in sequence order.
func (c *Client) ActivityLogs(ctx context.Context, taskID string) ([]ActivityLog, error) {
	var resp struct {
		Data []ActivityLog `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/activity-logs", url.PathEscape(taskID)), nil, &resp)
	return resp.Data, err
}

// Notifications lists the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Notifications []Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Notifications, err
}

// UnreadCount returns the caller's unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "notifications/count", nil, &resp)
	return resp.Count, err
}

// MarkRead marks one notification read, or all of them when id is empty.
// It returns the ids that changed.
func (c *Client) MarkRead(ctx context.Context, id string) ([]string, error) {
	body := map[string]any{}
	if id != "" {
		body["notification_id"] = id
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	err := c.do(ctx, http.MethodPost, "notifications/mark-read", body, &resp)
	return resp.IDs, err
}

// ValidateCount asks the server to reconcile the caller's notifications
// against its current company.
func (c *Client) ValidateCount(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodGet, "notification/validate-count", nil, &resp)
	return resp.Message, err
}

// StaleToken reports whether the bearer token predates a company change.
func (c *Client) StaleToken(ctx context.Context) (bool, error) {
	var resp struct {
		IsStale bool `json:"isStale"`
	}
	err := c.do(ctx, http.MethodGet, "auth/stale-token", nil, &resp)
	return resp.IsStale, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
