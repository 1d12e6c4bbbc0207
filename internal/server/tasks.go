package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/activity"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

const defaultCreateTimeout = 10 * time.Second

func (s *server) createTimeout() time.Duration {
	if s.Engine.Config != nil && s.Engine.Config.CreateTimeout() > 0 {
		return s.Engine.Config.CreateTimeout()
	}
	return defaultCreateTimeout
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// The task row and its TASK_CREATED log commit together or roll back
		// together when the deadline passes.
		ctx, cancel := context.WithTimeout(ctx, s.createTimeout())
		defer cancel()
		t, err := s.Engine.CreateTask(ctx, p, createOptions(input.Body))
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, s.handleError(context.DeadlineExceeded)
			}
			return nil, s.handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.Engine.GetTask(ctx, p, input.TaskID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.Engine.UpdateTask(ctx, p, input.TaskID, updateOptions(input.Body))
		if err != nil {
			return nil, s.handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.Engine.DeleteTask(ctx, p, input.TaskID); err != nil {
			return nil, s.handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activity-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/activity-logs",
		Summary:     "List a task's activity log",
		Description: "Entries are ordered oldest first. Comment entries carry their latest replies; ids in expandComments return the whole thread.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID         string `path:"task_id"`
		ExpandComments string `query:"expandComments" doc:"Comma-separated comment ids"`
	}) (*struct {
		Body ActivityLogsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := s.Engine.ListActivity(ctx, p, input.TaskID, activity.ListOptions{
			ExpandComments: splitCSV(input.ExpandComments),
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body ActivityLogsResponse `json:"body"`
		}{Body: ActivityLogsResponse{Data: entries}}, nil
	})
}

func registerCollaboration(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-comment",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/comments",
		Summary:       "Comment on a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   CreateCommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.Engine.AddComment(ctx, p, input.TaskID, engine.CommentOptions{
			ID:       stringOrEmpty(input.Body.ID),
			Content:  input.Body.Content,
			ParentID: stringOrEmpty(input.Body.ParentID),
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-viewers",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/viewers",
		Summary:     "Share a task with clients",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AddViewersRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.Engine.AddViewers(ctx, p, input.TaskID, input.Body.ViewerIDs)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-viewer",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/viewers/{viewer_id}",
		Summary:     "Stop sharing a task with a client",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID   string `path:"task_id"`
		ViewerID string `path:"viewer_id"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.Engine.RemoveViewer(ctx, p, input.TaskID, input.ViewerID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

func registerWorkflowStates(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-states",
		Method:      http.MethodGet,
		Path:        "/workflow-states",
		Summary:     "List workflow states",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkflowStatesResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		states, err := s.Engine.ListWorkflowStates(ctx, p)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body WorkflowStatesResponse `json:"body"`
		}{Body: WorkflowStatesResponse{Data: states}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow-state",
		Method:        http.MethodPost,
		Path:          "/workflow-states",
		Summary:       "Create workflow state",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowStateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowState `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.Engine.EnsureDefaultWorkflowStates(ctx, p.WorkspaceID); err != nil {
			return nil, s.handleError(err)
		}
		st, err := s.Engine.CreateWorkflowState(ctx, p, input.Body.Name, input.Body.Type)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.WorkflowState `json:"body"`
		}{Body: st}, nil
	})
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
