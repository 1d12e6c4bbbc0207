package tasklinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t1","workspace_id":"ws1","title":"Ship it","workflow_state_id":"s1","depth":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	task, err := c.CreateTask(context.Background(), NewTask{Title: "Ship it"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/tasks", gotPath)
	assert.Equal(t, map[string]any{"title": "Ship it"}, gotBody)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "s1", task.WorkflowStateID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"task not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").GetTask(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "task not found", apiErr.Message)
}

func TestClientQueryAndCount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("unread"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"notifications":[{"id":"n1","task_id":"t1","kind":"create","read":false}]}`))
	})
	mux.HandleFunc("/v1/notifications/count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL, "tok")
	ctx := context.Background()

	rows, err := c.Notifications(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "n1", rows[0].ID)

	n, err := c.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
