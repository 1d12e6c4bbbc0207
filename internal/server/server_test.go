package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"taskline/internal/config"
	"taskline/internal/dbtest"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/realtime"
	"taskline/internal/reconcile"
	"taskline/internal/webhook"
)

const (
	testTokenSecret   = "token-secret"
	testWebhookSecret = "webhook-secret"
)

type testServer struct {
	URL     string
	client  *http.Client
	gateway *identity.StaticGateway
	runner  *jobs.Runner
	tokens  identity.TokenCodec
}

// slowGateway blocks client lookups until the caller's deadline.
type slowGateway struct {
	*identity.StaticGateway
	slow atomic.Bool
}

func (g *slowGateway) GetClient(ctx context.Context, id string) (identity.Client, error) {
	if g.slow.Load() {
		<-ctx.Done()
		return identity.Client{}, ctx.Err()
	}
	return g.StaticGateway.GetClient(ctx, id)
}

func newTestServer(t *testing.T) (*testServer, *slowGateway) {
	t.Helper()
	conn := dbtest.Open(t)
	cfg := config.Default()
	cfg.Tasks.CreateTimeoutSeconds = 1
	tokens := identity.TokenCodec{Secret: testTokenSecret}
	static := identity.NewStaticGateway(tokens)
	static.PutCompany(identity.Company{ID: "A", WorkspaceID: "w", Name: "Acme"})
	static.PutCompany(identity.Company{ID: "B", WorkspaceID: "w", Name: "Bravo"})
	static.PutClient(identity.Client{ID: "c1", WorkspaceID: "w", CompanyID: "A"})
	static.PutInternalUser(identity.InternalUser{ID: "u1", WorkspaceID: "w"})
	static.PutInternalUser(identity.InternalUser{ID: "u2", WorkspaceID: "w"})
	gw := &slowGateway{StaticGateway: static}

	runner := jobs.NewRunner(nil)
	eng := engine.New(conn, cfg, gw, runner, nil)
	eng.Policy = cfg.PolicyTable()

	svc := &notify.Service{Conn: conn}
	hub := realtime.NewHub(svc, nil)
	svc.Listener = hub
	rec := &reconcile.Service{Conn: conn, Repo: eng.Repo, Gateway: gw, Notify: svc, Jobs: runner}
	d := notify.Dispatcher{Repo: eng.Repo, Gateway: gw, Targeter: notify.Targeter{Policy: eng.Policy}, Service: svc}
	runner.Register(jobs.KindSendNotifications, d.Handle, jobs.Options{ConcurrencyLimit: 5})
	runner.Register(jobs.KindRemoveTaskNotifications, svc.HandleRemoveTask, jobs.Options{ConcurrencyLimit: 1})
	runner.Register(jobs.KindReconcileClient, rec.HandleJob, jobs.Options{ConcurrencyLimit: 1})
	runner.Register(jobs.KindCleanupPrincipal, webhook.Cleaner{Notify: svc, Reassigner: eng}.Handle, jobs.Options{ConcurrencyLimit: 1})

	handler, err := New(Config{
		Engine:        eng,
		Notify:        svc,
		Reconciler:    rec,
		Webhooks:      &webhook.Handler{Conn: conn, Repo: eng.Repo, Reconciler: rec, Jobs: runner},
		Hub:           hub,
		WebhookSecret: testWebhookSecret,
		BasePath:      "/v1",
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		runner.Close(ctx)
	})
	return &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		gateway: static,
		runner:  runner,
		tokens:  tokens,
	}, gw
}

func (s *testServer) token(t *testing.T, p identity.TokenPayload) string {
	t.Helper()
	tok, err := s.tokens.Issue(p, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.runner.Flush(ctx))
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

var (
	u1Payload = identity.TokenPayload{InternalUserID: "u1", WorkspaceID: "w"}
	c1Payload = identity.TokenPayload{ClientID: "c1", CompanyID: "A", WorkspaceID: "w"}
)

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/notifications/count", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/notifications/count", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &oas))
	assert.Contains(t, oas.Components.SecuritySchemes, "bearerAuth")
	assert.Empty(t, oas.Paths["/v1/health"]["get"].Security)
	assert.NotEmpty(t, oas.Paths["/v1/notifications/count"]["get"].Security)
	assert.Contains(t, oas.Paths["/v1/tasks"]["post"].Responses, "default")
}

func TestClientTaskNotifiesInternalUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	clientTok := srv.token(t, c1Payload)
	userTok := srv.token(t, u1Payload)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"id":    "t1",
		"title": "Fix invoice",
	}, bearer(clientTok))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, domain.Client, task.CreatedByType)
	srv.flush(t)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/notifications/count", nil, bearer(userTok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var count CountResponse
	require.NoError(t, json.Unmarshal(data, &count))
	assert.Equal(t, 1, count.Count)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/t1/activity-logs", nil, bearer(userTok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var logs struct {
		Data []struct {
			Type string `json:"type"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &logs))
	require.Len(t, logs.Data, 1)
	assert.Equal(t, "TASK_CREATED", logs.Data[0].Type)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/notifications/mark-read", map[string]any{}, bearer(userTok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var marked MarkReadResponse
	require.NoError(t, json.Unmarshal(data, &marked))
	assert.Len(t, marked.IDs, 1)

	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/notifications/count", nil, bearer(userTok))
	require.NoError(t, json.Unmarshal(data, &count))
	assert.Equal(t, 0, count.Count)
}

func TestTaskValidationAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := srv.token(t, u1Payload)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":    "Due soon",
		"due_date": "tomorrow",
	}, bearer(tok))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, bearer(tok))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	other := srv.token(t, identity.TokenPayload{InternalUserID: "u9", WorkspaceID: "w2"})
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"id": "t1", "title": "Mine"}, bearer(tok))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/t1", nil, bearer(other))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCreateTaskTimesOut(t *testing.T) {
	srv, gw := newTestServer(t)
	tok := srv.token(t, u1Payload)
	gw.slow.Store(true)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"id":            "slow",
		"title":         "Assign to client",
		"assignee_id":   "c1",
		"assignee_type": "client",
	}, bearer(tok))
	require.Equal(t, http.StatusGatewayTimeout, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"timeout"`)

	gw.slow.Store(false)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/slow", nil, bearer(tok))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSendNotificationsInternalOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	userTok := srv.token(t, u1Payload)
	clientTok := srv.token(t, c1Payload)
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"id": "t1", "title": "Ship"}, bearer(userTok))
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := map[string]any{
		"task_id":   "t1",
		"kind":      "update",
		"event_key": "manual:1",
		"targets":   []map[string]any{{"kind": "client", "id": "c1", "company_id": "A"}},
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/notifications/send", body, bearer(clientTok))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	var first, second NotificationsResponse
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/notifications/send", body, bearer(userTok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &first))
	_, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/notifications/send", body, bearer(userTok))
	require.NoError(t, json.Unmarshal(data, &second))
	require.Len(t, first.Notifications, 1)
	require.Len(t, second.Notifications, 1)
	assert.Equal(t, first.Notifications[0].ID, second.Notifications[0].ID)
}

func TestSendNotificationsRejectsBadKeysAndTargets(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := srv.token(t, u1Payload)
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"id": "t1", "title": "Ship"}, bearer(tok))
	require.Equal(t, http.StatusCreated, res.StatusCode)

	send := func(eventKey string, targets []map[string]any) (*http.Response, []byte) {
		return doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/notifications/send", map[string]any{
			"task_id": "t1", "kind": "update", "event_key": eventKey, "targets": targets,
		}, bearer(tok))
	}

	res, data := send("", []map[string]any{{"kind": "internalUser", "id": "u2"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	res, data = send("manual:1", []map[string]any{{"kind": "bogus", "id": ""}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = send("manual:1", []map[string]any{{"kind": "internalUser", "id": "u2"}, {"kind": "internalUser", "id": "u2"}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out NotificationsResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Len(t, out.Notifications, 1)
}

func TestWebhookMovesClientAndTokenGoesStale(t *testing.T) {
	srv, _ := newTestServer(t)
	clientTok := srv.token(t, c1Payload)

	var stale StaleTokenResponse
	_, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/auth/stale-token", nil, bearer(clientTok))
	require.NoError(t, json.Unmarshal(data, &stale))
	assert.False(t, stale.IsStale)

	payload := []byte(`{"eventType":"client.updated","data":{"id":"c1","companyId":"B","workspaceId":"w"},"previousAttributes":{"companyId":"A"},"timestamp":"2025-01-01T00:00:00Z"}`)
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/webhooks/identity", payload,
		map[string]string{webhook.SignatureHeader: "sha256=00"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	srv.gateway.SetClientCompany("c1", "B")
	sig := map[string]string{webhook.SignatureHeader: webhook.Sign(testWebhookSecret, payload)}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/webhooks/identity", payload, sig)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/webhooks/identity", payload, sig)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	srv.flush(t)

	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/auth/stale-token", nil, bearer(clientTok))
	require.NoError(t, json.Unmarshal(data, &stale))
	assert.True(t, stale.IsStale)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/notification/validate-count", nil, bearer(clientTok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var msg MessageResponse
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "notification count reconciled", msg.Message)
}

func TestWebhookRejectsMalformedEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := []byte(`{"eventType":"client.updated"}`)
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/webhooks/identity", payload,
		map[string]string{webhook.SignatureHeader: webhook.Sign(testWebhookSecret, payload)})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStreamPushesCountAfterNotification(t *testing.T) {
	srv, _ := newTestServer(t)
	userTok := srv.token(t, u1Payload)
	clientTok := srv.token(t, c1Payload)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/notifications/stream?token=" + userTok
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	var msg realtime.Message
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	assert.Equal(t, realtime.Message{Type: realtime.TypeCount, Count: 0}, msg)

	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "Hello"}, bearer(clientTok))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	srv.flush(t)

	require.NoError(t, wsjson.Read(ctx, c, &msg))
	assert.Equal(t, 1, msg.Count)
}
