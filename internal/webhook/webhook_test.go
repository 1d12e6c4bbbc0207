package webhook_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/dbtest"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/reconcile"
	"taskline/internal/repo"
	"taskline/internal/webhook"
)

type fakeJobs struct{ kinds, ids []string }

func (f *fakeJobs) Enqueue(_ context.Context, id, kind string, _ any, _ jobs.Options) (*jobs.Handle, error) {
	f.kinds = append(f.kinds, kind)
	f.ids = append(f.ids, id)
	return nil, nil
}

type reassigner struct{ calls []string }

func (r *reassigner) ClearAssignments(_ context.Context, _, kind, id string) error {
	r.calls = append(r.calls, kind+":"+id)
	return nil
}

func newHandler(t *testing.T) (*webhook.Handler, *fakeJobs, repo.Repo) {
	t.Helper()
	conn := dbtest.Open(t)
	r := repo.Repo{Conn: conn}
	now := func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	fj := &fakeJobs{}
	rec := &reconcile.Service{Conn: conn, Repo: r, Gateway: identity.NewStaticGateway(identity.TokenCodec{}),
		Notify: &notify.Service{Conn: conn, Now: now}, Now: now}
	return &webhook.Handler{Conn: conn, Repo: r, Reconciler: rec, Jobs: fj, Now: now}, fj, r
}

func TestParseValidatesBody(t *testing.T) {
	evt, err := webhook.Parse([]byte(`{"eventType":"client.updated","data":{"id":"c1","companyId":"B"},"previousAttributes":{"companyId":"A"},"timestamp":"2025-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", evt.Data.ID)
	assert.Equal(t, "A", evt.PreviousAttributes.CompanyID)
	assert.Equal(t, "2025-01-01T00:00:00Z", evt.ReceiptKey())

	for _, body := range []string{
		`{"data":{"id":"c1"}}`,
		`{"eventType":"client.updated","data":{}}`,
		`{"eventType":"client.updated","data":{"id":7}}`,
		`not json`,
	} {
		_, err := webhook.Parse([]byte(body))
		assert.ErrorIs(t, err, webhook.ErrInvalidEvent, body)
	}
}

func TestReceiptKeyFallsBackToDigest(t *testing.T) {
	a, err := webhook.Parse([]byte(`{"eventType":"client.deleted","data":{"id":"c1"}}`))
	require.NoError(t, err)
	b, err := webhook.Parse([]byte(`{"eventType":"client.deleted","data":{"id":"c1"}}`))
	require.NoError(t, err)
	c, err := webhook.Parse([]byte(`{"eventType":"client.deleted","data":{"id":"c1","workspaceId":"w"}}`))
	require.NoError(t, err)
	assert.Equal(t, a.ReceiptKey(), b.ReceiptKey())
	assert.NotEqual(t, a.ReceiptKey(), c.ReceiptKey())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"eventType":"client.deleted","data":{"id":"c1"}}`)
	sig := webhook.Sign("s3cret", body)
	require.NoError(t, webhook.VerifySignature("s3cret", sig, body))
	assert.ErrorIs(t, webhook.VerifySignature("other", sig, body), webhook.ErrInvalidSignature)
	assert.ErrorIs(t, webhook.VerifySignature("s3cret", "", body), webhook.ErrInvalidSignature)
	assert.ErrorIs(t, webhook.VerifySignature("s3cret", sig, append(body, ' ')), webhook.ErrInvalidSignature)
}

func TestCompanyChangeIsAppliedOnce(t *testing.T) {
	h, fj, r := newHandler(t)
	ctx := context.Background()
	evt := webhook.Event{Type: webhook.ClientUpdated, Data: webhook.Entity{ID: "c1", CompanyID: "B", WorkspaceID: "w"},
		PreviousAttributes: &webhook.Entity{CompanyID: "A"}, Timestamp: "2025-01-01T00:00:00Z"}

	require.NoError(t, h.Handle(ctx, evt))
	require.NoError(t, h.Handle(ctx, evt))

	assert.Equal(t, []string{jobs.KindReconcileClient}, fj.kinds)
	assert.Equal(t, []string{reconcile.JobID("c1")}, fj.ids)
	m, err := r.GetMembership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "B", m.CompanyID)
	assert.True(t, m.NeedsReconcile)

	// A later update that keeps the company schedules nothing.
	evt.Timestamp = "2025-01-01T00:05:00Z"
	require.NoError(t, h.Handle(ctx, evt))
	assert.Len(t, fj.kinds, 1)
}

func TestUpdateWithoutCompanyChangeIsIgnored(t *testing.T) {
	h, fj, r := newHandler(t)
	ctx := context.Background()

	for i, prev := range []*webhook.Entity{nil, {CompanyID: "A"}, {}} {
		evt := webhook.Event{Type: webhook.ClientUpdated, Data: webhook.Entity{ID: "c9", CompanyID: "A", WorkspaceID: "w"},
			PreviousAttributes: prev, Timestamp: fmt.Sprintf("2025-01-01T00:0%d:00Z", i)}
		require.NoError(t, h.Handle(ctx, evt))
	}

	assert.Empty(t, fj.kinds)
	_, err := r.GetMembership(ctx, "c9")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeletionsScheduleCleanup(t *testing.T) {
	h, fj, _ := newHandler(t)
	ctx := context.Background()
	for _, evt := range []webhook.Event{
		{Type: webhook.ClientDeleted, Data: webhook.Entity{ID: "c1"}, Timestamp: "1"},
		{Type: webhook.InternalUserDeleted, Data: webhook.Entity{ID: "u1"}, Timestamp: "1"},
		{Type: webhook.CompanyDeleted, Data: webhook.Entity{ID: "A"}, Timestamp: "1"},
		{Type: "company.renamed", Data: webhook.Entity{ID: "A"}, Timestamp: "1"},
	} {
		require.NoError(t, h.Handle(ctx, evt))
	}
	assert.Equal(t, []string{
		webhook.CleanupJobID(domain.Client, "c1"),
		webhook.CleanupJobID(domain.InternalUser, "u1"),
		webhook.CleanupJobID(domain.Company, "A"),
	}, fj.ids)
}

func TestCleanerRemovesNotificationsAndAssignments(t *testing.T) {
	conn := dbtest.Open(t)
	r := repo.Repo{Conn: conn}
	ctx := context.Background()
	const ts = "2025-01-01T00:00:00.000000000Z"
	require.NoError(t, r.InsertWorkflowState(ctx, domain.WorkflowState{ID: "todo", WorkspaceID: "w", Name: "Todo", Type: domain.StateUnstarted, CreatedAt: ts}))
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = r.InsertTaskTx(ctx, tx, domain.Task{ID: "t1", WorkspaceID: "w", Title: "x", WorkflowStateID: "todo", CreatedBy: "u9", CreatedByType: domain.InternalUser, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	svc := &notify.Service{Conn: conn}
	u1 := notify.Recipient{Kind: domain.InternalUser, ID: "u1"}
	_, err = svc.Send(ctx, notify.SendRequest{WorkspaceID: "w", TaskID: "t1", Kind: domain.NotificationCreate, EventKey: "create:L1", Targets: []notify.Recipient{u1}})
	require.NoError(t, err)

	ra := &reassigner{}
	cleaner := webhook.Cleaner{Notify: svc, Reassigner: ra}
	payload, err := json.Marshal(webhook.Cleanup{Kind: domain.InternalUser, ID: "u1", WorkspaceID: "w"})
	require.NoError(t, err)
	require.NoError(t, cleaner.Handle(ctx, payload))
	require.NoError(t, cleaner.Handle(ctx, payload))

	n, err := svc.UnreadCount(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"internalUser:u1", "internalUser:u1"}, ra.calls)
}
