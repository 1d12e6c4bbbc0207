package reconcile_test

import (
	"context"
	"errors"
	"sync/atomic"
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
)

const ts = "2025-01-01T00:00:00.000000000Z"

type enqueued struct {
	id, kind string
}

type fakeJobs struct{ calls []enqueued }

func (f *fakeJobs) Enqueue(_ context.Context, id, kind string, _ any, _ jobs.Options) (*jobs.Handle, error) {
	f.calls = append(f.calls, enqueued{id, kind})
	return nil, nil
}

type env struct {
	svc     *reconcile.Service
	notify  *notify.Service
	repo    repo.Repo
	gateway *identity.StaticGateway
	jobs    *fakeJobs
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dbtest.Open(t)
	now := func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	e := &env{
		repo:    repo.Repo{Conn: conn},
		gateway: identity.NewStaticGateway(identity.TokenCodec{}),
		jobs:    &fakeJobs{},
	}
	e.notify = &notify.Service{Conn: conn, Now: now}
	e.svc = &reconcile.Service{Conn: conn, Repo: e.repo, Gateway: e.gateway, Notify: e.notify, Jobs: e.jobs, Now: now}

	ctx := context.Background()
	require.NoError(t, e.repo.InsertWorkflowState(ctx, domain.WorkflowState{ID: "todo", WorkspaceID: "w", Name: "Todo", Type: domain.StateUnstarted, CreatedAt: ts}))
	e.gateway.PutCompany(identity.Company{ID: "A", WorkspaceID: "w", Name: "Acme"})
	e.gateway.PutCompany(identity.Company{ID: "B", WorkspaceID: "w", Name: "Beta"})
	e.gateway.PutClient(identity.Client{ID: "c1", WorkspaceID: "w", CompanyID: "A"})
	e.companyTask(t, "tA", "A")
	e.companyTask(t, "tB", "B")
	return e
}

func (e *env) companyTask(t *testing.T, id, company string) {
	t.Helper()
	ctx := context.Background()
	kind := domain.Company
	tx, err := e.repo.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = e.repo.InsertTaskTx(ctx, tx, domain.Task{ID: id, WorkspaceID: "w", Title: id, WorkflowStateID: "todo",
		AssigneeID: &company, AssigneeType: &kind, CreatedBy: "u1", CreatedByType: domain.InternalUser, CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func (e *env) count(t *testing.T, company string) int {
	t.Helper()
	n, err := e.notify.UnreadCount(context.Background(), notify.Recipient{Kind: domain.Client, ID: "c1", CompanyID: company})
	require.NoError(t, err)
	return n
}

func (e *env) visible(t *testing.T) []string {
	t.Helper()
	rows, err := e.notify.List(context.Background(), notify.Recipient{Kind: domain.Client, ID: "c1"}, notify.ListFilter{})
	require.NoError(t, err)
	var out []string
	for _, n := range rows {
		out = append(out, n.TaskID+"/"+n.Kind)
	}
	return out
}

var tokenA = identity.Principal{ClientID: "c1", CompanyID: "A", WorkspaceID: "w"}

func TestStaleMembershipIsReconciled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.notify.Send(ctx, notify.SendRequest{WorkspaceID: "w", TaskID: "tA", Kind: domain.NotificationCreate, EventKey: "create:L1",
		Targets: []notify.Recipient{{Kind: domain.Client, ID: "c1", CompanyID: "A"}}})
	require.NoError(t, err)

	stale, err := e.svc.CheckStaleToken(ctx, tokenA)
	require.NoError(t, err)
	assert.False(t, stale)

	// The client moves to company B.
	e.gateway.SetClientCompany("c1", "B")
	changed, err := e.svc.Transition(ctx, nil, "c1", "w", "B")
	require.NoError(t, err)
	assert.True(t, changed)
	m, err := e.svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "B", m.CompanyID)
	assert.True(t, m.NeedsReconcile)

	stale, err = e.svc.CheckStaleToken(ctx, tokenA)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, e.svc.ReconcileClient(ctx, "c1", "w"))
	assert.Equal(t, 1, e.count(t, "B"))
	assert.Equal(t, []string{"tB/reconcile"}, e.visible(t))

	m, err = e.svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipMember, m.State)
	assert.False(t, m.NeedsReconcile)
	assert.NotNil(t, m.ReconciledAt)

	tokenB := tokenA
	tokenB.CompanyID = "B"
	stale, err = e.svc.CheckStaleToken(ctx, tokenB)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestFixIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.notify.Send(ctx, notify.SendRequest{WorkspaceID: "w", TaskID: "tA", Kind: domain.NotificationCreate, EventKey: "create:L1",
		Targets: []notify.Recipient{{Kind: domain.Client, ID: "c1", CompanyID: "A"}}})
	require.NoError(t, err)

	require.NoError(t, e.svc.FixClientNotificationCount(ctx, "c1", "B", "w"))
	first := e.visible(t)
	require.NoError(t, e.svc.FixClientNotificationCount(ctx, "c1", "B", "w"))
	assert.Equal(t, first, e.visible(t))
	assert.Equal(t, 1, e.count(t, "B"))

	// Moving back restores the old row without duplicating backfill.
	require.NoError(t, e.svc.FixClientNotificationCount(ctx, "c1", "A", "w"))
	assert.ElementsMatch(t, []string{"tA/create"}, e.visible(t))
	assert.Equal(t, 1, e.count(t, "A"))
}

func TestGatewayFailureFailsClosed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.notify.Send(ctx, notify.SendRequest{WorkspaceID: "w", TaskID: "tA", Kind: domain.NotificationCreate, EventKey: "create:L1",
		Targets: []notify.Recipient{{Kind: domain.Client, ID: "c1", CompanyID: "A"}}})
	require.NoError(t, err)

	e.gateway.FailWith(identity.ErrUnavailable)
	err = e.svc.ReconcileClient(ctx, "c1", "w")
	require.True(t, errors.Is(err, identity.ErrUnavailable))
	assert.Equal(t, []string{"tA/create"}, e.visible(t))

	stale, err := e.svc.CheckStaleToken(ctx, tokenA)
	require.ErrorIs(t, err, identity.ErrUnavailable)
	assert.False(t, stale)
	m, err := e.svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipUnknown, m.State)
}

func TestLazyDetectionSchedulesReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gateway.SetClientCompany("c1", "B")

	stale, err := e.svc.CheckStaleToken(ctx, tokenA)
	require.NoError(t, err)
	assert.True(t, stale)
	require.Len(t, e.jobs.calls, 1)
	assert.Equal(t, jobs.KindReconcileClient, e.jobs.calls[0].kind)
	assert.Equal(t, reconcile.JobID("c1"), e.jobs.calls[0].id)

	// Already recorded; a second check does not schedule again.
	_, err = e.svc.CheckStaleToken(ctx, tokenA)
	require.NoError(t, err)
	assert.Len(t, e.jobs.calls, 1)
}

func TestInternalUsersAreNeverStale(t *testing.T) {
	e := newEnv(t)
	stale, err := e.svc.CheckStaleToken(context.Background(), identity.Principal{InternalUserID: "u1", WorkspaceID: "w"})
	require.NoError(t, err)
	assert.False(t, stale)
}

// heldGateway returns the provider's answer for the first GetClient call and
// then blocks until released, so a company move can land mid-run.
type heldGateway struct {
	*identity.StaticGateway
	calls   atomic.Int32
	read    chan struct{}
	release chan struct{}
}

func (g *heldGateway) GetClient(ctx context.Context, id string) (identity.Client, error) {
	c, err := g.StaticGateway.GetClient(ctx, id)
	if g.calls.Add(1) == 1 {
		close(g.read)
		select {
		case <-g.release:
		case <-ctx.Done():
			return identity.Client{}, ctx.Err()
		}
	}
	return c, err
}

func TestCompanyMoveDuringRunningReconcileIsKept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gateway.PutCompany(identity.Company{ID: "C", WorkspaceID: "w", Name: "Gamma"})
	e.companyTask(t, "tC", "C")

	gw := &heldGateway{StaticGateway: e.gateway, read: make(chan struct{}), release: make(chan struct{})}
	runner := jobs.NewRunner(nil)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Close(cctx)
	})
	svc := *e.svc
	svc.Gateway = gw
	svc.Jobs = runner
	runner.Register(jobs.KindReconcileClient, svc.HandleJob, jobs.Options{ConcurrencyLimit: 2})

	// A -> B, and the first run reads B.
	e.gateway.SetClientCompany("c1", "B")
	_, err := svc.Transition(ctx, nil, "c1", "w", "B")
	require.NoError(t, err)
	first, err := runner.Enqueue(ctx, reconcile.JobID("c1"), jobs.KindReconcileClient, reconcile.Job{ClientID: "c1", WorkspaceID: "w"}, jobs.Options{})
	require.NoError(t, err)
	<-gw.read

	// B -> C while the first run still holds B.
	e.gateway.SetClientCompany("c1", "C")
	changed, err := svc.Transition(ctx, nil, "c1", "w", "C")
	require.NoError(t, err)
	require.True(t, changed)
	second, err := runner.Enqueue(ctx, reconcile.JobID("c1"), jobs.KindReconcileClient, reconcile.Job{ClientID: "c1", WorkspaceID: "w"}, jobs.Options{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	close(gw.release)
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Flush(fctx))
	require.NoError(t, first.Err())
	require.NoError(t, second.Err())

	m, err := svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "C", m.CompanyID)
	assert.Equal(t, domain.MembershipMember, m.State)
	assert.False(t, m.NeedsReconcile)
	assert.Equal(t, []string{"tC/reconcile"}, e.visible(t))
}

func TestFixDoesNotOverwritePendingMove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Transition(ctx, nil, "c1", "w", "B")
	require.NoError(t, err)

	err = e.svc.FixClientNotificationCount(ctx, "c1", "A", "w")
	require.ErrorIs(t, err, reconcile.ErrSuperseded)
	m, err := e.svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "B", m.CompanyID)
	assert.True(t, m.NeedsReconcile)
	assert.Empty(t, e.visible(t))

	require.NoError(t, e.svc.FixClientNotificationCount(ctx, "c1", "B", "w"))
	m, err = e.svc.Membership(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, m.NeedsReconcile)
}
