// Package reconcile detects stale client membership and realigns the
// client's notification visibility with its current company.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/clock"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/repo"
)

// ErrSuperseded reports that the membership changed after the company being
// applied was read, so applying it would overwrite a newer transition.
var ErrSuperseded = errors.New("membership changed during reconciliation")

// maxFixAttempts bounds how often ReconcileClient re-reads the provider when
// transitions keep landing during a run.
const maxFixAttempts = 3

// Job is the reconcile-client payload.
type Job struct {
	ClientID    string `json:"client_id"`
	WorkspaceID string `json:"workspace_id"`
}

// JobID keys reconcile jobs per client so queued runs coalesce.
func JobID(clientID string) string {
	return jobs.KindReconcileClient + ":" + clientID
}

type Service struct {
	Conn    *db.Conn
	Repo    repo.Repo
	Gateway identity.Gateway
	Notify  *notify.Service
	Jobs    jobs.Enqueuer
	Now     func() time.Time
	Logger  *zap.Logger
}

func (s *Service) now() string {
	if s.Now != nil {
		return clock.Format(s.Now())
	}
	return clock.Format(time.Now())
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// CheckStaleToken reports whether the company embedded in the client's token
// differs from the identity provider's current record. Internal users are
// never stale. On gateway failure the membership is marked unknown and the
// error returned with false. A newly observed company is recorded as a
// transition and reconciliation is scheduled.
func (s *Service) CheckStaleToken(ctx context.Context, p identity.Principal) (bool, error) {
	if !p.IsClient() {
		return false, nil
	}
	c, err := s.Gateway.GetClient(ctx, p.ClientID)
	if errors.Is(err, identity.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		if merr := s.markUnknown(ctx, p); merr != nil {
			s.logger().Warn("mark membership unknown failed", zap.String("client_id", p.ClientID), zap.Error(merr))
		}
		return false, fmt.Errorf("check stale token: %w", err)
	}

	changed, err := s.transition(ctx, nil, p.ClientID, p.WorkspaceID, c.CompanyID)
	if err != nil {
		return false, err
	}
	if changed {
		s.schedule(ctx, p.ClientID, p.WorkspaceID)
	}
	return c.CompanyID != p.CompanyID, nil
}

func (s *Service) markUnknown(ctx context.Context, p identity.Principal) error {
	m, err := s.Repo.GetMembership(ctx, p.ClientID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if errors.Is(err, repo.ErrNotFound) {
		m = domain.ClientMembership{ClientID: p.ClientID, WorkspaceID: p.WorkspaceID, CompanyID: p.CompanyID}
	}
	m.State = domain.MembershipUnknown
	m.NeedsReconcile = true
	m.UpdatedAt = s.now()
	return s.Repo.UpsertMembershipTx(ctx, nil, m)
}

// Membership returns the recorded state. Clients without a record are
// Unknown.
func (s *Service) Membership(ctx context.Context, clientID string) (domain.ClientMembership, error) {
	m, err := s.Repo.GetMembership(ctx, clientID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ClientMembership{ClientID: clientID, State: domain.MembershipUnknown}, nil
	}
	return m, err
}

// Transition records Member(newCompanyID) with needs_reconcile set. It
// reports false when the client already is a member of that company.
func (s *Service) Transition(ctx context.Context, tx *sql.Tx, clientID, workspaceID, newCompanyID string) (bool, error) {
	return s.transition(ctx, tx, clientID, workspaceID, newCompanyID)
}

func (s *Service) transition(ctx context.Context, tx *sql.Tx, clientID, workspaceID, companyID string) (bool, error) {
	m, err := s.getMembership(ctx, tx, clientID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err == nil && m.State == domain.MembershipMember && m.CompanyID == companyID {
		return false, nil
	}
	next := domain.ClientMembership{
		ClientID:       clientID,
		WorkspaceID:    workspaceID,
		CompanyID:      companyID,
		State:          domain.MembershipMember,
		NeedsReconcile: true,
		UpdatedAt:      s.now(),
	}
	if err == nil {
		next.ReconciledAt = m.ReconciledAt
		if next.WorkspaceID == "" {
			next.WorkspaceID = m.WorkspaceID
		}
	}
	if err := s.Repo.UpsertMembershipTx(ctx, tx, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) getMembership(ctx context.Context, tx *sql.Tx, clientID string) (domain.ClientMembership, error) {
	if tx != nil {
		return s.Repo.GetMembershipTx(ctx, tx, clientID)
	}
	return s.Repo.GetMembership(ctx, clientID)
}

// Schedule enqueues reconciliation for the client. Enqueue failures are
// logged; the membership keeps needs_reconcile until a run succeeds.
func (s *Service) schedule(ctx context.Context, clientID, workspaceID string) {
	if s.Jobs == nil {
		return
	}
	if _, err := s.Jobs.Enqueue(ctx, JobID(clientID), jobs.KindReconcileClient, Job{ClientID: clientID, WorkspaceID: workspaceID}, jobs.Options{}); err != nil {
		s.logger().Warn("schedule reconciliation failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// ReconcileClient fetches the client's current company and repairs its
// notifications. Gateway failures return before anything is written. When a
// transition is recorded while the provider read is in flight, the run
// starts over from the newer state.
func (s *Service) ReconcileClient(ctx context.Context, clientID, workspaceID string) error {
	var err error
	for attempt := 0; attempt < maxFixAttempts; attempt++ {
		err = s.reconcileOnce(ctx, clientID, workspaceID)
		if !errors.Is(err, ErrSuperseded) {
			return err
		}
		s.logger().Info("membership moved during reconciliation, retrying",
			zap.String("client_id", clientID), zap.Int("attempt", attempt+1))
	}
	return err
}

func (s *Service) reconcileOnce(ctx context.Context, clientID, workspaceID string) error {
	before, err := s.Repo.GetMembership(ctx, clientID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	expect := &before
	if errors.Is(err, repo.ErrNotFound) {
		expect = &domain.ClientMembership{}
	}
	c, err := s.Gateway.GetClient(ctx, clientID)
	if errors.Is(err, identity.ErrNotFound) {
		s.logger().Info("client gone, skipping reconciliation", zap.String("client_id", clientID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile client %s: %w", clientID, err)
	}
	if workspaceID == "" {
		workspaceID = c.WorkspaceID
	}
	return s.fix(ctx, clientID, c.CompanyID, workspaceID, expect)
}

// HandleJob implements jobs.HandlerFunc for reconcile-client.
func (s *Service) HandleJob(ctx context.Context, payload json.RawMessage) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode reconcile job: %w", err)
	}
	return s.ReconcileClient(ctx, job.ClientID, job.WorkspaceID)
}

// FixClientNotificationCount realigns the client's rows with companyID in
// one transaction: rows scoped to another company are excluded, rows of
// companyID are restored, open tasks assigned to companyID that the client
// has no row for get one reconcile notification, and the membership is
// marked reconciled. Rows are never hard-deleted. Running it twice changes
// nothing the second time. A pending transition to a different company wins:
// nothing is written and ErrSuperseded is returned.
func (s *Service) FixClientNotificationCount(ctx context.Context, clientID, companyID, workspaceID string) error {
	return s.fix(ctx, clientID, companyID, workspaceID, nil)
}

// fix applies companyID. With expect set, the stored membership must still
// match it (a zero value means no row); otherwise a stored transition to
// another company that is still awaiting reconciliation blocks the write.
func (s *Service) fix(ctx context.Context, clientID, companyID, workspaceID string, expect *domain.ClientMembership) error {
	if clientID == "" || companyID == "" {
		return fmt.Errorf("fix notification count: client and company required")
	}
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.Repo.GetMembershipTx(ctx, tx, clientID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	found := err == nil
	switch {
	case expect != nil && !sameMembership(*expect, current, found):
		return ErrSuperseded
	case expect == nil && found && current.State == domain.MembershipMember &&
		current.NeedsReconcile && current.CompanyID != companyID:
		return ErrSuperseded
	}

	excluded, err := tx.ExecContext(ctx, s.Conn.Rebind(`UPDATE notifications SET excluded=TRUE
WHERE recipient_kind=? AND recipient_id=? AND company_id IS NOT NULL AND company_id<>? AND excluded=FALSE`),
		domain.Client, clientID, companyID)
	if err != nil {
		return fmt.Errorf("exclude stale rows: %w", err)
	}
	restored, err := tx.ExecContext(ctx, s.Conn.Rebind(`UPDATE notifications SET excluded=FALSE
WHERE recipient_kind=? AND recipient_id=? AND company_id=? AND excluded=TRUE`),
		domain.Client, clientID, companyID)
	if err != nil {
		return fmt.Errorf("restore rows: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.Conn.Rebind(`SELECT t.id, t.workspace_id FROM tasks t
WHERE t.assignee_type=? AND t.assignee_id=? AND t.deleted_at IS NULL AND t.is_archived=FALSE
AND NOT EXISTS (SELECT 1 FROM notifications n WHERE n.recipient_kind=? AND n.recipient_id=? AND n.task_id=t.id
  AND n.deleted_at IS NULL AND (n.company_id=? OR n.company_id IS NULL))
ORDER BY t.created_at, t.id`),
		domain.Company, companyID, domain.Client, clientID, companyID)
	if err != nil {
		return fmt.Errorf("find backfill tasks: %w", err)
	}
	type pending struct{ taskID, workspaceID string }
	var backfill []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.taskID, &p.workspaceID); err != nil {
			rows.Close()
			return err
		}
		backfill = append(backfill, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := s.now()
	company := companyID
	inserted := 0
	for _, p := range backfill {
		ok, err := s.Notify.InsertTx(ctx, tx, domain.Notification{
			ID:            uuid.NewString(),
			WorkspaceID:   p.workspaceID,
			RecipientKind: domain.Client,
			RecipientID:   clientID,
			CompanyID:     &company,
			TaskID:        p.taskID,
			Kind:          domain.NotificationReconcile,
			EventKey:      domain.NotificationReconcile + ":" + companyID,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		if ok {
			inserted++
		}
	}

	if err := s.Repo.UpsertMembershipTx(ctx, tx, domain.ClientMembership{
		ClientID:       clientID,
		WorkspaceID:    workspaceID,
		CompanyID:      companyID,
		State:          domain.MembershipMember,
		NeedsReconcile: false,
		UpdatedAt:      now,
		ReconciledAt:   &now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	nExcluded, _ := excluded.RowsAffected()
	nRestored, _ := restored.RowsAffected()
	s.logger().Info("client notifications reconciled",
		zap.String("client_id", clientID),
		zap.String("company_id", companyID),
		zap.Int64("excluded", nExcluded),
		zap.Int64("restored", nRestored),
		zap.Int("backfilled", inserted))
	s.Notify.Announce(ctx, notify.Recipient{Kind: domain.Client, ID: clientID, CompanyID: companyID})
	return nil
}

func sameMembership(expect, current domain.ClientMembership, found bool) bool {
	if expect.ClientID == "" {
		return !found
	}
	return found &&
		expect.CompanyID == current.CompanyID &&
		expect.State == current.State &&
		expect.NeedsReconcile == current.NeedsReconcile &&
		expect.UpdatedAt == current.UpdatedAt
}
