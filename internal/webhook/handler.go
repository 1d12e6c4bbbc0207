// Package webhook applies identity-provider change events to local state.
// Every delivery is recorded as a receipt in the same transaction as its
// effect, so replays are no-ops.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskline/internal/clock"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/reconcile"
	"taskline/internal/repo"
)

// Reassigner clears task assignments held by a deleted principal.
type Reassigner interface {
	ClearAssignments(ctx context.Context, workspaceID, kind, id string) error
}

// Cleanup is the cleanup-principal payload.
type Cleanup struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func CleanupJobID(kind, id string) string {
	return jobs.KindCleanupPrincipal + ":" + kind + ":" + id
}

type Handler struct {
	Conn       *db.Conn
	Repo       repo.Repo
	Reconciler *reconcile.Service
	Jobs       jobs.Enqueuer
	Now        func() time.Time
	Logger     *zap.Logger
}

type followup struct {
	id, kind string
	payload  any
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) now() string {
	if h.Now != nil {
		return clock.Format(h.Now())
	}
	return clock.Format(time.Now())
}

func known(eventType string) bool {
	switch eventType {
	case InternalUserDeleted, ClientCreated, ClientUpdated, ClientDeleted, CompanyDeleted:
		return true
	}
	return false
}

// Handle applies evt once. Unknown types and replays return nil without
// touching anything. Jobs are enqueued after the receipt commits; enqueue
// failures are logged.
func (h *Handler) Handle(ctx context.Context, evt Event) error {
	log := h.logger().With(zap.String("event_type", evt.Type), zap.String("entity_id", evt.Data.ID))
	if !known(evt.Type) {
		log.Debug("ignoring webhook event")
		return nil
	}
	if evt.Data.ID == "" {
		return fmt.Errorf("%w: data.id required", ErrInvalidEvent)
	}

	tx, err := h.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fresh, err := h.Repo.InsertReceiptTx(ctx, tx, evt.Type, evt.Data.ID, evt.ReceiptKey(), h.now())
	if err != nil {
		return fmt.Errorf("record webhook receipt: %w", err)
	}
	if !fresh {
		log.Info("duplicate webhook delivery ignored")
		return nil
	}

	var next []followup
	switch evt.Type {
	case ClientCreated, ClientUpdated:
		if evt.Data.CompanyID == "" {
			break
		}
		if evt.Type == ClientUpdated && !evt.CompanyChanged() {
			log.Debug("client updated without a company change")
			break
		}
		changed, err := h.Reconciler.Transition(ctx, tx, evt.Data.ID, evt.Data.WorkspaceID, evt.Data.CompanyID)
		if err != nil {
			return err
		}
		if changed {
			log.Info("client membership changed", zap.String("company_id", evt.Data.CompanyID))
			next = append(next, followup{
				id:      reconcile.JobID(evt.Data.ID),
				kind:    jobs.KindReconcileClient,
				payload: reconcile.Job{ClientID: evt.Data.ID, WorkspaceID: evt.Data.WorkspaceID},
			})
		}
	case ClientDeleted:
		if err := h.Repo.DeleteMembershipTx(ctx, tx, evt.Data.ID); err != nil {
			return err
		}
		next = append(next, cleanup(domain.Client, evt.Data))
	case InternalUserDeleted:
		next = append(next, cleanup(domain.InternalUser, evt.Data))
	case CompanyDeleted:
		next = append(next, cleanup(domain.Company, evt.Data))
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for _, f := range next {
		if _, err := h.Jobs.Enqueue(ctx, f.id, f.kind, f.payload, jobs.Options{}); err != nil {
			log.Error("enqueue webhook followup failed", zap.String("job_id", f.id), zap.Error(err))
		}
	}
	return nil
}

func cleanup(kind string, e Entity) followup {
	return followup{
		id:      CleanupJobID(kind, e.ID),
		kind:    jobs.KindCleanupPrincipal,
		payload: Cleanup{Kind: kind, ID: e.ID, WorkspaceID: e.WorkspaceID},
	}
}

// Cleaner runs cleanup-principal jobs.
type Cleaner struct {
	Notify     *notify.Service
	Reassigner Reassigner
	Logger     *zap.Logger
}

// Handle implements jobs.HandlerFunc. Both steps are idempotent, so a retry
// after partial progress is safe.
func (c Cleaner) Handle(ctx context.Context, payload json.RawMessage) error {
	var job Cleanup
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode cleanup job: %w", err)
	}
	if job.Kind != domain.Company {
		if err := c.Notify.RemoveForRecipient(ctx, job.Kind, job.ID); err != nil {
			return fmt.Errorf("remove notifications for %s %s: %w", job.Kind, job.ID, err)
		}
	}
	if c.Reassigner != nil {
		if err := c.Reassigner.ClearAssignments(ctx, job.WorkspaceID, job.Kind, job.ID); err != nil {
			return fmt.Errorf("clear assignments for %s %s: %w", job.Kind, job.ID, err)
		}
	}
	if c.Logger != nil {
		c.Logger.Info("principal cleaned up", zap.String("kind", job.Kind), zap.String("id", job.ID))
	}
	return nil
}
