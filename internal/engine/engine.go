// Package engine applies task mutations. Each mutation and its activity log
// rows commit in one transaction; notification jobs are enqueued after the
// commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskline/internal/activity"
	"taskline/internal/clock"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/notify"
	"taskline/internal/policy"
	"taskline/internal/repo"
)

// ErrConflict is returned when a caller-supplied id belongs to a record it
// cannot see.
var ErrConflict = errors.New("id already in use")

// ValidationError reports bad input on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Engine struct {
	Conn     *db.Conn
	Repo     repo.Repo
	Activity activity.Store
	Gateway  identity.Gateway
	Policy   policy.Checker
	Jobs     jobs.Enqueuer
	Config   *config.Config
	Now      func() time.Time
	Logger   *zap.Logger
}

func New(conn *db.Conn, cfg *config.Config, gateway identity.Gateway, enq jobs.Enqueuer, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		Conn:     conn,
		Repo:     repo.Repo{Conn: conn},
		Activity: activity.Store{Conn: conn, Now: time.Now},
		Gateway:  gateway,
		Jobs:     enq,
		Config:   cfg,
		Now:      time.Now,
		Logger:   logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) authorize(actor identity.Principal, action, resource string) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if e.Policy == nil {
		return nil
	}
	return e.Policy.Authorize(actor.Kind(), action, resource)
}

func (e Engine) maxDepth() int {
	if e.Config == nil {
		return 2
	}
	return e.Config.Tasks.MaxSubtaskDepth
}

// visible rejects tasks from another workspace and deleted tasks as not
// found.
func visible(t domain.Task, actor identity.Principal) error {
	if t.WorkspaceID != actor.WorkspaceID || t.IsDeleted() {
		return repo.ErrNotFound
	}
	return nil
}

func recipientOf(p identity.Principal) notify.Recipient {
	return notify.Recipient{Kind: p.Kind(), ID: p.ID(), CompanyID: p.CompanyID}
}

// enqueue hands events to the send-notifications runner. The mutation has
// already committed, so failures are logged rather than returned.
func (e Engine) enqueue(ctx context.Context, evts ...notify.Event) {
	if e.Jobs == nil {
		return
	}
	for _, evt := range evts {
		if _, err := e.Jobs.Enqueue(ctx, notify.JobID(evt), jobs.KindSendNotifications, evt, jobs.Options{}); err != nil {
			e.logger().Error("enqueue notifications failed",
				zap.String("task_id", evt.TaskID),
				zap.String("event_key", evt.Key()),
				zap.Error(err))
		}
	}
}

func ptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func (e Engine) stamp() string {
	return clock.Format(e.now())
}
