// Package policy is the role -> resource -> actions authorization table.
package policy

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Actions.
const (
	Create = "create"
	Read   = "read"
	Update = "update"
	Delete = "delete"
	Send   = "send"
)

// Resources.
const (
	Task          = "task"
	Comment       = "comment"
	Viewer        = "viewer"
	Notification  = "notification"
	WorkflowState = "workflowState"
	ActivityLog   = "activityLog"
)

// ForbiddenError indicates the role may not perform action on resource.
type ForbiddenError struct {
	Role     string
	Action   string
	Resource string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s %s", e.Role, e.Action, e.Resource)
}

// Checker authorizes an action for a role.
type Checker interface {
	Authorize(role, action, resource string) error
}

// Table maps role -> resource -> allowed actions.
type Table map[string]map[string][]string

func (t Table) Allows(role, action, resource string) bool {
	for _, a := range t[role][resource] {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

func (t Table) Authorize(role, action, resource string) error {
	if t.Allows(role, action, resource) {
		return nil
	}
	return ForbiddenError{Role: role, Action: action, Resource: resource}
}

// Roles returns the configured roles in sorted order.
func (t Table) Roles() []string {
	out := make([]string, 0, len(t))
	for r := range t {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Live is a Checker whose table can be swapped while requests run.
type Live struct {
	table atomic.Pointer[Table]
}

func NewLive(t Table) *Live {
	l := &Live{}
	l.Set(t)
	return l
}

func (l *Live) Set(t Table) {
	l.table.Store(&t)
}

func (l *Live) Table() Table {
	if t := l.table.Load(); t != nil {
		return *t
	}
	return nil
}

func (l *Live) Authorize(role, action, resource string) error {
	return l.Table().Authorize(role, action, resource)
}
