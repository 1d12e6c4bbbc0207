// Package notify decides who hears about a task event and persists the
// per-recipient notification rows.
package notify

import (
	"sort"

	"taskline/internal/domain"
	"taskline/internal/policy"
)

// Recipient is one notification target. CompanyID is the company scope a
// client receives the notification under.
type Recipient struct {
	Kind      string `json:"kind" enum:"internalUser,client"`
	ID        string `json:"id" minLength:"1"`
	CompanyID string `json:"company_id,omitempty"`
}

// Assignee is a (kind, id) assignment; Kind may be company.
type Assignee struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event describes the task mutation being notified. Class is one of the
// domain.Notification* kinds.
type Event struct {
	Class            string    `json:"class"`
	TaskID           string    `json:"task_id"`
	ActivityLogID    string    `json:"activity_log_id"`
	Actor            Recipient `json:"actor"`
	PreviousAssignee *Assignee `json:"previous_assignee,omitempty"`
	NewlyShared      []string  `json:"newly_shared,omitempty"`
	ParentCommentID  string    `json:"parent_comment_id,omitempty"`
}

// Key identifies the logical event for row deduplication.
func (e Event) Key() string {
	return e.Class + ":" + e.ActivityLogID
}

// TargetState is the snapshot of task and membership facts targeting reads.
type TargetState struct {
	Task domain.Task
	// CompanyClients lists the clients of each company involved.
	CompanyClients map[string][]string
	// ClientCompany maps each client involved to its current company.
	ClientCompany map[string]string
	// InternalUsers of the workspace, consulted for client-created tasks.
	InternalUsers []string
	// ParentCommentAuthor is set for replies.
	ParentCommentAuthor *Assignee
}

// Targeter computes recipients. It performs no I/O.
type Targeter struct {
	Policy policy.Checker
}

// ComputeRecipients returns the deduplicated recipients of evt sorted by
// kind then id. The actor is never included.
func (t Targeter) ComputeRecipients(evt Event, st TargetState) []Recipient {
	if st.Task.IsDeleted() {
		return nil
	}
	set := recipientSet{}
	switch evt.Class {
	case domain.NotificationCreate:
		t.addAssignee(set, st, currentAssignee(st.Task))
		if evt.Actor.Kind == domain.Client {
			for _, id := range st.InternalUsers {
				set.add(Recipient{Kind: domain.InternalUser, ID: id})
			}
		}
	case domain.NotificationAssign:
		if evt.PreviousAssignee != nil {
			t.addAssignee(set, st, *evt.PreviousAssignee)
		}
		t.addAssignee(set, st, currentAssignee(st.Task))
	case domain.NotificationShare:
		companies := map[string]bool{}
		for _, id := range evt.NewlyShared {
			company := st.ClientCompany[id]
			set.add(Recipient{Kind: domain.Client, ID: id, CompanyID: company})
			if company != "" {
				companies[company] = true
			}
		}
		for _, v := range st.Task.Viewers {
			if v.CompanyID != "" && companies[v.CompanyID] {
				set.add(Recipient{Kind: domain.Client, ID: v.ViewerID, CompanyID: v.CompanyID})
			}
		}
	case domain.NotificationComment:
		t.addAssignee(set, st, currentAssignee(st.Task))
		t.addAssignee(set, st, Assignee{Kind: st.Task.CreatedByType, ID: st.Task.CreatedBy})
		for _, v := range st.Task.Viewers {
			set.add(Recipient{Kind: domain.Client, ID: v.ViewerID, CompanyID: v.CompanyID})
		}
		if st.ParentCommentAuthor != nil {
			t.addAssignee(set, st, *st.ParentCommentAuthor)
		}
	case domain.NotificationUpdate:
		t.addAssignee(set, st, currentAssignee(st.Task))
	}

	out := make([]Recipient, 0, len(set))
	for _, r := range set {
		if r.Kind == evt.Actor.Kind && r.ID == evt.Actor.ID {
			continue
		}
		if !t.canRead(r.Kind) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func currentAssignee(task domain.Task) Assignee {
	kind, id, ok := task.Assignee()
	if !ok {
		return Assignee{}
	}
	return Assignee{Kind: kind, ID: id}
}

func (t Targeter) addAssignee(set recipientSet, st TargetState, a Assignee) {
	if a.ID == "" {
		return
	}
	switch a.Kind {
	case domain.InternalUser:
		set.add(Recipient{Kind: domain.InternalUser, ID: a.ID})
	case domain.Client:
		set.add(Recipient{Kind: domain.Client, ID: a.ID, CompanyID: st.ClientCompany[a.ID]})
	case domain.Company:
		for _, id := range st.CompanyClients[a.ID] {
			set.add(Recipient{Kind: domain.Client, ID: id, CompanyID: a.ID})
		}
	}
}

func (t Targeter) canRead(kind string) bool {
	if t.Policy == nil {
		return true
	}
	return t.Policy.Authorize(kind, policy.Read, policy.Task) == nil
}

type recipientSet map[[2]string]Recipient

// add keeps the first company scope seen for a recipient.
func (s recipientSet) add(r Recipient) {
	key := [2]string{r.Kind, r.ID}
	if existing, ok := s[key]; ok {
		if existing.CompanyID == "" && r.CompanyID != "" {
			existing.CompanyID = r.CompanyID
			s[key] = existing
		}
		return
	}
	s[key] = r
}
