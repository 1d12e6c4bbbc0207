package server

import (
	"context"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskline/internal/identity"
	"taskline/internal/notify"
	"taskline/internal/policy"
	"taskline/internal/webhook"
)

func (s *server) authorize(p identity.Principal, action, resource string) error {
	if s.Engine.Policy == nil {
		return nil
	}
	return s.Engine.Policy.Authorize(p.Kind(), action, resource)
}

func recipientOf(p identity.Principal) notify.Recipient {
	return notify.Recipient{Kind: p.Kind(), ID: p.ID(), CompanyID: p.CompanyID}
}

func registerNotifications(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "send-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/send",
		Summary:     "Send notifications",
		Description: "Writes one notification per target. Re-sending the same event key returns the existing rows.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SendNotificationsRequest `json:"body"`
	}) (*struct {
		Body NotificationsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.IsClient() {
			return nil, s.handleError(policy.ForbiddenError{Role: p.Kind(), Action: policy.Send, Resource: policy.Notification})
		}
		if err := s.authorize(p, policy.Send, policy.Notification); err != nil {
			return nil, s.handleError(err)
		}
		// Scopes the send to the caller's workspace.
		if _, err := s.Engine.GetTask(ctx, p, input.Body.TaskID); err != nil {
			return nil, s.handleError(err)
		}
		rows, err := s.Notify.Send(ctx, notify.SendRequest{
			WorkspaceID:   p.WorkspaceID,
			TaskID:        input.Body.TaskID,
			Kind:          input.Body.Kind,
			EventKey:      input.Body.EventKey,
			ActivityLogID: stringOrEmpty(input.Body.ActivityLogID),
			Targets:       input.Body.Targets,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body NotificationsResponse `json:"body"`
		}{Body: NotificationsResponse{Notifications: rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List the caller's notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body NotificationsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.authorize(p, policy.Read, policy.Notification); err != nil {
			return nil, s.handleError(err)
		}
		rows, err := s.Notify.List(ctx, recipientOf(p), notify.ListFilter{UnreadOnly: input.Unread, Limit: input.Limit})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body NotificationsResponse `json:"body"`
		}{Body: NotificationsResponse{Notifications: rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/count",
		Summary:     "Unread notification count",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.authorize(p, policy.Read, policy.Notification); err != nil {
			return nil, s.handleError(err)
		}
		n, err := s.Notify.UnreadCount(ctx, recipientOf(p))
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notifications-read",
		Method:      http.MethodPost,
		Path:        "/notifications/mark-read",
		Summary:     "Mark notifications read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body MarkReadRequest `json:"body"`
	}) (*struct {
		Body MarkReadResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.authorize(p, policy.Update, policy.Notification); err != nil {
			return nil, s.handleError(err)
		}
		if id := stringOrEmpty(input.Body.NotificationID); id != "" {
			if err := s.Notify.MarkRead(ctx, recipientOf(p), id); err != nil {
				return nil, s.handleError(err)
			}
			return &struct {
				Body MarkReadResponse `json:"body"`
			}{Body: MarkReadResponse{IDs: []string{id}}}, nil
		}
		ids, err := s.Notify.MarkAllAsRead(ctx, p.Kind(), []string{p.ID()})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body MarkReadResponse `json:"body"`
		}{Body: MarkReadResponse{IDs: ids}}, nil
	})
}

func registerReconciliation(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-notification-count",
		Method:      http.MethodGet,
		Path:        "/notification/validate-count",
		Summary:     "Reconcile the caller's notification count",
		Description: "Re-reads the caller's company from the identity provider and repairs notifications delivered under a previous membership.",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg := "notification count is valid"
		if p.IsClient() {
			if err := s.Reconciler.ReconcileClient(ctx, p.ClientID, p.WorkspaceID); err != nil {
				return nil, s.handleError(err)
			}
			msg = "notification count reconciled"
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-stale-token",
		Method:      http.MethodGet,
		Path:        "/auth/stale-token",
		Summary:     "Report whether the caller's token predates a company change",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StaleTokenResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stale, err := s.Reconciler.CheckStaleToken(ctx, p)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body StaleTokenResponse `json:"body"`
		}{Body: StaleTokenResponse{IsStale: stale}}, nil
	})
}

func registerWebhooks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "identity-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/identity",
		Summary:     "Receive identity provider events",
		Description: "Body must be signed: X-Webhook-Signature: sha256=<hex hmac>. Replays and unknown event types are accepted without effect.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Webhook-Signature"`
		RawBody   []byte
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := webhook.VerifySignature(s.WebhookSecret, input.Signature, input.RawBody); err != nil {
			return nil, s.handleError(err)
		}
		evt, err := webhook.Parse(input.RawBody)
		if err != nil {
			return nil, s.handleError(err)
		}
		if err := s.Webhooks.Handle(ctx, evt); err != nil {
			return nil, s.handleError(err)
		}
		s.logger.Debug("webhook accepted", zap.String("event_type", evt.Type), zap.String("entity_id", evt.Data.ID))
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "ok"}}, nil
	})
}

// registerStream mounts the websocket count stream outside huma; the
// principal is resolved by the auth middleware.
func registerStream(r chi.Router, basePath string, s *server) {
	r.Get(path.Join(basePath, "notifications/stream"), func(w http.ResponseWriter, req *http.Request) {
		p, authErr := principalFromRequest(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if err := s.authorize(p, policy.Read, policy.Notification); err != nil {
			respondStatusError(w, s.handleError(err))
			return
		}
		if s.Hub == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "stream disabled", nil))
			return
		}
		s.Hub.Serve(w, req, recipientOf(p))
	})
}
