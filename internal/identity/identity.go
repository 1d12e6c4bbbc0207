// Package identity wraps the external identity/workspace API: it resolves
// bearer tokens into principals and looks up users, clients and companies.
package identity

import (
	"context"
	"errors"
	"fmt"

	"taskline/internal/domain"
)

var (
	// ErrInvalidToken is returned for missing, malformed, expired or
	// badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotFound is returned when the identity provider has no such record.
	ErrNotFound = errors.New("identity record not found")
	// ErrUnavailable marks transient gateway failures after retries ran out.
	ErrUnavailable = errors.New("identity gateway unavailable")
)

// Principal is the resolved caller. Exactly one of InternalUserID and
// ClientID is set; WorkspaceID always is.
type Principal struct {
	InternalUserID string `json:"internalUserId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	CompanyID      string `json:"companyId,omitempty"`
	WorkspaceID    string `json:"workspaceId"`
}

// Kind returns domain.InternalUser or domain.Client.
func (p Principal) Kind() string {
	if p.ClientID != "" {
		return domain.Client
	}
	return domain.InternalUser
}

// ID returns the populated identity id.
func (p Principal) ID() string {
	if p.ClientID != "" {
		return p.ClientID
	}
	return p.InternalUserID
}

func (p Principal) IsClient() bool { return p.ClientID != "" }

func (p Principal) Validate() error {
	if p.WorkspaceID == "" {
		return fmt.Errorf("%w: workspaceId required", ErrInvalidToken)
	}
	switch {
	case p.InternalUserID != "" && p.ClientID != "":
		return fmt.Errorf("%w: token carries both internalUserId and clientId", ErrInvalidToken)
	case p.InternalUserID == "" && p.ClientID == "":
		return fmt.Errorf("%w: token carries no identity", ErrInvalidToken)
	case p.ClientID != "" && p.CompanyID == "":
		return fmt.Errorf("%w: client token missing companyId", ErrInvalidToken)
	}
	return nil
}

// TokenPayload is the claim set embedded in a bearer token at issuance.
type TokenPayload struct {
	InternalUserID string `json:"internalUserId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	CompanyID      string `json:"companyId,omitempty"`
	WorkspaceID    string `json:"workspaceId"`
}

// Principal converts the payload, enforcing the principal invariant.
func (t TokenPayload) Principal() (Principal, error) {
	p := Principal(t)
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}

type InternalUser struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email,omitempty"`
	GivenName   string `json:"givenName,omitempty"`
	FamilyName  string `json:"familyName,omitempty"`
}

type Client struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	CompanyID   string `json:"companyId"`
	Email       string `json:"email,omitempty"`
	GivenName   string `json:"givenName,omitempty"`
	FamilyName  string `json:"familyName,omitempty"`
}

type Company struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

type ClientFilter struct {
	CompanyID string
	Limit     int
	NextToken string
}

type ClientPage struct {
	Data      []Client `json:"data"`
	NextToken string   `json:"nextToken,omitempty"`
}

// Gateway is the boundary to the identity provider.
type Gateway interface {
	TokenPayload(ctx context.Context, token string) (TokenPayload, error)
	GetClient(ctx context.Context, clientID string) (Client, error)
	GetClients(ctx context.Context, filter ClientFilter) (ClientPage, error)
	GetCompany(ctx context.Context, companyID string) (Company, error)
	GetInternalUsers(ctx context.Context) ([]InternalUser, error)
}

// CompanyClientIDs pages through every client of a company.
func CompanyClientIDs(ctx context.Context, g Gateway, companyID string) ([]string, error) {
	var ids []string
	filter := ClientFilter{CompanyID: companyID, Limit: 100}
	for {
		page, err := g.GetClients(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, c := range page.Data {
			ids = append(ids, c.ID)
		}
		if page.NextToken == "" {
			return ids, nil
		}
		filter.NextToken = page.NextToken
	}
}
