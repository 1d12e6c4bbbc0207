package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	WorkspaceID    string `json:"workspaceId"`
	InternalUserID string `json:"internalUserId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	CompanyID      string `json:"companyId,omitempty"`
}

// TokenCodec signs and verifies HS256 session tokens issued by the identity
// provider.
type TokenCodec struct {
	Secret string
	Now    func() time.Time
}

func (c TokenCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Parse verifies the signature and expiry and returns the embedded payload.
func (c TokenCodec) Parse(token string) (TokenPayload, error) {
	if strings.TrimSpace(c.Secret) == "" {
		return TokenPayload{}, errors.New("token secret not configured")
	}
	if strings.TrimSpace(token) == "" {
		return TokenPayload{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.Secret), nil
	})
	if err != nil {
		return TokenPayload{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return TokenPayload{}, ErrInvalidToken
	}
	payload := TokenPayload{
		InternalUserID: claims.InternalUserID,
		ClientID:       claims.ClientID,
		CompanyID:      claims.CompanyID,
		WorkspaceID:    claims.WorkspaceID,
	}
	if _, err := payload.Principal(); err != nil {
		return TokenPayload{}, err
	}
	return payload, nil
}

// Issue signs a token for the payload valid for ttl.
func (c TokenCodec) Issue(payload TokenPayload, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.Secret) == "" {
		return "", errors.New("token secret not configured")
	}
	p, err := payload.Principal()
	if err != nil {
		return "", err
	}
	now := c.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		WorkspaceID:    p.WorkspaceID,
		InternalUserID: p.InternalUserID,
		ClientID:       p.ClientID,
		CompanyID:      p.CompanyID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
}
