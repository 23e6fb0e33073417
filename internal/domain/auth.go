package domain

import "github.com/golang-jwt/jwt/v5"

// ReviewerClaims - claims токена консоли. Scopes: "rules.write", "approvals.decide", "admin".
type ReviewerClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *ReviewerClaims) Has(scope string) bool {
	return c.Scopes["admin"] || c.Scopes[scope]
}
