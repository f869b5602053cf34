// Package authx verifies operator bearer tokens and carries the verified
// identity through request contexts.
package authx

import (
	"context"
	"strings"
)

// AuthContext is the verified operator behind a request.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	// BranchIDs restricts the operator to the listed branches. Empty means
	// every branch.
	BranchIDs []string
}

// Verifier is satisfied by JWTVerifier and by test doubles.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

func (a AuthContext) HasAnyRole(roles ...string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

func (a AuthContext) CanAccessBranch(branchID string) bool {
	if len(a.BranchIDs) == 0 {
		return true
	}
	for _, id := range a.BranchIDs {
		if strings.EqualFold(id, branchID) {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(contextKey{}).(AuthContext)
	return a, ok
}
