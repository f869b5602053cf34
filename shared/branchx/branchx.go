package branchx

import "context"

type contextKey struct{}

type BranchContext struct {
	ID   string
	Code string
}

func WithBranch(ctx context.Context, branch BranchContext) context.Context {
	return context.WithValue(ctx, contextKey{}, branch)
}

func FromContext(ctx context.Context) (BranchContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if b, ok := v.(BranchContext); ok {
			return b, true
		}
	}
	return BranchContext{}, false
}

func BranchIDFromContext(ctx context.Context) string {
	if b, ok := FromContext(ctx); ok {
		return b.ID
	}
	return ""
}
