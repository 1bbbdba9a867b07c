package auth

import (
	"context"
	"errors"
)

type contextKey string

const identityKey contextKey = "auth_identity"

// WithIdentity attaches the authenticated caller to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller, or nil when the request is unauthenticated.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// OrgIDFrom returns the caller's org id or an error when missing.
func OrgIDFrom(ctx context.Context) (string, error) {
	id := IdentityFrom(ctx)
	if id == nil || id.OrgID == "" {
		return "", errors.New("org context missing")
	}
	return id.OrgID, nil
}
