package dispatch

import (
	"context"
	"slices"
)

// Authorizer decides whether a caller may resume the instance processing the given business id.
// ownerID is the user the business id belongs to. An error is only returned if the decision could
// not be made.
type Authorizer interface {
	Authorize(ctx context.Context, callerID, businessID, ownerID string) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, callerID, businessID, ownerID string) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, callerID, businessID, ownerID string) (bool, error) {
	return f(ctx, callerID, businessID, ownerID)
}

// AllowOwner authorizes the owner of a business id. Operators are authorized for every owner.
func AllowOwner(operators ...string) Authorizer {
	allowed := slices.Clone(operators)

	return AuthorizerFunc(func(ctx context.Context, callerID, businessID, ownerID string) (bool, error) {
		if callerID == "" {
			return false, nil
		}

		return callerID == ownerID || slices.Contains(allowed, callerID), nil
	})
}
