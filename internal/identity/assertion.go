package identity

import "context"

// IdentityAssertion is the provider-verified identity extracted from the
// bearer token. SubjectID is the provider's durable account id; Email is
// vouched for by the provider. Phone and DisplayName are optional claims.
type IdentityAssertion struct {
	SubjectID   string `json:"subject_id"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

type contextKey struct{}

var assertionKey = contextKey{}

// WithAssertion stores the assertion on the request context.
func WithAssertion(ctx context.Context, assertion *IdentityAssertion) context.Context {
	return context.WithValue(ctx, assertionKey, assertion)
}

// FromContext returns the assertion stored by the auth middleware.
func FromContext(ctx context.Context) (*IdentityAssertion, bool) {
	assertion, ok := ctx.Value(assertionKey).(*IdentityAssertion)
	return assertion, ok
}
