// Package oauth implements sign-in with external identity providers using
// the authorization code flow.
package oauth

import (
	"context"

	"captionai/pkg/domain"
)

// Identity holds the verified profile returned by a provider after a
// successful code exchange.
type Identity struct {
	Provider       domain.AuthProvider
	ProviderUserID string
	Email          string
	EmailVerified  bool
	FirstName      string
	LastName       string
	ProfileImage   string
}

// IdentityProvider is one configured upstream provider.
type IdentityProvider interface {
	// AuthURL builds the provider consent URL carrying the opaque state.
	AuthURL(state string) string
	// Exchange redeems an authorization code for the verified identity.
	Exchange(ctx context.Context, code string) (Identity, error)
}
