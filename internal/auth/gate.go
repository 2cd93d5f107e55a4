package auth

import (
	"context"
	"strings"

	"github.com/pscheid92/signpulse/internal/domain"
)

const bearerScheme = "bearer"

// Gate authenticates the Authorization header of inbound requests.
type Gate struct {
	verifier domain.CredentialVerifier
}

func NewGate(verifier domain.CredentialVerifier) *Gate {
	return &Gate{verifier: verifier}
}

// Authenticate returns domain.ErrUnauthenticated when the header is missing
// or not a bearer credential and domain.ErrInvalidToken when verification fails.
func (g *Gate) Authenticate(header string) (domain.Identity, error) {
	token, ok := bearerToken(header)
	if !ok {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return g.verifier.Verify(token)
}

// AuthenticateToken verifies a raw token, as passed by WebSocket clients
// that cannot set headers.
func (g *Gate) AuthenticateToken(token string) (domain.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return g.verifier.Verify(token)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}
