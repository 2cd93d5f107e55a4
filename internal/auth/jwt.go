package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/domain"
)

const clockSkewLeeway = 30 * time.Second

// Claims is the token payload: sub carries the user id.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret, issuer string, clock clockwork.Clock) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithTimeFunc(clock.Now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (v *JWTVerifier) Verify(token string) (domain.Identity, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return domain.Identity{}, fmt.Errorf("%w: sub and tenant_id claims are required", domain.ErrInvalidToken)
	}

	return domain.Identity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

type Issuer struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

func NewIssuer(secret, issuer string, clock clockwork.Clock) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, clock: clock}
}

// Issue signs a token for id that expires after ttl.
func (i *Issuer) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" || id.TenantID == "" {
		return "", errors.New("user and tenant are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := i.clock.Now()
	claims := Claims{
		TenantID: id.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
