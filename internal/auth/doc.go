// Package auth turns bearer credentials into broker identities.
//
// Gate parses the Authorization header and delegates verification to a
// domain.CredentialVerifier; JWTVerifier is the HS256 implementation and
// Issuer mints matching tokens for tooling and tests.
package auth
