package domain

// Identity is the authenticated principal behind a credential.
type Identity struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// CredentialVerifier checks a raw bearer token and extracts the identity it asserts.
type CredentialVerifier interface {
	Verify(token string) (Identity, error)
}
