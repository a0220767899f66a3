// Package credentials consumes the host's opaque credential store. The agent
// never issues or verifies tokens; it only needs the subject and a usable
// bearer token, and treats an expired token as no credential at all.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates an empty stored token.
	ErrMissingToken = errors.New("credentials: token required")
	// ErrMalformedToken indicates a stored token that does not parse as a JWT.
	ErrMalformedToken = errors.New("credentials: malformed token")
	// ErrMissingSubject indicates a token without a subject claim.
	ErrMissingSubject = errors.New("credentials: subject required")
)

// Credential identifies the authenticated user and carries the bearer token
// presented to the remote API.
type Credential struct {
	UserID      string
	AccessToken string
}

// Provider yields the current credential, if a valid one is available.
type Provider interface {
	Current(ctx context.Context) (Credential, bool)
}

// FileProviderConfig configures a file-backed provider.
type FileProviderConfig struct {
	TokenPath string
	Clock     func() time.Time
}

// FileProvider reads a bearer token persisted by the host's auth layer and
// extracts identity and expiry from its claims. The signature is not checked
// here: validation is the server's job, the client only needs to know whether
// presenting the token is worthwhile.
type FileProvider struct {
	tokenPath string
	clock     func() time.Time
}

// NewFileProvider constructs a FileProvider.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	path := strings.TrimSpace(cfg.TokenPath)
	if path == "" {
		return nil, errors.New("credentials: token path is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &FileProvider{tokenPath: path, clock: clock}, nil
}

// Current reads and inspects the stored token. Absent, malformed, or expired
// tokens yield no credential.
func (p *FileProvider) Current(_ context.Context) (Credential, bool) {
	raw, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return Credential{}, false
	}
	cred, err := FromToken(strings.TrimSpace(string(raw)), p.clock())
	if err != nil {
		return Credential{}, false
	}
	return cred, true
}

// FromToken inspects a bearer token's claims and builds a Credential. Tokens
// expired at the supplied instant are rejected.
func FromToken(tokenString string, now time.Time) (Credential, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Credential{}, ErrMissingToken
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Credential{}, ErrMissingSubject
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return Credential{}, jwt.ErrTokenExpired
	}

	return Credential{UserID: subject, AccessToken: token}, nil
}

// StaticProvider returns a fixed credential. Useful for tests and for hosts
// that manage token refresh themselves.
type StaticProvider struct {
	Credential Credential
}

// Current returns the fixed credential when it is non-empty.
func (p StaticProvider) Current(_ context.Context) (Credential, bool) {
	if p.Credential.UserID == "" || p.Credential.AccessToken == "" {
		return Credential{}, false
	}
	return p.Credential, true
}
