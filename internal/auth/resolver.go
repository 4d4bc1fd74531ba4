// Package auth resolves bearer credentials into caller identities and
// enforces them as HTTP middleware.
//
// Credential verification is pluggable behind [CredentialResolver]. Two
// resolvers ship with the gateway: a static token table from the config file
// and an RS256 JWT verifier. A [Chain] tries each in order, which lets a
// deployment accept operator tokens and issued JWTs side by side.
//
// Credential values are never logged and never appear in audit events; only
// the resolved client id does.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tollgate/gateway/internal/config"
)

// ErrInvalidCredential is returned by resolvers for a well-formed credential
// that does not verify. The middleware maps it to 401 with deny reason
// "invalid_credential".
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is the verified caller attached to the request context.
type Identity struct {
	ClientID    string
	Permissions []string
}

// Has reports whether the identity holds perm. The wildcard permission "*"
// grants everything.
func (id Identity) Has(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// CredentialResolver turns a presented bearer token into an identity.
// Implementations return ErrInvalidCredential (possibly wrapped) when the
// token is well-formed but does not verify.
type CredentialResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// StaticResolver verifies tokens against a fixed table loaded from the
// config file.
type StaticResolver struct {
	byToken map[string]Identity
}

// NewStaticResolver builds a resolver from the configured static tokens.
func NewStaticResolver(tokens []config.StaticToken) *StaticResolver {
	byToken := make(map[string]Identity, len(tokens))
	for _, t := range tokens {
		byToken[t.Token] = Identity{ClientID: t.ClientID, Permissions: t.Permissions}
	}
	return &StaticResolver{byToken: byToken}
}

// Resolve implements CredentialResolver.
func (s *StaticResolver) Resolve(_ context.Context, token string) (Identity, error) {
	id, ok := s.byToken[token]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}

// JWTResolver verifies RS256-signed JWTs against a single RSA public key.
// The "sub" claim becomes the client id; the space-separated "scope" claim
// becomes the permission set.
type JWTResolver struct {
	key *rsa.PublicKey
}

type jwtClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTResolver creates a resolver verifying against key.
func NewJWTResolver(key *rsa.PublicKey) *JWTResolver {
	return &JWTResolver{key: key}
}

// NewJWTResolverFromFile loads a PEM public key from path and creates a
// resolver for it.
func NewJWTResolverFromFile(path string) (*JWTResolver, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	key, err := ParseRSAPublicKey(pemData)
	if err != nil {
		return nil, err
	}
	return NewJWTResolver(key), nil
}

// Resolve implements CredentialResolver. Only RS256 tokens are accepted;
// expiry and not-before are enforced, and a token without a subject is
// rejected because the gateway cannot attribute its events.
func (j *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	return Identity{
		ClientID:    claims.Subject,
		Permissions: strings.Fields(claims.Scope),
	}, nil
}

// Chain tries each resolver in order and returns the first successful
// identity. It fails only when every resolver rejects the token.
type Chain []CredentialResolver

// Resolve implements CredentialResolver.
func (c Chain) Resolve(ctx context.Context, token string) (Identity, error) {
	for _, r := range c {
		if id, err := r.Resolve(ctx, token); err == nil {
			return id, nil
		}
	}
	return Identity{}, ErrInvalidCredential
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key in
// either PKCS#1 ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("auth: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("auth: unsupported PEM type %q", block.Type)
	}
}
