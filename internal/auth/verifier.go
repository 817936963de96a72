package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signing algorithms.
const (
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"
)

// ErrInvalidToken is wrapped by every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// RS256
	PublicKeyPEM string

	// HS256, for bench setups without a key pair.
	SecretKey string

	Algorithm string

	// Leeway tolerates clock skew between the issuer and the companion computer.
	Leeway time.Duration
}

// Verifier checks token signatures and extracts Claims.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{config: config}

	switch config.Algorithm {
	case AlgRS256:
		if config.PublicKeyPEM == "" {
			return nil, fmt.Errorf("RS256 requires a public key")
		}
		if err := v.loadPublicKeyFromPEM(config.PublicKeyPEM); err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
	case AlgHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{config.Algorithm}),
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
	)
	return v, nil
}

// NewVerifierFromFiles picks RS256 when publicKeyPath is set and HS256 when
// only secret is. It returns nil, nil when neither is configured.
func NewVerifierFromFiles(publicKeyPath, secret string) (*Verifier, error) {
	switch {
	case publicKeyPath != "":
		data, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key %s: %w", publicKeyPath, err)
		}
		return NewVerifier(VerifierConfig{Algorithm: AlgRS256, PublicKeyPEM: string(data), Leeway: 30 * time.Second})
	case secret != "":
		return NewVerifier(VerifierConfig{Algorithm: AlgHS256, SecretKey: secret, Leeway: 30 * time.Second})
	}
	return nil, nil
}

// Algorithm returns the configured signing algorithm.
func (v *Verifier) Algorithm() string {
	return v.config.Algorithm
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != v.config.Algorithm {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if v.config.Algorithm == AlgRS256 {
		return v.publicKey, nil
	}
	return []byte(v.config.SecretKey), nil
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing or invalid 'sub' claim", ErrInvalidToken)
	}

	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}

	for _, r := range roles {
		if !slices.Contains(validRoles, r) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, r)
		}
	}
	for _, s := range scopes {
		if !slices.Contains(validScopes, s) {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, s)
		}
	}
	if len(roles) == 0 || len(scopes) == 0 {
		return nil, fmt.Errorf("%w: roles and scopes must not be empty", ErrInvalidToken)
	}

	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing claim %s", ErrInvalidToken, key)
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s claim has a non-string entry", ErrInvalidToken, key)
			}
			out[i] = s
		}
		return out, nil
	case string:
		// Space-separated, as in OAuth2 "scope".
		return strings.Fields(val), nil
	}
	return nil, fmt.Errorf("%w: %s claim is not a string array", ErrInvalidToken, key)
}

func (v *Verifier) loadPublicKeyFromPEM(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}

	v.publicKey = rsaPub
	return nil
}
