// Package auth issues and validates the JWTs that front the HTTP and MCP
// surfaces.
//
// Tokens are signed with Ed25519 (EdDSA). Callers exchange a tenant API
// key for a short-lived JWT whose claims carry the tenant and the key's
// role; every authenticated request is scoped to that tenant. Signing
// keys load from PEM files, or an ephemeral pair is generated for
// development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const issuer = "tsumugi"

// Claims extends jwt.RegisteredClaims with the tenant scope. Subject is
// the tenant ID; APIKeyID names the key the token was minted from so a
// revoked key invalidates its outstanding tokens at the middleware.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID     `json:"tenant_id"`
	Role     model.KeyRole `json:"role"`
	APIKeyID uuid.UUID     `json:"api_key_id"`
}

// JWTManager signs and validates tokens with a fixed Ed25519 pair.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. If either path
// is empty an ephemeral pair is generated; tokens then die with the
// process, which is fine for development and wrong for production.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	edPriv, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}

	// Catch a private key deployed next to another environment's public
	// key before the first token fails to validate.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return edKey, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return edKey, nil
}

// IssueToken mints a signed JWT for the tenant an API key belongs to,
// carrying the key's role.
func (m *JWTManager) IssueToken(key model.APIKey) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.TenantID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: key.TenantID,
		Role:     key.Role,
		APIKeyID: key.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and verifies a JWT, returning its claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.TenantID == uuid.Nil {
		return nil, fmt.Errorf("auth: token carries no tenant")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
