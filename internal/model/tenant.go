package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant namespace.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantArchived TenantStatus = "archived"
)

// Tenant is an isolated client namespace: its own budget ledger, knowledge
// partition and telemetry stream. Tenants are never merged; archiving is
// an explicit operator action and archived tenants reject new runs.
type Tenant struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Status       TenantStatus      `json:"status"`
	BudgetLimits map[string]Micros `json:"budget_limits,omitempty"` // per-provider overrides
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// KeyRole determines what an API key may do. Operator keys manage tenants
// and budgets; service keys start runs and use the knowledge store.
type KeyRole string

const (
	RoleOperator KeyRole = "operator"
	RoleService  KeyRole = "service"
)

// Valid reports whether the role is a known value.
func (r KeyRole) Valid() bool {
	return r == RoleOperator || r == RoleService
}

// APIKey authenticates a caller as a specific tenant with a specific role.
// Multiple keys can exist per tenant, enabling rotation and per-environment
// credentials. Only the argon2id hash is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	TenantID   uuid.UUID  `json:"tenant_id"`
	Role       KeyRole    `json:"role"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyWithRawKey is returned only on creation — the only time the raw
// key is available. After this, only the prefix is visible.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (32 hex chars).
	keySecretLen = 16
	// keyFormatPrefix is the static prefix for all Tsumugi API keys.
	keyFormatPrefix = "tsu_"
)

// GenerateRawKey produces a new raw API key in the format
// tsu_<8-char-prefix>_<32-char-secret>, returning the full raw key and the
// prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = keyFormatPrefix + prefix + "_" + secret

	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key string. Returns an error
// if the format is invalid.
func ParseRawKey(rawKey string) (prefix, fullKey string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", "", fmt.Errorf("model: invalid key format: expected tsu_<prefix>_<secret>")
	}

	prefix = rest[:underIdx]
	return prefix, rawKey, nil
}

// ValidateTenantName checks that a tenant name is present and reasonable.
func ValidateTenantName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("tenant name must not be empty")
	}
	if len(trimmed) > 255 {
		return fmt.Errorf("tenant name must be at most 255 characters")
	}
	return nil
}
