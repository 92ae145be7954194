package queryx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Key builder errors
var (
	ErrEmptyNamespace = errors.New("namespace cannot be empty")
	ErrEmptyEntity    = errors.New("entity cannot be empty")
	ErrKeyHashFailed  = errors.New("key hash operation failed")
)

// KeyBuilder produces deterministic cache keys for read operations. Two
// semantically identical requests always map to the same key regardless of
// the order their parameters were supplied in.
//
// Not thread-safe for mutation; construct once and share.
type KeyBuilder struct {
	namespace string
	secret    string
}

// NewKeyBuilder creates a key builder. The secret feeds the HMAC used to
// fingerprint parameter sets; it may be empty for non-sensitive keyspaces.
func NewKeyBuilder(namespace, secret string) (*KeyBuilder, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, ErrEmptyNamespace
	}

	return &KeyBuilder{
		namespace: strings.TrimSpace(namespace),
		secret:    strings.TrimSpace(secret),
	}, nil
}

func (b *KeyBuilder) normalize(input, fallback string) string {
	if trimmed := strings.TrimSpace(input); trimmed != "" {
		return trimmed
	}
	return fallback
}

// Build creates the key for a single-entity read:
// "{namespace}:{entity}:{operation}:{id}"
func (b *KeyBuilder) Build(entity, operation, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		b.namespace,
		b.normalize(entity, "unknown"),
		b.normalize(operation, "get"),
		b.normalize(id, "unknown"))
}

// BuildBatch creates the composite key for a bulk read. The id set is sorted
// and fingerprinted so supply order never changes the key.
func (b *KeyBuilder) BuildBatch(entity string, ids []string) string {
	entityStr := b.normalize(entity, "unknown")

	if len(ids) == 0 {
		return fmt.Sprintf("%s:%s:batch:none", b.namespace, entityStr)
	}

	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			sorted = append(sorted, trimmed)
		}
	}
	sort.Strings(sorted)

	hash, err := b.hash(strings.Join(sorted, ","))
	if err != nil {
		hash = "default"
	}

	return fmt.Sprintf("%s:%s:batch:%s", b.namespace, entityStr, hash)
}

// BuildQuery creates a key for a parameterized read. Parameter keys are
// sorted before hashing so map iteration order never leaks into the key.
func (b *KeyBuilder) BuildQuery(entity, operation string, params map[string]any) string {
	entityStr := b.normalize(entity, "unknown")
	opStr := b.normalize(operation, "query")

	if len(params) == 0 {
		return fmt.Sprintf("%s:%s:%s:all", b.namespace, entityStr, opStr)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if trimmed := strings.TrimSpace(k); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}

	hash, err := b.hash(strings.Join(parts, "&"))
	if err != nil {
		hash = "default"
	}

	return fmt.Sprintf("%s:%s:%s:%s", b.namespace, entityStr, opStr, hash)
}

// hash fingerprints data with HMAC-SHA256, truncated to 16 hex characters.
// Truncation trades collision resistance for key length, which is acceptable
// for cache keys.
func (b *KeyBuilder) hash(data string) (string, error) {
	if strings.TrimSpace(data) == "" {
		return "", fmt.Errorf("%w: empty data", ErrKeyHashFailed)
	}

	h := hmac.New(sha256.New, []byte(b.secret))
	h.Write([]byte(data))
	hashHex := hex.EncodeToString(h.Sum(nil))

	return hashHex[:16], nil
}

// Namespace returns the builder's namespace
func (b *KeyBuilder) Namespace() string {
	return b.namespace
}
