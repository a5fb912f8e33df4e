package security

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// Key wire format: "<prefix>.<secret>". The prefix is stored and
// indexed; only the bcrypt hash of the secret is persisted.
const (
	keyAlphabet  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	prefixLength = 8
	secretLength = 32
	keyDelimiter = "."
)

// APIKeyManager owns service accounts and their API keys, persisted to
// a JSON file. All mutation happens under one mutex; the file is
// rewritten after each change, matching the upstream storage model.
type APIKeyManager struct {
	mu       sync.Mutex
	path     string
	accounts map[string]*models.ServiceAccount // by account id
	keys     map[string]*models.APIKey         // by key prefix
	usage    map[string]int                    // verification count by prefix
	logger   *slog.Logger
	nowFunc  func() time.Time
}

type keyFile struct {
	Accounts []*models.ServiceAccount `json:"service_accounts"`
	Keys     []*models.APIKey         `json:"api_keys"`
}

// NewAPIKeyManager loads (or initializes) the key store at path. An
// empty path keeps the store memory-only.
func NewAPIKeyManager(path string, logger *slog.Logger) (*APIKeyManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &APIKeyManager{
		path:     path,
		accounts: map[string]*models.ServiceAccount{},
		keys:     map[string]*models.APIKey{},
		usage:    map[string]int{},
		logger:   logger,
		nowFunc:  time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *APIKeyManager) load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key store: %w", err)
	}
	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse key store: %w", err)
	}
	for _, acc := range file.Accounts {
		m.accounts[acc.ID] = acc
	}
	for _, key := range file.Keys {
		m.keys[key.Prefix] = key
	}
	return nil
}

// save writes the store; callers hold the mutex.
func (m *APIKeyManager) save() {
	if m.path == "" {
		return
	}
	file := keyFile{}
	for _, acc := range m.accounts {
		file.Accounts = append(file.Accounts, acc)
	}
	for _, key := range m.keys {
		file.Keys = append(file.Keys, key)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		m.logger.Error("marshal key store", "error", err)
		return
	}
	if dir := filepath.Dir(m.path); dir != "." {
		_ = os.MkdirAll(dir, 0o700)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		m.logger.Error("write key store", "error", err)
	}
}

// CreateServiceAccount registers a new principal.
func (m *APIKeyManager) CreateServiceAccount(name, ownerID string, roles, permissions []string) (*models.ServiceAccount, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("account name required")
	}
	acc := &models.ServiceAccount{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerID:     ownerID,
		Roles:       append([]string(nil), roles...),
		Permissions: append([]string(nil), permissions...),
		IsActive:    true,
		CreatedAt:   m.nowFunc(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
	m.save()
	return acc, nil
}

// GetServiceAccount returns the account by id.
func (m *APIKeyManager) GetServiceAccount(id string) (*models.ServiceAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	return acc, ok
}

// SetAccountActive flips an account's active flag.
func (m *APIKeyManager) SetAccountActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("service account %q not found", id)
	}
	acc.IsActive = active
	m.save()
	return nil
}

// CreateAPIKey mints a key for the account. expiresInDays <= -1 means
// no expiry; 0 creates a key that is already expired (used by tests
// and short-lived bootstrap keys). The plaintext key is returned
// exactly once; only the bcrypt hash is retained.
func (m *APIKeyManager) CreateAPIKey(accountID string, permissions []string, expiresInDays int) (*models.APIKey, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, "", fmt.Errorf("service account %q not found", accountID)
	}
	if permissions == nil {
		permissions = append([]string(nil), acc.Permissions...)
	}

	prefix, err := randomToken(prefixLength)
	if err != nil {
		return nil, "", err
	}
	// Regenerate on the (unlikely) prefix collision; the prefix is the
	// lookup key so it must be unique.
	for _, exists := m.keys[prefix]; exists; _, exists = m.keys[prefix] {
		if prefix, err = randomToken(prefixLength); err != nil {
			return nil, "", err
		}
	}
	secret, err := randomToken(secretLength)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	now := m.nowFunc()
	key := &models.APIKey{
		ID:               uuid.NewString(),
		Prefix:           prefix,
		SecretHash:       string(hash),
		ServiceAccountID: accountID,
		Permissions:      append([]string(nil), permissions...),
		CreatedAt:        now,
		Status:           models.KeyActive,
	}
	if expiresInDays >= 0 {
		key.ExpiresAt = now.Add(time.Duration(expiresInDays) * 24 * time.Hour)
	}

	m.keys[prefix] = key
	m.save()
	return key, prefix + keyDelimiter + secret, nil
}

// VerifyAPIKey authenticates "<prefix>.<secret>" and returns the
// caller's AuthResult. Roles come from the service account; the
// permissions come from the key, which may be scoped below its account.
func (m *APIKeyManager) VerifyAPIKey(apiKey string) (*models.AuthResult, error) {
	prefix, secret, found := strings.Cut(apiKey, keyDelimiter)
	if !found || prefix == "" || secret == "" {
		return nil, ErrMalformedKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[prefix]
	if !ok {
		return nil, ErrUnknownKey
	}
	switch key.Status {
	case models.KeyRevoked:
		return nil, ErrKeyRevoked
	case models.KeyExpired:
		return nil, ErrKeyExpired
	}
	if !key.ExpiresAt.IsZero() && !m.nowFunc().Before(key.ExpiresAt) {
		key.Status = models.KeyExpired
		m.save()
		return nil, ErrKeyExpired
	}

	// bcrypt comparison is constant-time on the digest.
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, ErrBadSecret
	}

	acc, ok := m.accounts[key.ServiceAccountID]
	if !ok || !acc.IsActive {
		return nil, ErrDisabled
	}

	key.LastUsedAt = m.nowFunc()
	m.usage[prefix]++
	m.save()

	return &models.AuthResult{
		Authenticated: true,
		Subject:       acc.ID,
		SubjectName:   acc.Name,
		Roles:         append([]string(nil), acc.Roles...),
		Permissions:   append([]string(nil), key.Permissions...),
		Method:        "api_key",
	}, nil
}

// RevokeAPIKey marks the key revoked. Revoked keys stay in the store
// so audits can see them.
func (m *APIKeyManager) RevokeAPIKey(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[prefix]
	if !ok {
		return ErrUnknownKey
	}
	key.Status = models.KeyRevoked
	m.save()
	return nil
}

// RotateAPIKey revokes the old key and mints a replacement with a new
// prefix, inheriting the old key's permissions and account.
func (m *APIKeyManager) RotateAPIKey(prefix string, expiresInDays int) (*models.APIKey, string, error) {
	m.mu.Lock()
	old, ok := m.keys[prefix]
	if !ok {
		m.mu.Unlock()
		return nil, "", ErrUnknownKey
	}
	old.Status = models.KeyRevoked
	accountID := old.ServiceAccountID
	permissions := append([]string(nil), old.Permissions...)
	m.save()
	m.mu.Unlock()

	return m.CreateAPIKey(accountID, permissions, expiresInDays)
}

// ListAPIKeys returns keys, optionally filtered by account. Expired-
// but-still-active records are reported with status "expired" so
// listings agree with what verification would decide.
func (m *APIKeyManager) ListAPIKeys(accountID string, includeExpired bool) []*models.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	var out []*models.APIKey
	for _, key := range m.keys {
		if accountID != "" && key.ServiceAccountID != accountID {
			continue
		}
		effective := *key
		if effective.Status == models.KeyActive && !effective.ExpiresAt.IsZero() && !now.Before(effective.ExpiresAt) {
			effective.Status = models.KeyExpired
		}
		if !includeExpired && effective.Status != models.KeyActive {
			continue
		}
		out = append(out, &effective)
	}
	return out
}

// ClearExpiredKeys removes expired keys and returns how many were
// dropped.
func (m *APIKeyManager) ClearExpiredKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	for prefix, key := range m.keys {
		expired := key.Status == models.KeyExpired ||
			(!key.ExpiresAt.IsZero() && !now.Before(key.ExpiresAt))
		if expired {
			delete(m.keys, prefix)
			delete(m.usage, prefix)
			removed++
		}
	}
	if removed > 0 {
		m.save()
	}
	return removed
}

// UsageReport summarizes verification counts per key prefix.
func (m *APIKeyManager) UsageReport(accountID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]int{}
	for prefix, count := range m.usage {
		if accountID != "" {
			key, ok := m.keys[prefix]
			if !ok || key.ServiceAccountID != accountID {
				continue
			}
		}
		out[prefix] = count
	}
	return out
}

// randomToken draws n characters from the key alphabet using crypto/rand.
func randomToken(n int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b[i] = keyAlphabet[idx.Int64()]
	}
	return string(b), nil
}
