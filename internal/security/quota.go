package security

import (
	"sync"
)

// Quota resource types.
const (
	QuotaModelTokens = "model_tokens"
	QuotaModelCalls  = "model_calls"
	QuotaAPICalls    = "api_calls"
	QuotaStorageMB   = "storage_mb"
)

// DefaultQuotas returns the stock per-user caps.
func DefaultQuotas() map[string]int64 {
	return map[string]int64{
		QuotaModelTokens: 1_000_000,
		QuotaModelCalls:  10_000,
		QuotaAPICalls:    50_000,
		QuotaStorageMB:   1024,
	}
}

// QuotaManager tracks cumulative resource usage per (user, resource).
// The contract is reserve-then-consume: CheckQuota decides whether an
// amount would fit, UseQuota adds unconditionally. Callers must check
// before using.
type QuotaManager struct {
	mu   sync.Mutex
	caps map[string]int64
	used map[string]int64 // key: user + "\x00" + resource
}

// NewQuotaManager builds a manager; nil caps uses the defaults.
func NewQuotaManager(caps map[string]int64) *QuotaManager {
	if caps == nil {
		caps = DefaultQuotas()
	}
	return &QuotaManager{caps: caps, used: map[string]int64{}}
}

func quotaKey(userID, resource string) string {
	return userID + "\x00" + resource
}

// CheckQuota reports whether amount more units fit under the cap.
// Resources without a cap always fit.
func (q *QuotaManager) CheckQuota(userID, resource string, amount int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit, ok := q.caps[resource]
	if !ok || limit <= 0 {
		return true
	}
	return q.used[quotaKey(userID, resource)]+amount <= limit
}

// UseQuota records usage unconditionally.
func (q *QuotaManager) UseQuota(userID, resource string, amount int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[quotaKey(userID, resource)] += amount
}

// Usage returns the cumulative usage for (user, resource).
func (q *QuotaManager) Usage(userID, resource string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[quotaKey(userID, resource)]
}

// SetCap installs or replaces a resource cap.
func (q *QuotaManager) SetCap(resource string, limit int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.caps[resource] = limit
}
