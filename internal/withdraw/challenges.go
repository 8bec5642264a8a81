package withdraw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const DefaultChallengeTTL = 10 * time.Minute

// Challenge is what a k1 was issued for. Only the payments listed here are
// forwarded when the callback succeeds.
type Challenge struct {
	Code            string   `json:"code"`
	Alias           string   `json:"alias"`
	PaymentRequests []string `json:"paymentRequests"`
	TotalSat        int64    `json:"totalSat"`
}

// ChallengeStore holds outstanding k1 challenges. Take removes the
// challenge, so a k1 can be used at most once.
type ChallengeStore interface {
	Put(ctx context.Context, k1 string, c Challenge) error
	Take(ctx context.Context, k1 string) (Challenge, bool, error)
}

func newK1() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type memoryEntry struct {
	challenge Challenge
	expires   time.Time
}

// MemoryChallenges keeps challenges in process memory. Expired entries are
// swept lazily on Put.
type MemoryChallenges struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	items     map[string]memoryEntry
	lastSweep time.Time
}

func NewMemoryChallenges(ttl time.Duration) *MemoryChallenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &MemoryChallenges{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]memoryEntry),
	}
}

func (m *MemoryChallenges) Put(_ context.Context, k1 string, c Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= m.ttl {
		for k, e := range m.items {
			if !now.Before(e.expires) {
				delete(m.items, k)
			}
		}
		m.lastSweep = now
	}
	m.items[k1] = memoryEntry{challenge: c, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryChallenges) Take(_ context.Context, k1 string) (Challenge, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[k1]
	if !ok {
		return Challenge{}, false, nil
	}
	delete(m.items, k1)
	if !m.now().Before(e.expires) {
		return Challenge{}, false, nil
	}
	return e.challenge, true, nil
}

func (m *MemoryChallenges) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
