package session

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Account struct {
	Username         string
	Password         string
	TwoFACode        string
	RateLimitedUntil time.Time
	LastUsed         time.Time
	LoginStatus      string
}

// AccountManager hands out accounts round robin, skipping the ones that are
// rate limited.
type AccountManager struct {
	accounts []*Account
	index    int
	mutex    sync.Mutex
}

func NewAccountManager(accounts []*Account) *AccountManager {
	return &AccountManager{accounts: accounts}
}

func (manager *AccountManager) Len() int {
	return len(manager.accounts)
}

// Next returns the next usable account, or nil when all are rate limited.
func (manager *AccountManager) Next() *Account {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	for i := 0; i < len(manager.accounts); i++ {
		account := manager.accounts[manager.index]
		manager.index = (manager.index + 1) % len(manager.accounts)
		if time.Now().After(account.RateLimitedUntil) {
			account.LastUsed = time.Now()
			return account
		}
	}
	return nil
}

func (manager *AccountManager) MarkRateLimited(account *Account, d time.Duration) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	account.RateLimitedUntil = time.Now().Add(d)
}

func (manager *AccountManager) setStatus(account *Account, status string) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	account.LoginStatus = status
}

// AccountState is the exported view of an account, without its secrets.
type AccountState struct {
	Username         string    `json:"username"`
	IsRateLimited    bool      `json:"rate_limited"`
	RateLimitedUntil time.Time `json:"rate_limited_until"`
	LastUsed         time.Time `json:"last_used"`
	LoginStatus      string    `json:"login_status"`
}

func (manager *AccountManager) States() []AccountState {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	states := make([]AccountState, len(manager.accounts))
	for i, account := range manager.accounts {
		state := AccountState{
			Username:         account.Username,
			IsRateLimited:    time.Now().Before(account.RateLimitedUntil),
			RateLimitedUntil: account.RateLimitedUntil,
			LastUsed:         account.LastUsed,
			LoginStatus:      account.LoginStatus,
		}
		if state.LastUsed.IsZero() {
			state.LoginStatus = "Not initialized"
		}
		states[i] = state
	}
	return states
}

// ParseAccounts reads "user:password[:2fa]" entries.
func ParseAccounts(pairs []string) []*Account {
	accounts := make([]*Account, 0, len(pairs))
	for _, pair := range pairs {
		credentials := strings.Split(strings.TrimSpace(pair), ":")
		if len(credentials) < 2 || len(credentials) > 3 {
			logrus.Warnf("invalid account credentials for entry %q", redact(pair))
			continue
		}
		account := &Account{
			Username: strings.TrimSpace(credentials[0]),
			Password: strings.TrimSpace(credentials[1]),
		}
		if len(credentials) == 3 {
			account.TwoFACode = strings.TrimSpace(credentials[2])
		}
		if account.Username == "" || account.Password == "" {
			logrus.Warnf("invalid account credentials for entry %q", redact(pair))
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts
}

func redact(pair string) string {
	user, _, _ := strings.Cut(pair, ":")
	return strings.TrimSpace(user) + ":***"
}
