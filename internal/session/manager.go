// Package session provides the authenticated state a driver browses with:
// cookies given in the run input, or cookies of a rotated account logged in
// through the scraper client and cached on disk.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	twitterscraper "github.com/imperatrona/twitter-scraper"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/errs"
)

// ErrAllRateLimited is returned when no account can be used right now.
var ErrAllRateLimited = fmt.Errorf("%w: all accounts are rate-limited", errs.ErrTransientFetch)

const defaultRateLimit = 15 * time.Minute

// Authenticator logs in and keeps the resulting cookies.
type Authenticator interface {
	CookieJar
	Login(credentials ...string) error
	IsLoggedIn() bool
}

type Options struct {
	Config         config.SessionConfig
	InitialCookies []types.Cookie
	// RateLimit is how long an account rests after being rate limited.
	RateLimit        time.Duration
	NewAuthenticator func() Authenticator
}

// Credentials is what one work item browses with. Account is nil for
// anonymous sessions and for cookies given in the input.
type Credentials struct {
	Account *Account
	Cookies []*http.Cookie
}

type Manager struct {
	opts     Options
	accounts *AccountManager
	initial  []*http.Cookie
}

func NewManager(opts Options) *Manager {
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.NewAuthenticator == nil {
		skip := opts.Config.SkipLoginVerification
		opts.NewAuthenticator = func() Authenticator {
			s := twitterscraper.New()
			s.SetSkipLoginVerification(skip)
			return s
		}
	}
	m := &Manager{
		opts:     opts,
		accounts: NewAccountManager(ParseAccounts(opts.Config.Accounts)),
		initial:  FromInput(opts.InitialCookies),
	}
	if len(m.initial) > 0 {
		logrus.Infof("Using %d cookies from the input", len(m.initial))
	} else if m.accounts.Len() > 0 {
		logrus.Infof("Rotating between %d accounts", m.accounts.Len())
	}
	return m
}

// LoggedIn reports whether sessions carry a login. Logged in sessions share
// one identity, so the harvester runs them one at a time.
func (m *Manager) LoggedIn() bool {
	return len(m.initial) > 0 || m.accounts.Len() > 0
}

// Acquire returns the credentials for the next work item.
func (m *Manager) Acquire(ctx context.Context) (*Credentials, error) {
	if len(m.initial) > 0 {
		cookies := make([]*http.Cookie, len(m.initial))
		copy(cookies, m.initial)
		return &Credentials{Cookies: cookies}, nil
	}
	if m.accounts.Len() == 0 {
		return &Credentials{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	account := m.accounts.Next()
	if account == nil {
		return nil, ErrAllRateLimited
	}

	auth := m.opts.NewAuthenticator()
	if err := LoadCookies(auth, account, m.opts.Config.DataDir); err == nil && auth.IsLoggedIn() {
		logrus.Debugf("Already logged in as %s.", account.Username)
		m.accounts.setStatus(account, "Successful")
		return &Credentials{Account: account, Cookies: auth.GetCookies()}, nil
	}

	credentials := []string{account.Username, account.Password}
	if account.TwoFACode != "" {
		credentials = append(credentials, account.TwoFACode)
	}
	if err := auth.Login(credentials...); err != nil {
		m.accounts.setStatus(account, "Failed - "+err.Error())
		m.accounts.MarkRateLimited(account, m.opts.RateLimit)
		return nil, fmt.Errorf("%w: login failed for %s: %v", errs.ErrTransientFetch, account.Username, err)
	}
	m.accounts.setStatus(account, "Successful")

	if err := SaveCookies(auth, account, m.opts.Config.DataDir); err != nil {
		logrus.WithError(err).Errorf("Failed to save cookies for %s", account.Username)
	}
	logrus.Debugf("Login successful for %s", account.Username)
	return &Credentials{Account: account, Cookies: auth.GetCookies()}, nil
}

// Release hands the credentials back. A rate limit error rests the account.
func (m *Manager) Release(c *Credentials, err error) {
	if c == nil || c.Account == nil || err == nil {
		return
	}
	if IsRateLimit(err) {
		m.accounts.MarkRateLimited(c.Account, m.opts.RateLimit)
		logrus.Warnf("rate limited: %s", c.Account.Username)
	}
}

func (m *Manager) States() []AccountState {
	return m.accounts.States()
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsRateLimit reports whether err is a 429 response.
func IsRateLimit(err error) bool {
	var sc StatusCoder
	return errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests
}
