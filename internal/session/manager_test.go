package session_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/errs"
	. "github.com/masa-finance/timeline-harvester/internal/session"
)

type fakeAuth struct {
	cookies  []*http.Cookie
	loginErr error
	logins   *[]string
}

func (f *fakeAuth) GetCookies() []*http.Cookie        { return f.cookies }
func (f *fakeAuth) SetCookies(cookies []*http.Cookie) { f.cookies = cookies }
func (f *fakeAuth) IsLoggedIn() bool                  { return len(f.cookies) > 0 }

func (f *fakeAuth) Login(credentials ...string) error {
	*f.logins = append(*f.logins, credentials[0])
	if f.loginErr != nil {
		return f.loginErr
	}
	f.cookies = []*http.Cookie{{Name: "auth_token", Value: "token-" + credentials[0]}}
	return nil
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

var _ = Describe("Manager", func() {
	var (
		dir      string
		logins   []string
		loginErr error
		ctx      context.Context
	)

	newManager := func(accounts []string, cookies []types.Cookie) *Manager {
		return NewManager(Options{
			Config:         config.SessionConfig{Accounts: accounts, DataDir: dir},
			InitialCookies: cookies,
			RateLimit:      time.Hour,
			NewAuthenticator: func() Authenticator {
				return &fakeAuth{logins: &logins, loginErr: loginErr}
			},
		})
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		logins = nil
		loginErr = nil
		ctx = context.Background()
	})

	It("browses anonymously without accounts or cookies", func() {
		m := newManager(nil, nil)
		Expect(m.LoggedIn()).To(BeFalse())

		creds, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(creds.Account).To(BeNil())
		Expect(creds.Cookies).To(BeEmpty())
	})

	It("prefers the cookies from the input", func() {
		m := newManager([]string{"alice:pw"}, []types.Cookie{
			{Name: "auth_token", Value: "abc"},
			{Name: "", Value: "dropped"},
		})
		Expect(m.LoggedIn()).To(BeTrue())

		creds, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(creds.Cookies).To(HaveLen(1))
		Expect(creds.Cookies[0].Domain).To(Equal(".twitter.com"))
		Expect(creds.Cookies[0].Path).To(Equal("/"))
		Expect(logins).To(BeEmpty())
	})

	It("logs in once and reuses the saved cookies", func() {
		m := newManager([]string{"alice:pw"}, nil)

		creds, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(creds.Account.Username).To(Equal("alice"))
		Expect(creds.Cookies[0].Value).To(Equal("token-alice"))
		Expect(filepath.Join(dir, "alice_twitter_cookies.json")).To(BeAnExistingFile())

		_, err = m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(logins).To(Equal([]string{"alice"}))
		Expect(m.States()[0].LoginStatus).To(Equal("Successful"))
	})

	It("rotates accounts and rests the rate limited ones", func() {
		m := newManager([]string{"alice:pw", "bob:pw:123456"}, nil)

		first, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		m.Release(first, statusErr(http.StatusTooManyRequests))

		second, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Account.Username).To(Equal("bob"))
		m.Release(second, statusErr(http.StatusTooManyRequests))

		_, err = m.Acquire(ctx)
		Expect(err).To(MatchError(ErrAllRateLimited))
		Expect(errs.Retryable(err)).To(BeTrue())
	})

	It("ignores errors that are not rate limits", func() {
		m := newManager([]string{"alice:pw"}, nil)
		creds, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		m.Release(creds, statusErr(http.StatusServiceUnavailable))
		m.Release(creds, errors.New("boom"))

		Expect(m.States()[0].IsRateLimited).To(BeFalse())
	})

	It("reports failed logins as retryable and moves on", func() {
		loginErr = errors.New("bad password")
		m := newManager([]string{"alice:pw"}, nil)

		_, err := m.Acquire(ctx)
		Expect(errors.Is(err, errs.ErrTransientFetch)).To(BeTrue())
		Expect(m.States()[0].LoginStatus).To(HavePrefix("Failed"))
		Expect(m.States()[0].IsRateLimited).To(BeTrue())
	})

	It("skips malformed account entries", func() {
		accounts := ParseAccounts([]string{"alice:pw", "broken", ":pw", "bob:pw:2fa", "a:b:c:d"})
		Expect(accounts).To(HaveLen(2))
		Expect(accounts[1].TwoFACode).To(Equal("2fa"))
	})

	It("fails on unreadable cookie files", func() {
		account := &Account{Username: "carol"}
		Expect(os.WriteFile(filepath.Join(dir, "carol_twitter_cookies.json"), []byte("{"), 0o600)).To(Succeed())
		Expect(LoadCookies(&fakeAuth{}, account, dir)).NotTo(Succeed())
	})
})
