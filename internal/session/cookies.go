package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// CookieJar is the part of an authenticated client that holds cookies.
type CookieJar interface {
	GetCookies() []*http.Cookie
	SetCookies(cookies []*http.Cookie)
}

func cookieFile(account *Account, baseDir string) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s_twitter_cookies.json", account.Username))
}

func SaveCookies(jar CookieJar, account *Account, baseDir string) error {
	file := cookieFile(account, baseDir)
	cookies := jar.GetCookies()
	logrus.Debugf("Saving %d cookies for user %s", len(cookies), account.Username)

	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("error marshaling cookies: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("error creating cookie directory: %w", err)
	}
	if err = os.WriteFile(file, data, 0o600); err != nil {
		return fmt.Errorf("error saving cookies: %w", err)
	}
	return nil
}

func LoadCookies(jar CookieJar, account *Account, baseDir string) error {
	file := cookieFile(account, baseDir)
	logrus.Debugf("Loading cookies from file: %s", file)
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("error reading cookies file: %w", err)
	}

	var cookies []*http.Cookie
	if err = json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("error unmarshaling cookies: %w", err)
	}
	logrus.Debugf("Loaded %d cookies", len(cookies))
	jar.SetCookies(cookies)
	return nil
}

// FromInput converts cookies exported from a browser.
func FromInput(in []types.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		out = append(out, c.HTTP())
	}
	return out
}
