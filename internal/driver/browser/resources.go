package browser

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/exp/slices"
)

var defaultBlockedHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"ads-twitter.com",
	"analytics.twitter.com",
	"scribe.twitter.com",
}

var blockedTypes = []proto.NetworkResourceType{
	proto.NetworkResourceTypeImage,
	proto.NetworkResourceTypeMedia,
	proto.NetworkResourceTypeFont,
}

// shouldBlock reports whether a request is dead weight for harvesting.
func shouldBlock(u *url.URL, resType proto.NetworkResourceType, hosts []string) bool {
	if slices.Contains(blockedTypes, resType) {
		return true
	}
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// applyResourceBlocking fails the requests shouldBlock selects. The returned
// router must be stopped when the page closes.
func applyResourceBlocking(page *rod.Page, hosts []string) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		if shouldBlock(ctx.Request.URL(), ctx.Request.Type(), hosts) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// cookieParams converts cookies for the DevTools protocol.
func cookieParams(cookies []*http.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = ".twitter.com"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, p)
	}
	return params
}

var failedLoad = regexp.MustCompile(`(?i)something went wrong|try reloading|this page is down|rate limit exceeded`)

// failedToLoad reports whether the visible page text is an error screen.
func failedToLoad(text string) bool {
	return failedLoad.MatchString(text)
}
