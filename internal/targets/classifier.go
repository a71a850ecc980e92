// Package targets turns user supplied seeds (urls, handles, search text, ids)
// into canonical work items.
package targets

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/errs"
)

const baseURL = "https://twitter.com"

var (
	handlePattern  = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
	numericPattern = regexp.MustCompile(`^\d+$`)
	hostPattern    = regexp.MustCompile(`^((mobile|www)\.)?(twitter|x)\.com$`)
	statusPath     = regexp.MustCompile(`^/(?:([A-Za-z0-9_]{1,15})|i|i/web)/status/(\d+)/?`)
	eventPath      = regexp.MustCompile(`^/i/events/(\d+)/?$`)
	topicPath      = regexp.MustCompile(`^/i/topics/(\d+)/?$`)
	hashtagPath    = regexp.MustCompile(`^/hashtag/([^/]+)/?$`)
	handlePath     = regexp.MustCompile(`^/([^/]+)(/with_replies)?/?$`)
	hasWordChar    = regexp.MustCompile(`[\p{L}\p{N}]`)
)

// Top level paths that look like handles but are app routes.
var reservedPaths = []string{
	"i", "home", "explore", "search", "hashtag", "notifications", "messages",
	"settings", "login", "logout", "signup", "tos", "privacy", "compose",
}

// searchModeFilters maps search modes to the "f" url parameter. Top results
// carry no filter.
var searchModeFilters = map[string]string{
	types.SearchModeTop:    "",
	types.SearchModeLatest: "live",
	types.SearchModePeople: "user",
	types.SearchModePhoto:  "image",
	types.SearchModeVideo:  "video",
}

// InvalidTargetError is returned for seeds that match no supported shape.
type InvalidTargetError struct {
	Seed   string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Seed, e.Reason)
}

func (e *InvalidTargetError) Unwrap() error {
	return errs.ErrValidation
}

type Options struct {
	// Replies makes handle targets point at the with_replies timeline.
	Replies bool
	// SearchMode is one of the types.SearchMode* values; empty means top.
	SearchMode string
	// Country is an ISO 3166 alpha-2 code used to geo-scope searches.
	Country string
	// Language overrides the languages derived from Country.
	Language string
	// DisableLanguageFanOut keeps a geo-scoped search as one work item
	// instead of one per official language of the country.
	DisableLanguageFanOut bool
	// Countries replaces the embedded country table.
	Countries *CountryTable
}

type Classifier struct {
	opts      Options
	countries *CountryTable
	country   *Country
}

func New(opts Options) (*Classifier, error) {
	if opts.SearchMode == "" {
		opts.SearchMode = types.SearchModeTop
	}
	opts.SearchMode = strings.ToLower(opts.SearchMode)
	if _, ok := searchModeFilters[opts.SearchMode]; !ok {
		return nil, &InvalidTargetError{Seed: opts.SearchMode, Reason: "unknown search mode"}
	}

	c := &Classifier{opts: opts, countries: opts.Countries}
	if c.countries == nil {
		c.countries = DefaultCountries()
	}

	if opts.Country != "" {
		country, ok := c.countries.Lookup(opts.Country)
		if !ok {
			return nil, &InvalidTargetError{Seed: opts.Country, Reason: "unknown country code"}
		}
		c.country = &country
	}

	return c, nil
}

// Classify detects the kind of seed from its shape. Geo-scoped searches may
// produce several work items, one per supported language.
func (c *Classifier) Classify(seed string) ([]types.WorkItem, error) {
	s := strings.TrimSpace(seed)
	if s == "" {
		return nil, &InvalidTargetError{Seed: seed, Reason: "empty seed"}
	}

	if looksLikeURL(s) {
		return c.classifyURL(s)
	}

	switch {
	case strings.HasPrefix(s, "@"):
		return c.handle(s, strings.TrimPrefix(s, "@"), c.opts.Replies)
	case strings.HasPrefix(s, "#"):
		if !hasWordChar.MatchString(s) {
			return nil, &InvalidTargetError{Seed: seed, Reason: "empty hashtag"}
		}
		return c.search(s, c.opts.SearchMode)
	case numericPattern.MatchString(s):
		return c.single(types.LabelStatus, statusURL(s), types.WorkItemMetadata{TargetID: s}), nil
	case handlePattern.MatchString(s):
		return c.handle(s, s, c.opts.Replies)
	case hasWordChar.MatchString(s):
		return c.search(s, c.opts.SearchMode)
	}

	return nil, &InvalidTargetError{Seed: seed, Reason: "unrecognized seed"}
}

// ClassifyAs builds a work item of the given kind. Url seeds are still parsed
// so that a hint never disagrees with the url itself.
func (c *Classifier) ClassifyAs(label types.Label, seed string) ([]types.WorkItem, error) {
	s := strings.TrimSpace(seed)
	if s == "" {
		return nil, &InvalidTargetError{Seed: seed, Reason: "empty seed"}
	}
	if label == "" {
		return c.Classify(s)
	}

	if looksLikeURL(s) {
		items, err := c.classifyURL(s)
		if err != nil {
			return nil, err
		}
		if items[0].Label != label {
			return nil, &InvalidTargetError{Seed: seed, Reason: fmt.Sprintf("url is a %s target, not %s", items[0].Label, label)}
		}
		return items, nil
	}

	switch label {
	case types.LabelHandle:
		return c.handle(s, strings.TrimPrefix(s, "@"), c.opts.Replies)
	case types.LabelSearch:
		return c.search(s, c.opts.SearchMode)
	case types.LabelStatus:
		return c.numeric(types.LabelStatus, s, statusURL)
	case types.LabelEvent:
		return c.numeric(types.LabelEvent, s, eventURL)
	case types.LabelTopic:
		return c.numeric(types.LabelTopic, s, topicURL)
	}

	return nil, &InvalidTargetError{Seed: seed, Reason: fmt.Sprintf("unknown label %q", label)}
}

func (c *Classifier) classifyURL(raw string) ([]types.WorkItem, error) {
	full := raw
	if !strings.Contains(full, "://") {
		full = "https://" + full
	}
	u, err := url.Parse(full)
	if err != nil {
		return nil, &InvalidTargetError{Seed: raw, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidTargetError{Seed: raw, Reason: "unsupported scheme"}
	}
	if !hostPattern.MatchString(strings.ToLower(u.Hostname())) {
		return nil, &InvalidTargetError{Seed: raw, Reason: "unsupported host"}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	if path == "/search" || path == "/search/" {
		q := strings.TrimSpace(u.Query().Get("q"))
		if q == "" {
			return nil, &InvalidTargetError{Seed: raw, Reason: "search url without query"}
		}
		return c.search(q, modeFromFilter(u.Query().Get("f"), c.opts.SearchMode))
	}
	if m := hashtagPath.FindStringSubmatch(path); m != nil {
		tag, err := url.PathUnescape(m[1])
		if err != nil || tag == "" {
			return nil, &InvalidTargetError{Seed: raw, Reason: "invalid hashtag"}
		}
		return c.search("#"+tag, c.opts.SearchMode)
	}
	if m := statusPath.FindStringSubmatch(path); m != nil {
		return c.single(types.LabelStatus, statusURL(m[2]), types.WorkItemMetadata{Handle: m[1], TargetID: m[2]}), nil
	}
	if m := eventPath.FindStringSubmatch(path); m != nil {
		return c.single(types.LabelEvent, eventURL(m[1]), types.WorkItemMetadata{TargetID: m[1]}), nil
	}
	if m := topicPath.FindStringSubmatch(path); m != nil {
		return c.single(types.LabelTopic, topicURL(m[1]), types.WorkItemMetadata{TargetID: m[1]}), nil
	}
	if m := handlePath.FindStringSubmatch(path); m != nil {
		if slices.Contains(reservedPaths, strings.ToLower(m[1])) {
			return nil, &InvalidTargetError{Seed: raw, Reason: "not a profile path"}
		}
		return c.handle(raw, m[1], c.opts.Replies || m[2] != "")
	}

	return nil, &InvalidTargetError{Seed: raw, Reason: "unrecognized url path"}
}

func (c *Classifier) handle(seed, handle string, replies bool) ([]types.WorkItem, error) {
	if !handlePattern.MatchString(handle) {
		return nil, &InvalidTargetError{Seed: seed, Reason: "handle must match [A-Za-z0-9_]{1,15}"}
	}
	// Handles are case-insensitive. The url is the identity, the metadata
	// keeps the spelling of the seed.
	u := baseURL + "/" + strings.ToLower(handle)
	if replies {
		u += "/with_replies"
	}
	return c.single(types.LabelHandle, u, types.WorkItemMetadata{Handle: handle, Replies: replies}), nil
}

func (c *Classifier) numeric(label types.Label, seed string, build func(string) string) ([]types.WorkItem, error) {
	if !numericPattern.MatchString(seed) {
		return nil, &InvalidTargetError{Seed: seed, Reason: fmt.Sprintf("%s target needs a numeric id", label)}
	}
	return c.single(label, build(seed), types.WorkItemMetadata{TargetID: seed}), nil
}

func (c *Classifier) search(query, mode string) ([]types.WorkItem, error) {
	if c.country == nil {
		meta := types.WorkItemMetadata{Query: query, Mode: mode}
		return c.single(types.LabelSearch, searchURL(query, mode), meta), nil
	}

	geocode := c.country.Geocode()
	base := query
	if geocode != "" {
		base = query + " geocode:" + geocode
	}

	languages := c.languages()
	if len(languages) == 0 {
		meta := types.WorkItemMetadata{Query: base, Mode: mode, Country: c.country.CCA2, Geocode: geocode}
		return c.single(types.LabelSearch, searchURL(base, mode), meta), nil
	}

	items := make([]types.WorkItem, 0, len(languages))
	seen := map[string]bool{}
	for _, lang := range languages {
		q := base + " lang:" + lang
		u := searchURL(q, mode)
		if seen[u] {
			continue
		}
		seen[u] = true
		items = append(items, newWorkItem(types.LabelSearch, u, types.WorkItemMetadata{
			Query:    q,
			Mode:     mode,
			Country:  c.country.CCA2,
			Language: lang,
			Geocode:  geocode,
		}))
	}
	if len(items) > 1 {
		logrus.Debugf("Search %q fans out into %d languages for country %s", query, len(items), c.country.CCA2)
	}
	return items, nil
}

func (c *Classifier) languages() []string {
	if c.opts.Language != "" {
		lang := strings.ToLower(c.opts.Language)
		if code, ok := SupportedLanguages[lang]; ok {
			lang = code
		}
		return []string{lang}
	}
	langs := c.country.SearchLanguages()
	if c.opts.DisableLanguageFanOut && len(langs) > 1 {
		return nil
	}
	return langs
}

func (c *Classifier) single(label types.Label, u string, meta types.WorkItemMetadata) []types.WorkItem {
	return []types.WorkItem{newWorkItem(label, u, meta)}
}

// ItemID derives a stable work item id from its canonical url, so the same
// target keeps its ledger counters across restarts.
func ItemID(canonicalURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(canonicalURL)).String()
}

func newWorkItem(label types.Label, u string, meta types.WorkItemMetadata) types.WorkItem {
	return types.WorkItem{
		ID:       ItemID(u),
		Label:    label,
		URL:      u,
		UserData: meta,
	}
}

func looksLikeURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "://") || strings.HasPrefix(lower, "www.") ||
		strings.HasPrefix(lower, "twitter.com/") || strings.HasPrefix(lower, "x.com/")
}

func modeFromFilter(f, def string) string {
	for mode, filter := range searchModeFilters {
		if filter != "" && filter == f {
			return mode
		}
	}
	return def
}

func searchURL(query, mode string) string {
	u := baseURL + "/search?q=" + strings.ReplaceAll(url.QueryEscape(query), "+", "%20") + "&src=typed_query"
	if f := searchModeFilters[mode]; f != "" {
		u += "&f=" + f
	}
	return u
}

func statusURL(id string) string {
	return baseURL + "/i/status/" + id
}

func eventURL(id string) string {
	return baseURL + "/i/events/" + id
}

func topicURL(id string) string {
	return baseURL + "/i/topics/" + id
}
