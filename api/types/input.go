package types

import (
	"net/http"
	"time"
)

const (
	TweetModeOwn     = "own"
	TweetModeReplies = "replies"
)

const (
	SearchModeTop    = "top"
	SearchModeLatest = "latest"
	SearchModePeople = "people"
	SearchModePhoto  = "photo"
	SearchModeVideo  = "video"
)

const DefaultTweetsDesired = 100

// StartURL is a seed with an optional kind hint. Without a label the seed is
// classified by shape.
type StartURL struct {
	URL   string `json:"url"`
	Label Label  `json:"label,omitempty"`
}

// Cookie is a browser cookie as exported by common cookie editor extensions.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expirationDate,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if hc.Domain == "" {
		hc.Domain = ".twitter.com"
	}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	return hc
}

// Input is the run configuration, usually loaded from INPUT.json(5).
type Input struct {
	TweetsDesired   int        `json:"tweetsDesired"`
	Mode            string     `json:"mode"`
	AddUserInfo     *bool      `json:"addUserInfo"`
	StartURLs       []StartURL `json:"startUrls"`
	Handle          []string   `json:"handle"`
	SearchTerms     []string   `json:"searchTerms"`
	ConversationIDs []string   `json:"conversationIds"`
	Events          []string   `json:"events"`
	Topics          []string   `json:"topics"`
	SearchMode      string     `json:"searchMode"`
	Country         string     `json:"country"`
	Language        string     `json:"language"`
	FromDate        string     `json:"fromDate"`
	ToDate          string     `json:"toDate"`

	ExtendOutputFunction  string         `json:"extendOutputFunction"`
	ExtendScraperFunction string         `json:"extendScraperFunction"`
	CustomData            map[string]any `json:"customData"`

	InitialCookies []Cookie `json:"initialCookies"`
}

// Normalize fills in the defaults the rest of the pipeline relies on.
func (in *Input) Normalize() {
	if in.TweetsDesired <= 0 {
		in.TweetsDesired = DefaultTweetsDesired
	}
	if in.Mode == "" {
		in.Mode = TweetModeReplies
	}
	if in.AddUserInfo == nil {
		t := true
		in.AddUserInfo = &t
	}
	if in.SearchMode == "" {
		in.SearchMode = SearchModeTop
	}
	if in.CustomData == nil {
		in.CustomData = map[string]any{}
	}
}

func (in Input) IncludeUser() bool {
	return in.AddUserInfo == nil || *in.AddUserInfo
}

func (in Input) Replies() bool {
	return in.Mode != TweetModeOwn
}

func (in Input) LoggingIn() bool {
	return len(in.InitialCookies) > 0
}
