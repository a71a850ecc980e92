// Package normalize flattens the timeline response shapes served by the
// backend into one {tweets, users} payload.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/masa-finance/timeline-harvester/internal/errs"
)

// Payload is the canonical form of one timeline response. Tweets follow
// last-write-wins, users first-seen-wins.
type Payload struct {
	Tweets map[string]map[string]any `json:"tweets"`
	Users  map[string]map[string]any `json:"users"`

	// Terminated is set when the response carried an end-of-timeline marker.
	Terminated bool `json:"-"`
	// Cursor is the bottom pagination cursor, if the response had one.
	Cursor string `json:"-"`
	// Errors lists the fragments that were skipped.
	Errors []error `json:"-"`

	order []string
}

func NewPayload() *Payload {
	return &Payload{
		Tweets: map[string]map[string]any{},
		Users:  map[string]map[string]any{},
	}
}

// Order returns tweet ids in the order they were flattened.
func (p *Payload) Order() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Payload) Empty() bool {
	return len(p.Tweets) == 0
}

// AuthorID resolves the author id of a tweet from either the flat
// user_id_str field or an embedded user object.
func AuthorID(tweet map[string]any) string {
	if id, ok := tweet["user_id_str"].(string); ok && id != "" {
		return id
	}
	if user, ok := tweet["user"].(map[string]any); ok {
		if id, ok := user["id_str"].(string); ok {
			return id
		}
	}
	return ""
}

// Author returns the profile of a tweet's author, if the payload has it.
func (p *Payload) Author(tweet map[string]any) map[string]any {
	id := AuthorID(tweet)
	if id == "" {
		return nil
	}
	return p.Users[id]
}

func (p *Payload) putTweet(id string, tweet map[string]any) {
	if _, exists := p.Tweets[id]; !exists {
		p.order = append(p.order, id)
	}
	p.Tweets[id] = tweet
}

func (p *Payload) putUser(id string, user map[string]any) {
	existing, exists := p.Users[id]
	if exists && !(incompleteUser(existing) && !incompleteUser(user)) {
		return
	}
	p.Users[id] = user
}

func incompleteUser(user map[string]any) bool {
	name, _ := user["screen_name"].(string)
	return name == ""
}

func (p *Payload) skip(path, reason string) {
	p.Errors = append(p.Errors, &FragmentError{Path: path, Reason: reason})
}

// sortedLegacyOrder orders ids newest first. Snowflake ids grow with time,
// so longer ids sort after shorter ones before the lexical comparison.
func sortedLegacyOrder(ids []string) []string {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] > ids[j]
	})
	return ids
}

// FragmentError describes a part of a response that could not be read.
type FragmentError struct {
	Path   string
	Reason string
}

func (e *FragmentError) Error() string {
	return fmt.Sprintf("skipped fragment %s: %s", e.Path, e.Reason)
}

func (e *FragmentError) Unwrap() error {
	return errs.ErrNormalization
}

var timelinePaths = []string{
	"/search/adaptive",
	"/timeline/",
	"/live_event/",
	"/graphql/",
}

// IsTimelineURL reports whether a response url can carry timeline data.
func IsTimelineURL(u string) bool {
	for _, p := range timelinePaths {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}
