// Package records turns normalized payload entries into output records.
package records

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/normalize"
	"github.com/masa-finance/timeline-harvester/internal/window"
)

// UserOmitFields are profile fields stripped from the author before emission.
var UserOmitFields = []string{
	"entities",
	"profile_image_extensions_alt_text",
	"profile_image_extensions_media_availability",
	"profile_image_extensions_media_color",
	"profile_image_extensions",
	"profile_banner_extensions_alt_text",
	"profile_banner_extensions_media_availability",
	"profile_banner_extensions_media_color",
	"profile_banner_extensions",
	"profile_link_color",
	"has_extended_profile",
	"default_profile",
	"pinned_tweet_ids",
	"pinned_tweet_ids_str",
	"advertiser_account_service_levels",
	"profile_interstitial_type",
	"ext",
}

const isoLayout = "2006-01-02T15:04:05.000Z"

// FromPayload maps every tweet of the payload, in flattening order.
func FromPayload(p *normalize.Payload, includeUser bool) []types.Record {
	out := make([]types.Record, 0, len(p.Tweets))
	for _, id := range p.Order() {
		rec, ok := FromTweet(p.Tweets[id], p.Author(p.Tweets[id]), includeUser)
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

// FromTweet builds a record from raw tweet and author fields. The author may
// be nil. It returns false when the tweet has no id.
func FromTweet(tweet, author map[string]any, includeUser bool) (types.Record, bool) {
	id := str(tweet["id_str"])
	if id == "" {
		return types.Record{}, false
	}

	screenName := str(author["screen_name"])
	if screenName == "" {
		if embedded, ok := tweet["user"].(map[string]any); ok {
			screenName = str(embedded["screen_name"])
		}
	}
	if screenName == "" {
		screenName = "i"
	}

	entities, _ := tweet["entities"].(map[string]any)

	rec := types.Record{
		ID:             id,
		ConversationID: str(tweet["conversation_id_str"]),
		FullText:       str(tweet["full_text"]),
		ReplyCount:     num(tweet["reply_count"]),
		RetweetCount:   num(tweet["retweet_count"]),
		FavoriteCount:  num(tweet["favorite_count"]),
		QuoteCount:     num(tweet["quote_count"]),
		Lang:           str(tweet["lang"]),
		Hashtags:       texts(entities["hashtags"]),
		Symbols:        texts(entities["symbols"]),
		UserMentions:   mentions(entities["user_mentions"]),
		URLs:           urls(entities["urls"]),
		URL:            "https://twitter.com/" + screenName + "/status/" + id,
		CreatedAt:      ISODate(tweet["created_at"]),
	}
	if rec.FullText == "" {
		rec.FullText = str(tweet["text"])
	}

	if includeUser && author != nil {
		rec.User = CleanUser(author)
	}
	return rec, true
}

// CleanUser copies a profile without the omitted fields and with an ISO
// creation date.
func CleanUser(user map[string]any) map[string]any {
	out := make(map[string]any, len(user))
	for k, v := range user {
		out[k] = v
	}
	for _, k := range UserOmitFields {
		delete(out, k)
	}
	if v, ok := out["created_at"]; ok {
		out["created_at"] = ISODate(v)
	}
	return out
}

// ISODate formats a timestamp as ISO 8601 in UTC. Unreadable values are
// returned as their string form.
func ISODate(v any) string {
	if t, ok := window.ParseTimestamp(v); ok {
		return t.UTC().Format(isoLayout)
	}
	return str(v)
}

func texts(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			if t := str(m["text"]); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func mentions(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		mention := make(map[string]any, len(m))
		for k, val := range m {
			if k == "id" || k == "indices" {
				continue
			}
			mention[k] = val
		}
		out = append(out, mention)
	}
	return out
}

func urls(v any) []types.URLEntity {
	list, _ := v.([]any)
	out := make([]types.URLEntity, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, types.URLEntity{
			URL:         str(m["url"]),
			ExpandedURL: str(m["expanded_url"]),
			DisplayURL:  str(m["display_url"]),
		})
	}
	return out
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case time.Time:
		return s.UTC().Format(isoLayout)
	}
	return ""
}

func num(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		if !math.IsNaN(n) && !math.IsInf(n, 0) {
			return int64(n)
		}
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}
