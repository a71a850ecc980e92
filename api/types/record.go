package types

import "encoding/json"

// URLEntity is the trimmed form of a url entity attached to a tweet.
type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url,omitempty"`
	DisplayURL  string `json:"display_url,omitempty"`
}

// Record is a fully normalized tweet ready to be pushed to the dataset.
type Record struct {
	User           map[string]any   `json:"user,omitempty"`
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	FullText       string           `json:"full_text"`
	ReplyCount     int64            `json:"reply_count"`
	RetweetCount   int64            `json:"retweet_count"`
	FavoriteCount  int64            `json:"favorite_count"`
	QuoteCount     int64            `json:"quote_count"`
	Lang           string           `json:"lang,omitempty"`
	Hashtags       []string         `json:"hashtags"`
	Symbols        []string         `json:"symbols"`
	UserMentions   []map[string]any `json:"user_mentions"`
	URLs           []URLEntity      `json:"urls"`
	URL            string           `json:"url"`
	CreatedAt      string           `json:"created_at"`
}

// Map converts the record into a generic map, the shape user scripts see.
func (r Record) Map() map[string]any {
	out := map[string]any{}
	dat, err := json.Marshal(r)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(dat, &out)
	return out
}
