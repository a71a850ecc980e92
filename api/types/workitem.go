package types

import "encoding/json"

// Label tags a WorkItem with the kind of target it points to. The value is
// what gets persisted and sent to hook scripts.
type Label string

const (
	LabelHandle Label = "HANDLE"
	LabelSearch Label = "SEARCH"
	LabelStatus Label = "STATUS"
	LabelEvent  Label = "EVENTS"
	LabelTopic  Label = "TOPIC"
)

// Labels lists every supported label, in classification priority order.
var Labels = []Label{LabelSearch, LabelStatus, LabelEvent, LabelTopic, LabelHandle}

func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// WorkItemMetadata carries the kind-specific pieces a canonical URL was
// built from. Only the fields relevant to the item's label are set.
type WorkItemMetadata struct {
	Handle   string `json:"handle,omitempty"`
	Replies  bool   `json:"replies,omitempty"`
	Query    string `json:"query,omitempty"`
	Mode     string `json:"mode,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
	Geocode  string `json:"geocode,omitempty"`
}

// WorkItem is one canonicalized unit of crawl work. Everything except
// RetryCount is fixed at creation; RetryCount belongs to the job server.
type WorkItem struct {
	ID         string           `json:"id"`
	Label      Label            `json:"label"`
	URL        string           `json:"url"`
	UserData   WorkItemMetadata `json:"userData"`
	RetryCount int              `json:"retryCount"`
}

// Map is the representation of the work item handed to user scripts.
func (w WorkItem) Map() map[string]any {
	out := map[string]any{}
	dat, err := json.Marshal(w)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(dat, &out)
	return out
}
