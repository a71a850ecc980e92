package types

import "time"

type ItemState string

const (
	ItemQueued  ItemState = "queued"
	ItemRunning ItemState = "running"
	ItemDone    ItemState = "done"
	ItemFailed  ItemState = "failed"
)

// ItemStatus is what the job server remembers about a work item.
type ItemStatus struct {
	Item      WorkItem  `json:"item"`
	State     ItemState `json:"state"`
	Count     int       `json:"count"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TargetsRequest struct {
	Seeds []string `json:"seeds"`
	Label Label    `json:"label,omitempty"`
}

type TargetsResponse struct {
	Items []WorkItem `json:"items"`
	Added []string   `json:"added"`
}

type CheckpointResponse struct {
	Status string `json:"status"`
}

type APIError struct {
	Error string `json:"error"`
}
