package client

import (
	"fmt"
	"time"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// ItemResult polls a work item until it settles.
type ItemResult struct {
	ID         string
	maxRetries int
	delay      time.Duration
	client     *Client
}

func (r *ItemResult) SetMaxRetries(maxRetries int) {
	r.maxRetries = maxRetries
}

func (r *ItemResult) SetDelay(delay time.Duration) {
	r.delay = delay
}

// Get returns the status once the item is done or failed. A failed item is
// returned together with its error.
func (r *ItemResult) Get() (*types.ItemStatus, error) {
	if r.maxRetries <= 0 {
		r.maxRetries = 1
	}
	var lastErr error
	for retries := 0; retries < r.maxRetries; retries++ {
		if retries > 0 {
			time.Sleep(r.delay)
		}

		status, err := r.client.GetItemStatus(r.ID)
		if err != nil {
			lastErr = err
			continue
		}
		switch status.State {
		case types.ItemDone:
			return status, nil
		case types.ItemFailed:
			return status, fmt.Errorf("work item %s failed: %s", r.ID, status.Error)
		}
		lastErr = fmt.Errorf("work item %s is %s", r.ID, status.State)
	}
	return nil, fmt.Errorf("max retries reached: %w", lastErr)
}
