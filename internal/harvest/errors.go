package harvest

import (
	"fmt"

	"github.com/masa-finance/timeline-harvester/internal/errs"
)

// FetchError is a failed navigation, render or response. The job server
// retries the work item.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetching %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetching %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{errs.ErrTransientFetch}
	}
	return []error{errs.ErrTransientFetch, e.Err}
}

// StatusCode is the HTTP status of the failed response, 0 if there was none.
func (e *FetchError) StatusCode() int {
	return e.Status
}
