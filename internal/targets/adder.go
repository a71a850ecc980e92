package targets

import (
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// Enqueuer accepts work items and reports the ids that were not already queued.
type Enqueuer interface {
	Enqueue(items ...types.WorkItem) ([]string, error)
}

// Adder classifies seeds of a known kind and queues the result. Hook scripts
// reach it through the add* helpers.
type Adder struct {
	classifier *Classifier
	queue      Enqueuer
}

func NewAdder(classifier *Classifier, queue Enqueuer) *Adder {
	return &Adder{classifier: classifier, queue: queue}
}

func (a *Adder) Add(label types.Label, seed string) (int, error) {
	items, err := a.classifier.ClassifyAs(label, seed)
	if err != nil {
		return 0, err
	}
	added, err := a.queue.Enqueue(items...)
	return len(added), err
}

func (a *Adder) AddProfile(handle string) int { return a.add(types.LabelHandle, handle) }
func (a *Adder) AddSearch(query string) int  { return a.add(types.LabelSearch, query) }
func (a *Adder) AddThread(id string) int     { return a.add(types.LabelStatus, id) }
func (a *Adder) AddEvent(id string) int      { return a.add(types.LabelEvent, id) }
func (a *Adder) AddTopic(id string) int      { return a.add(types.LabelTopic, id) }

func (a *Adder) add(label types.Label, seed string) int {
	n, err := a.Add(label, seed)
	if err != nil {
		logrus.WithError(err).Warnf("Could not add %s target %q", label, seed)
	}
	return n
}

// Helpers exposes the adder to user scripts.
func (a *Adder) Helpers() map[string]any {
	return map[string]any{
		"addProfile": a.AddProfile,
		"addSearch":  a.AddSearch,
		"addThread":  a.AddThread,
		"addEvent":   a.AddEvent,
		"addTopic":   a.AddTopic,
	}
}
