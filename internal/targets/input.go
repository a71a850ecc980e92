package targets

import (
	"github.com/masa-finance/timeline-harvester/api/types"
)

// Seed is one entry of the run input with the label it was listed under.
type Seed struct {
	Label types.Label
	Value string
}

// Seeds flattens the seed lists of the run input. Start urls keep their
// optional label, every other list implies one.
func Seeds(in types.Input) []Seed {
	var seeds []Seed
	for _, u := range in.StartURLs {
		seeds = append(seeds, Seed{Label: u.Label, Value: u.URL})
	}
	lists := []struct {
		label  types.Label
		values []string
	}{
		{types.LabelHandle, in.Handle},
		{types.LabelSearch, in.SearchTerms},
		{types.LabelStatus, in.ConversationIDs},
		{types.LabelEvent, in.Events},
		{types.LabelTopic, in.Topics},
	}
	for _, l := range lists {
		for _, v := range l.values {
			seeds = append(seeds, Seed{Label: l.label, Value: v})
		}
	}
	return seeds
}

// OptionsFromInput derives the classifier options of a run.
func OptionsFromInput(in types.Input) Options {
	return Options{
		Replies:    in.Replies(),
		SearchMode: in.SearchMode,
		Country:    in.Country,
		Language:   in.Language,
	}
}

// ClassifyInput classifies every seed of the run input. Invalid seeds are
// returned as errors next to the items of the valid ones.
func (c *Classifier) ClassifyInput(in types.Input) ([]types.WorkItem, []error) {
	var (
		items []types.WorkItem
		errs  []error
	)
	for _, s := range Seeds(in) {
		classified, err := c.ClassifyAs(s.Label, s.Value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, classified...)
	}
	return items, errs
}
