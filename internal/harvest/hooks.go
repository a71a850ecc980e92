package harvest

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/pipeline"
)

// Hook phases.
const (
	PhaseBeforeNavigation = "beforeNavigation"
	PhaseResponse         = "response"
	PhaseAfterWorkItem    = "afterWorkItem"
)

// HookEvent is what a hook script sees as item.
type HookEvent struct {
	Phase string
	Item  types.WorkItem
	Data  map[string]any
}

func (e HookEvent) expose() any {
	return map[string]any{
		"phase":    e.Phase,
		"id":       e.Item.ID,
		"url":      e.Item.URL,
		"label":    string(e.Item.Label),
		"userData": e.Item.Map()["userData"],
		"data":     e.Data,
	}
}

// Hooks runs the user's scraper extension at fixed points of a session. Its
// results are discarded; scripts act through helpers such as addSearch.
type Hooks struct {
	p          *pipeline.Pipeline[HookEvent, HookEvent]
	customData map[string]any
}

// NewHooks compiles the hook script. An empty script makes Fire a no-op.
func NewHooks(script string, helpers map[string]any, customData map[string]any) (*Hooks, error) {
	if script == "" {
		return &Hooks{}, nil
	}
	p, err := pipeline.New(pipeline.Config[HookEvent, HookEvent]{
		Script:     script,
		ScriptName: "extendScraperFunction",
		Helpers:    helpers,
		ExposeItem: HookEvent.expose,
		Output: func(context.Context, HookEvent, any) error {
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Hooks{p: p, customData: customData}, nil
}

func (h *Hooks) Fire(ctx context.Context, ev HookEvent) {
	if h == nil || h.p == nil {
		return
	}
	res, err := h.p.Run(ctx, ev, map[string]any{
		"customData": h.customData,
		"phase":      ev.Phase,
	})
	if err != nil {
		logrus.WithError(err).Warnf("Hook %s failed for %s", ev.Phase, ev.Item.URL)
		return
	}
	if res.ScriptErrors > 0 {
		logrus.Debugf("Hook %s raised %d errors for %s", ev.Phase, res.ScriptErrors, ev.Item.URL)
	}
}
