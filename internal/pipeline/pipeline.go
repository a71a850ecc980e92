// Package pipeline runs raw inputs through map, filter, a sandboxed user
// expression and an output stage. The expression is compiled once and only
// sees the bindings injected into its environment.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/internal/errs"
)

var (
	// ErrStop can be returned by an output function to end the run early.
	ErrStop = errors.New("pipeline stopped")
	// ErrSkip tells the pipeline a value was not emitted.
	ErrSkip = errors.New("value skipped")
)

// CompileError is returned by New for user code that does not compile.
type CompileError struct {
	Name string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %v", e.Name, e.Err)
}

func (e *CompileError) Unwrap() []error {
	return []error{errs.ErrUserScriptCompile, e.Err}
}

// Config describes one use site. Only Output is required.
type Config[R, I any] struct {
	// Map expands a raw input into intermediate items. Nil wraps the raw
	// input itself when R and I are the same type.
	Map func(raw R) ([]I, error)
	// Filter drops items before the script runs. Nil accepts everything.
	Filter func(raw R, item I) bool
	// Output receives each non-nil script result.
	Output func(ctx context.Context, item I, value any) error

	// Script is the user expression. Empty passes the exposed item through.
	Script     string
	ScriptName string

	// Expose converts values into what the script sees as item and data.
	ExposeItem func(I) any
	ExposeRaw  func(R) any

	// Helpers are bound for every run next to the fixed helpers.
	Helpers map[string]any
}

// Result counts what happened during one Run.
type Result struct {
	Mapped       int
	Filtered     int
	Emitted      int
	Skipped      int
	ScriptErrors int
}

type Pipeline[R, I any] struct {
	cfg     Config[R, I]
	program *vm.Program
	base    map[string]any
}

// New compiles the script so that a bad expression fails at startup.
func New[R, I any](cfg Config[R, I]) (*Pipeline[R, I], error) {
	if cfg.Output == nil {
		return nil, errors.New("pipeline output is required")
	}
	if cfg.Map == nil {
		cfg.Map = func(raw R) ([]I, error) {
			item, ok := any(raw).(I)
			if !ok {
				return nil, fmt.Errorf("pipeline has no map and %T is not an item", raw)
			}
			return []I{item}, nil
		}
	}
	if cfg.ScriptName == "" {
		cfg.ScriptName = "script"
	}

	p := &Pipeline[R, I]{cfg: cfg, base: map[string]any{}}
	for k, v := range DefaultHelpers() {
		p.base[k] = v
	}
	for k, v := range cfg.Helpers {
		p.base[k] = v
	}

	if cfg.Script == "" {
		return p, nil
	}

	// item, data and the run vars are only known at run time, so they stay
	// undeclared and are typed dynamically.
	program, err := expr.Compile(cfg.Script, expr.Env(p.base), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &CompileError{Name: cfg.ScriptName, Err: err}
	}
	p.program = program
	return p, nil
}

// Run processes one raw input. Items are handled in the order Map returns
// them; once ctx is done no new item is started. Script runtime errors skip
// the item and are counted.
func (p *Pipeline[R, I]) Run(ctx context.Context, raw R, vars map[string]any) (Result, error) {
	var res Result

	items, err := p.cfg.Map(raw)
	if err != nil {
		return res, err
	}
	res.Mapped = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			return res, nil
		}
		if p.cfg.Filter != nil && !p.cfg.Filter(raw, item) {
			res.Filtered++
			continue
		}

		value, err := p.eval(raw, item, vars)
		if err != nil {
			res.ScriptErrors++
			logrus.WithError(err).Warnf("%s failed for one item, skipping it", p.cfg.ScriptName)
			continue
		}

		for _, v := range flatten(value) {
			if err := p.cfg.Output(ctx, item, v); err != nil {
				if errors.Is(err, ErrSkip) {
					res.Skipped++
					continue
				}
				if errors.Is(err, ErrStop) {
					return res, nil
				}
				return res, err
			}
			res.Emitted++
		}
	}
	return res, nil
}

func (p *Pipeline[R, I]) eval(raw R, item I, vars map[string]any) (any, error) {
	exposed := p.exposeItem(item)
	if p.program == nil {
		return exposed, nil
	}

	env := make(map[string]any, len(p.base)+len(vars)+2)
	for k, v := range p.base {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = v
	}
	env["item"] = exposed
	env["data"] = p.exposeRaw(raw)

	return expr.Run(p.program, env)
}

func (p *Pipeline[R, I]) exposeItem(item I) any {
	if p.cfg.ExposeItem != nil {
		return p.cfg.ExposeItem(item)
	}
	return item
}

func (p *Pipeline[R, I]) exposeRaw(raw R) any {
	if p.cfg.ExposeRaw != nil {
		return p.cfg.ExposeRaw(raw)
	}
	return raw
}

// flatten normalizes a script result into the values passed to Output.
func flatten(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, 0, len(v))
		for _, e := range v {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	case []map[string]any:
		out := make([]any, 0, len(v))
		for _, e := range v {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	}
	return []any{value}
}
