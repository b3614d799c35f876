// Package coderunner evaluates code_job programs as expressions over the
// node's inputs and the execution variables.
package coderunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dipeo/dipeo/common/services"
)

// Runner implements services.CodeRunner. Programs are compiled once per
// distinct source text; the environment is untyped so diagrams can pass
// arbitrary shapes.
type Runner struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a runner with an empty program cache.
func New() *Runner {
	return &Runner{cache: make(map[string]*vm.Program)}
}

var _ services.CodeRunner = (*Runner)(nil)

// Run evaluates one program. The env carries inputs by handle name plus
// the execution variables under "variables".
func (r *Runner) Run(ctx context.Context, code string, env map[string]any) (any, error) {
	if code == "" {
		return nil, fmt.Errorf("empty code")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	prog, ok := r.cache[code]
	r.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(code, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile code: %w", err)
		}
		r.mu.Lock()
		r.cache[code] = prog
		r.mu.Unlock()
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("run code: %w", err)
	}
	return out, nil
}

// CacheSize returns the number of compiled programs.
func (r *Runner) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
