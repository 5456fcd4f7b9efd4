// Package engine composes the four policies into the fixed-order evaluation
// loop the admission pipeline drives: enable/disable, enforce/warn mode
// translation, and per-policy timing.
package engine

import (
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/aslitaser/k8s-sentinel/internal/config"
	"github.com/aslitaser/k8s-sentinel/internal/policy"
	"github.com/aslitaser/k8s-sentinel/internal/policy/imageregistry"
	"github.com/aslitaser/k8s-sentinel/internal/policy/labels"
	"github.com/aslitaser/k8s-sentinel/internal/policy/resourcelimits"
	"github.com/aslitaser/k8s-sentinel/internal/policy/topologyspread"
)

type entry struct {
	name      policy.Name
	enabled   bool
	mode      policy.Mode
	evaluator policy.Evaluator
}

// Engine holds the compiled, immutable set of policies for the process
// lifetime. It is safe for concurrent use by many request goroutines: it is
// never mutated after New returns.
type Engine struct {
	entries []entry
}

// New constructs an Engine from policy configuration, compiling the labels
// policy's regexes eagerly.
func New(cfg config.Policies, log logr.Logger) *Engine {
	e := &Engine{
		entries: []entry{
			{
				name:      policy.ResourceLimits,
				enabled:   cfg.ResourceLimits.Enabled,
				mode:      cfg.ResourceLimits.Mode,
				evaluator: resourcelimits.New(cfg.ResourceLimits),
			},
			{
				name:      policy.ImageRegistry,
				enabled:   cfg.ImageRegistry.Enabled,
				mode:      cfg.ImageRegistry.Mode,
				evaluator: imageregistry.New(cfg.ImageRegistry),
			},
			{
				name:      policy.Labels,
				enabled:   cfg.Labels.Enabled,
				mode:      cfg.Labels.Mode,
				evaluator: labels.New(cfg.Labels, log),
			},
			{
				name:      policy.TopologySpread,
				enabled:   cfg.TopologySpread.Enabled,
				mode:      cfg.TopologySpread.Mode,
				evaluator: topologyspread.New(cfg.TopologySpread),
			},
		},
	}
	return e
}

// EnabledCount reports how many policies are enabled, for the
// sentinel_policies_enabled startup gauge.
func (e *Engine) EnabledCount() int {
	n := 0
	for _, en := range e.entries {
		if en.enabled {
			n++
		}
	}
	return n
}

// EvaluateValidate runs every enabled policy against req and forces patches
// empty on every result: validation never mutates the object under review.
func (e *Engine) EvaluateValidate(req *policy.Request) []policy.Result {
	results := e.evaluate(req, false)
	for i := range results {
		results[i].Patches = nil
	}
	return results
}

// EvaluateMutate runs every enabled policy against req, preserving patches.
func (e *Engine) EvaluateMutate(req *policy.Request) []policy.Result {
	return e.evaluate(req, true)
}

func (e *Engine) evaluate(req *policy.Request, mutating bool) []policy.Result {
	results := make([]policy.Result, 0, len(e.entries))
	for _, en := range e.entries {
		if !en.enabled {
			continue
		}
		start := time.Now()
		out := en.evaluator.Evaluate(req, mutating)
		duration := time.Since(start)

		results = append(results, translate(en.name, en.mode, out, duration))
	}
	return results
}

func translate(name policy.Name, mode policy.Mode, out policy.Output, duration time.Duration) policy.Result {
	result := policy.Result{
		Name:     name,
		Patches:  out.Patches,
		Duration: duration,
	}

	if mode == policy.ModeWarn {
		result.Allowed = true
		for _, v := range out.Violations {
			result.Warnings = append(result.Warnings, string(name)+": "+v)
		}
		return result
	}

	result.Allowed = len(out.Violations) == 0
	if !result.Allowed {
		result.Message = strings.Join(out.Violations, "; ")
	}
	return result
}
