// Package topologyspread implements the topology_spread policy: it bounds
// maxSkew on existing topologySpreadConstraints entries, and can inject a
// default constraint when none is present.
package topologyspread

import (
	"fmt"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
)

// Config is the topology_spread policy's configuration.
type Config struct {
	policy.Common `yaml:",inline"`

	MaxSkew           int32  `yaml:"max_skew"`
	TopologyKey       string `yaml:"topology_key"`
	WhenUnsatisfiable string `yaml:"when_unsatisfiable"`
	InjectIfMissing   bool   `yaml:"inject_if_missing"`
}

// Policy bounds topologySpreadConstraints' maxSkew and can inject a default
// constraint onto workloads that define none.
type Policy struct {
	cfg Config
}

// New constructs a topology_spread Policy from its configuration.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

func (p *Policy) Name() policy.Name { return policy.TopologySpread }

func (p *Policy) Evaluate(req *policy.Request, mutating bool) policy.Output {
	var out policy.Output

	podSpec, ok := policy.PodSpec(req.Object, req.Kind)
	if !ok {
		return out
	}

	name := policy.ResourceName(req.Name, req.Object)
	constraints, _ := podSpec["topologySpreadConstraints"].([]interface{})

	if len(constraints) > 0 {
		for i, raw := range constraints {
			c, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			skew, ok := asInt64(c["maxSkew"])
			if !ok || skew <= int64(p.cfg.MaxSkew) {
				continue
			}
			key := "<unset>"
			if k, ok := c["topologyKey"].(string); ok && k != "" {
				key = k
			}
			out.Violations = append(out.Violations, fmt.Sprintf(
				"topologySpreadConstraints[%d] on %s '%s' has maxSkew=%d (topologyKey='%s') exceeding maximum %d",
				i, req.Kind, name, skew, key, p.cfg.MaxSkew))
		}
		return out
	}

	if !(mutating && p.cfg.InjectIfMissing) {
		out.Violations = append(out.Violations, fmt.Sprintf(
			"%s '%s' has no topologySpreadConstraints", req.Kind, name))
		return out
	}

	if p.cfg.InjectIfMissing {
		out.Patches = append(out.Patches, policy.JSONPatchOp{
			Op:   "add",
			Path: "/" + policy.JoinPointer(append(policy.SpecPrefixTokens(req.Kind), "topologySpreadConstraints")...),
			Value: []interface{}{
				map[string]interface{}{
					"maxSkew":           p.cfg.MaxSkew,
					"topologyKey":       p.cfg.TopologyKey,
					"whenUnsatisfiable": p.cfg.WhenUnsatisfiable,
					"labelSelector": map[string]interface{}{
						"matchLabels": defaultMatchLabels(req),
					},
				},
			},
		})
	}

	return out
}

func defaultMatchLabels(req *policy.Request) map[string]interface{} {
	if req.Kind == "Pod" {
		return policy.Labels(req.Object)
	}
	return policy.TemplateLabels(req.Object)
}

// asInt64 accepts the numeric shapes an untyped JSON value can take once
// decoded by encoding/json (always float64), plus already-typed integers
// for values constructed directly in tests.
func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
