// Package resourcelimits implements the resource_limits policy: it bounds
// container CPU/memory requests and limits, and can inject default
// requests/limits on the mutating path.
package resourcelimits

import (
	"fmt"
	"strconv"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
)

// Config is the resource_limits policy's configuration.
type Config struct {
	policy.Common `yaml:",inline"`

	MaxCPUMillicores *uint64 `yaml:"max_cpu_millicores"`
	MaxMemoryMB      *uint64 `yaml:"max_memory_mb"`

	InjectDefaults       bool   `yaml:"inject_defaults"`
	DefaultCPURequest    string `yaml:"default_cpu_request"`
	DefaultCPULimit      string `yaml:"default_cpu_limit"`
	DefaultMemoryRequest string `yaml:"default_memory_request"`
	DefaultMemoryLimit   string `yaml:"default_memory_limit"`
}

// Policy enforces per-container CPU/memory request and limit ceilings,
// optionally injecting defaults onto containers that omit them.
type Policy struct {
	cfg Config
}

// New constructs a resource_limits Policy from its configuration.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

func (p *Policy) Name() policy.Name { return policy.ResourceLimits }

func (p *Policy) Evaluate(req *policy.Request, mutating bool) policy.Output {
	var out policy.Output

	podSpec, ok := policy.PodSpec(req.Object, req.Kind)
	if !ok {
		return out
	}
	for _, ic := range policy.Containers(podSpec) {
		name := policy.ContainerName(ic.Container)
		resources, _ := ic.Container["resources"].(map[string]interface{})

		hasRequests := nonEmptySection(resources, "requests")
		hasLimits := nonEmptySection(resources, "limits")

		if (!hasRequests || !hasLimits) && !(mutating && p.cfg.InjectDefaults) {
			out.Violations = append(out.Violations, missingResourceMessage(name, hasRequests, hasLimits))
		}

		if p.cfg.MaxCPUMillicores != nil {
			for _, section := range []string{"requests", "limits"} {
				if v, found := sectionField(resources, section, "cpu"); found {
					if millicores, ok := parseCPUMillicores(v); ok && uint64(millicores) > *p.cfg.MaxCPUMillicores {
						out.Violations = append(out.Violations, fmt.Sprintf(
							"container '%s' %s cpu '%s' (%dm) exceeds maximum allowed %dm",
							name, section, v, millicores, *p.cfg.MaxCPUMillicores))
					}
				}
			}
		}

		if p.cfg.MaxMemoryMB != nil {
			maxBytes := int64(*p.cfg.MaxMemoryMB) * 1024 * 1024
			for _, section := range []string{"requests", "limits"} {
				if v, found := sectionField(resources, section, "memory"); found {
					if bytes, ok := parseMemoryBytes(v); ok && bytes > maxBytes {
						out.Violations = append(out.Violations, fmt.Sprintf(
							"container '%s' %s memory '%s' (%d Mi) exceeds maximum allowed %d Mi",
							name, section, v, bytes/(1024*1024), *p.cfg.MaxMemoryMB))
					}
				}
			}
		}

		if p.cfg.InjectDefaults {
			out.Patches = append(out.Patches, p.injectionPatches(ic, resources, hasRequests, hasLimits, req.Kind)...)
		}
	}

	return out
}

func missingResourceMessage(name string, hasRequests, hasLimits bool) string {
	switch {
	case !hasRequests && !hasLimits:
		return fmt.Sprintf("container '%s' missing resource requests and limits", name)
	case !hasRequests:
		return fmt.Sprintf("container '%s' missing resource requests", name)
	default:
		return fmt.Sprintf("container '%s' missing resource limits", name)
	}
}

func nonEmptySection(resources map[string]interface{}, section string) bool {
	if resources == nil {
		return false
	}
	m, ok := resources[section].(map[string]interface{})
	return ok && len(m) > 0
}

func sectionField(resources map[string]interface{}, section, field string) (string, bool) {
	if resources == nil {
		return "", false
	}
	m, ok := resources[section].(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := m[field].(string)
	return v, ok
}

func (p *Policy) injectionPatches(ic policy.IndexedContainer, resources map[string]interface{}, hasRequests, hasLimits bool, kind string) []policy.JSONPatchOp {
	base := append(policy.SpecPrefixTokens(kind), "containers", strconv.Itoa(ic.Index))

	if resources == nil || len(resources) == 0 {
		return []policy.JSONPatchOp{{
			Op:   "add",
			Path: "/" + policy.JoinPointer(append(append([]string{}, base...), "resources")...),
			Value: map[string]interface{}{
				"requests": map[string]interface{}{
					"cpu":    p.cfg.DefaultCPURequest,
					"memory": p.cfg.DefaultMemoryRequest,
				},
				"limits": map[string]interface{}{
					"cpu":    p.cfg.DefaultCPULimit,
					"memory": p.cfg.DefaultMemoryLimit,
				},
			},
		}}
	}

	var patches []policy.JSONPatchOp
	patches = append(patches, p.sectionPatches(resources, "requests", hasRequests, base, p.cfg.DefaultCPURequest, p.cfg.DefaultMemoryRequest)...)
	patches = append(patches, p.sectionPatches(resources, "limits", hasLimits, base, p.cfg.DefaultCPULimit, p.cfg.DefaultMemoryLimit)...)
	return patches
}

func (p *Policy) sectionPatches(resources map[string]interface{}, section string, present bool, base []string, defaultCPU, defaultMemory string) []policy.JSONPatchOp {
	if !present {
		return []policy.JSONPatchOp{{
			Op:   "add",
			Path: "/" + policy.JoinPointer(append(append([]string{}, base...), "resources", section)...),
			Value: map[string]interface{}{
				"cpu":    defaultCPU,
				"memory": defaultMemory,
			},
		}}
	}

	m, _ := resources[section].(map[string]interface{})
	var patches []policy.JSONPatchOp
	if _, ok := m["cpu"]; !ok {
		patches = append(patches, policy.JSONPatchOp{
			Op:    "add",
			Path:  "/" + policy.JoinPointer(append(append([]string{}, base...), "resources", section, "cpu")...),
			Value: defaultCPU,
		})
	}
	if _, ok := m["memory"]; !ok {
		patches = append(patches, policy.JSONPatchOp{
			Op:    "add",
			Path:  "/" + policy.JoinPointer(append(append([]string{}, base...), "resources", section, "memory")...),
			Value: defaultMemory,
		})
	}
	return patches
}

