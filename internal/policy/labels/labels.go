// Package labels implements the required-labels policy: every configured
// label key must be present on the object's metadata, optionally matching a
// compiled regular expression.
package labels

import (
	"fmt"
	"regexp"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
	"github.com/go-logr/logr"
)

// Entry is a single required-label rule as configured.
type Entry struct {
	Key     string  `yaml:"key"`
	Pattern *string `yaml:"pattern"`
}

// Config is the labels policy's configuration.
type Config struct {
	policy.Common `yaml:",inline"`

	Labels []Entry `yaml:"labels"`
}

// compiled is a required-label entry after regex compilation; a nil
// Pattern means "key presence only".
type compiled struct {
	key     string
	pattern *regexp.Regexp
	raw     string
}

// Policy requires a configured set of labels, each optionally constrained
// to a regular expression, on every workload it sees.
type Policy struct {
	entries []compiled
}

// New compiles cfg's label patterns once. A pattern that fails to compile
// is degraded to a literal-string match (escape + recompile); log records
// the degradation exactly once per entry.
func New(cfg Config, log logr.Logger) *Policy {
	entries := make([]compiled, 0, len(cfg.Labels))
	for _, e := range cfg.Labels {
		c := compiled{key: e.Key}
		if e.Pattern != nil && *e.Pattern != "" {
			c.raw = *e.Pattern
			re, err := regexp.Compile(*e.Pattern)
			if err != nil {
				log.Info("required label pattern failed to compile, degrading to literal match",
					"key", e.Key, "pattern", *e.Pattern, "error", err.Error())
				re = regexp.MustCompile(regexp.QuoteMeta(*e.Pattern))
			}
			c.pattern = re
		}
		entries = append(entries, c)
	}
	return &Policy{entries: entries}
}

func (p *Policy) Name() policy.Name { return policy.Labels }

func (p *Policy) Evaluate(req *policy.Request, _ bool) policy.Output {
	var out policy.Output

	if req.Object == nil || !policy.KnownKind(req.Kind) {
		return out
	}

	name := policy.ResourceName(req.Name, req.Object)
	objLabels := policy.Labels(req.Object)

	for _, e := range p.entries {
		value, present := objLabels[e.key]
		if !present {
			out.Violations = append(out.Violations, fmt.Sprintf(
				"missing required label '%s' on %s '%s'", e.key, req.Kind, name))
			continue
		}
		if e.pattern == nil {
			continue
		}
		strValue, _ := value.(string)
		if !e.pattern.MatchString(strValue) {
			out.Violations = append(out.Violations, fmt.Sprintf(
				"label '%s' on %s '%s' has value '%s' which does not match required pattern '%s'",
				e.key, req.Kind, name, strValue, e.raw))
		}
	}

	return out
}
