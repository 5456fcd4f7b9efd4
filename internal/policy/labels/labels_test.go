package labels

import (
	"testing"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func pattern(s string) *string { return &s }

func objWithLabels(kind, name string, labelValues map[string]interface{}) *policy.Request {
	return &policy.Request{
		Kind: kind,
		Name: name,
		Object: map[string]interface{}{
			"metadata": map[string]interface{}{
				"labels": labelValues,
			},
		},
	}
}

func TestEvaluate_MissingLabel(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "team"}}}, logr.Discard())
	out := p.Evaluate(objWithLabels("Pod", "web", map[string]interface{}{}), false)
	assert.Equal(t, []string{"missing required label 'team' on Pod 'web'"}, out.Violations)
}

func TestEvaluate_PatternMismatch(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "env", Pattern: pattern("^(dev|prod)$")}}}, logr.Discard())
	out := p.Evaluate(objWithLabels("Pod", "web", map[string]interface{}{"env": "staging"}), false)
	assert.Equal(t, []string{
		"label 'env' on Pod 'web' has value 'staging' which does not match required pattern '^(dev|prod)$'",
	}, out.Violations)
}

func TestEvaluate_PatternMatches(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "env", Pattern: pattern("^(dev|prod)$")}}}, logr.Discard())
	out := p.Evaluate(objWithLabels("Pod", "web", map[string]interface{}{"env": "prod"}), false)
	assert.Empty(t, out.Violations)
}

func TestEvaluate_InvalidPatternDegradesToLiteralMatch(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "env", Pattern: pattern("(unterminated")}}}, logr.Discard())
	out := p.Evaluate(objWithLabels("Pod", "web", map[string]interface{}{"env": "(unterminated"}), false)
	assert.Empty(t, out.Violations, "literal match against the exact degraded string should pass")

	out = p.Evaluate(objWithLabels("Pod", "web", map[string]interface{}{"env": "other"}), false)
	assert.NotEmpty(t, out.Violations)
}

func TestEvaluate_UnknownKindIsNoOp(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "team"}}}, logr.Discard())
	out := p.Evaluate(objWithLabels("Widget", "web", map[string]interface{}{}), false)
	assert.Empty(t, out.Violations)
}

func TestEvaluate_NilObjectIsNoOp(t *testing.T) {
	p := New(Config{Labels: []Entry{{Key: "team"}}}, logr.Discard())
	out := p.Evaluate(&policy.Request{Kind: "Pod"}, false)
	assert.Empty(t, out.Violations)
}
