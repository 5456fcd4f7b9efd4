package policy

import "strings"

// workloadPodSpecPath maps a workload kind to the dotted path, inside the
// untyped object tree, at which its pod spec lives. Unknown kinds are
// absent from this table on purpose: PodSpec and SpecPrefix both treat an
// unknown kind as "no pod spec", which is what makes every policy a no-op
// for kinds this webhook doesn't understand.
var workloadPodSpecPath = map[string][]string{
	"Pod":         {"spec"},
	"Deployment":  {"spec", "template", "spec"},
	"ReplicaSet":  {"spec", "template", "spec"},
	"StatefulSet": {"spec", "template", "spec"},
	"DaemonSet":   {"spec", "template", "spec"},
	"Job":         {"spec", "template", "spec"},
	"CronJob":     {"spec", "jobTemplate", "spec", "template", "spec"},
}

// PodSpec selects the pod template spec out of an untyped object tree by
// workload kind. It never mutates object.
func PodSpec(object map[string]interface{}, kind string) (map[string]interface{}, bool) {
	path, ok := workloadPodSpecPath[kind]
	if !ok {
		return nil, false
	}
	return walkMap(object, path)
}

// SpecPrefix returns the RFC 6901 pointer prefix, without a leading slash,
// at which kind's pod spec lives. Used to build JSON-Patch paths. Returns
// "" for unknown kinds.
func SpecPrefix(kind string) string {
	path, ok := workloadPodSpecPath[kind]
	if !ok {
		return ""
	}
	return strings.Join(path, "/")
}

// SpecPrefixTokens returns the same prefix as SpecPrefix, already split
// into plain tokens so callers can append further tokens before joining
// and escaping with JoinPointer. Returns nil for unknown kinds.
func SpecPrefixTokens(kind string) []string {
	path, ok := workloadPodSpecPath[kind]
	if !ok {
		return nil
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}

// KnownKind reports whether kind appears in the workload-kind table. Every
// policy treats an unknown kind (and an absent object) as a universal
// no-op.
func KnownKind(kind string) bool {
	_, ok := workloadPodSpecPath[kind]
	return ok
}

// IndexedContainer pairs a container's zero-based index with its untyped
// value, preserving declared order.
type IndexedContainer struct {
	Index     int
	Container map[string]interface{}
}

// Containers returns podSpec.containers in declared order with zero-based
// indices. A nil or empty containers field yields an empty sequence.
func Containers(podSpec map[string]interface{}) []IndexedContainer {
	if podSpec == nil {
		return nil
	}
	raw, ok := podSpec["containers"]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]IndexedContainer, 0, len(list))
	for i, item := range list {
		c, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, IndexedContainer{Index: i, Container: c})
	}
	return out
}

// ContainerName returns the container's name field, or "<unnamed>" if it is
// absent or not a string.
func ContainerName(container map[string]interface{}) string {
	if container == nil {
		return "<unnamed>"
	}
	if name, ok := container["name"].(string); ok && name != "" {
		return name
	}
	return "<unnamed>"
}

// ResourceName returns the best available name for an object under
// evaluation: the request's name, falling back to
// object.metadata.generateName, falling back to "<unknown>".
func ResourceName(requestName string, object map[string]interface{}) string {
	if requestName != "" {
		return requestName
	}
	if object != nil {
		if meta, ok := object["metadata"].(map[string]interface{}); ok {
			if gen, ok := meta["generateName"].(string); ok && gen != "" {
				return gen
			}
		}
	}
	return "<unknown>"
}

// Labels returns object.metadata.labels, or an empty map if absent.
func Labels(object map[string]interface{}) map[string]interface{} {
	if object == nil {
		return map[string]interface{}{}
	}
	meta, ok := object["metadata"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	labels, ok := meta["labels"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return labels
}

// TemplateLabels returns object.spec.template.metadata.labels (the pod
// template's own labels, distinct from the workload object's labels), or an
// empty map if absent. Used by TopologySpread's default label selector for
// non-Pod kinds.
func TemplateLabels(object map[string]interface{}) map[string]interface{} {
	path := []string{"spec", "template", "metadata"}
	meta, ok := walkMap(object, path)
	if !ok {
		return map[string]interface{}{}
	}
	labels, ok := meta["labels"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return labels
}

// JoinPointer composes an RFC 6901 JSON pointer from plain, unescaped
// tokens, escaping each token itself ("~" -> "~0", "/" -> "~1") per the
// spec. Callers never pre-escape; this is the only place escaping happens.
func JoinPointer(tokens ...string) string {
	escaped := make([]string, len(tokens))
	for i, t := range tokens {
		t = strings.ReplaceAll(t, "~", "~0")
		t = strings.ReplaceAll(t, "/", "~1")
		escaped[i] = t
	}
	return strings.Join(escaped, "/")
}

func walkMap(object map[string]interface{}, path []string) (map[string]interface{}, bool) {
	cur := object
	for _, key := range path {
		if cur == nil {
			return nil, false
		}
		next, ok := cur[key]
		if !ok || next == nil {
			return nil, false
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = m
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
