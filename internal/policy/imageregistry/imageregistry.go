// Package imageregistry implements the image_registry policy: parses
// container image references, checks them against a registry allow-list,
// and optionally rejects images resolving to the "latest" tag.
package imageregistry

import (
	"fmt"
	"strings"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
)

// Config is the image_registry policy's configuration.
type Config struct {
	policy.Common `yaml:",inline"`

	Registries     []string `yaml:"registries"`
	AllowLatestTag bool     `yaml:"allow_latest_tag"`
}

// Policy restricts container images to an allowed registry list and
// optionally rejects the "latest" tag.
type Policy struct {
	cfg Config
}

// New constructs an image_registry Policy from its configuration.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

func (p *Policy) Name() policy.Name { return policy.ImageRegistry }

func (p *Policy) Evaluate(req *policy.Request, _ bool) policy.Output {
	var out policy.Output

	podSpec, ok := policy.PodSpec(req.Object, req.Kind)
	if !ok {
		return out
	}

	for _, ic := range policy.Containers(podSpec) {
		name := policy.ContainerName(ic.Container)
		image, ok := ic.Container["image"].(string)
		if !ok || image == "" {
			out.Violations = append(out.Violations, fmt.Sprintf("container '%s' has no image specified", name))
			continue
		}

		ref := parseReference(image)
		if !registryAllowed(ref.registry, p.cfg.Registries) {
			out.Violations = append(out.Violations, fmt.Sprintf(
				"container '%s' image '%s' uses registry '%s' which is not in the allowed list [%s]",
				name, image, ref.registry, strings.Join(p.cfg.Registries, ", ")))
		}

		if !p.cfg.AllowLatestTag {
			if ref.tag == "latest" {
				out.Violations = append(out.Violations, fmt.Sprintf(
					"container '%s' image '%s' uses tag 'latest'", name, image))
			} else if ref.tag == "" && !ref.hasDigest {
				out.Violations = append(out.Violations, fmt.Sprintf(
					"container '%s' image '%s' uses tag '<none> (defaults to latest)'", name, image))
			}
		}
	}

	return out
}

type reference struct {
	name      string
	tag       string
	registry  string
	hasDigest bool
}

// parseReference splits an image reference into registry, repository, and
// tag. A name with no "/" gets registry docker.io/library, and a first
// segment that is not a host gets docker.io/<segment>. A missing tag is
// returned as "" (Evaluate reports it as defaulting to latest).
func parseReference(image string) reference {
	hasDigest := strings.Contains(image, "@")
	if hasDigest {
		image = image[:strings.Index(image, "@")]
	}

	name, tag := splitNameTag(image)
	return reference{
		name:      name,
		tag:       tag,
		registry:  extractRegistry(name),
		hasDigest: hasDigest,
	}
}

func splitNameTag(image string) (name, tag string) {
	lastSlash := strings.LastIndex(image, "/")
	if lastSlash == -1 {
		if idx := strings.Index(image, ":"); idx != -1 {
			return image[:idx], image[idx+1:]
		}
		return image, ""
	}

	suffix := image[lastSlash+1:]
	if idx := strings.Index(suffix, ":"); idx != -1 {
		return image[:lastSlash+1+idx], suffix[idx+1:]
	}
	return image, ""
}

func extractRegistry(name string) string {
	slash := strings.Index(name, "/")
	if slash == -1 {
		return "docker.io/library"
	}

	first := name[:slash]
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		lastSlash := strings.LastIndex(name, "/")
		return name[:lastSlash]
	}
	return "docker.io/" + first
}

// registryAllowed implements registry_matches against the whole allow-list:
// exact match, or a prefix match immediately followed by "/".
func registryAllowed(registry string, allowed []string) bool {
	for _, a := range allowed {
		if registryMatches(registry, a) {
			return true
		}
	}
	return false
}

func registryMatches(registry, allowed string) bool {
	if registry == allowed {
		return true
	}
	return strings.HasPrefix(registry, allowed+"/")
}
