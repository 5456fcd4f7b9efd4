// Package config loads the process configuration: defaults, then a YAML
// file, then an environment-variable overlay, then struct validation.
// Configuration is read once at startup and is immutable for the process
// lifetime; there is no watch or reload path.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aslitaser/k8s-sentinel/internal/policy"
	"github.com/aslitaser/k8s-sentinel/internal/policy/imageregistry"
	"github.com/aslitaser/k8s-sentinel/internal/policy/labels"
	"github.com/aslitaser/k8s-sentinel/internal/policy/resourcelimits"
	"github.com/aslitaser/k8s-sentinel/internal/policy/topologyspread"
)

// envPrefix is the prefix every environment-variable override must carry;
// everything after it is split on envNestSep to walk the struct.
const (
	envPrefix  = "SENTINEL_"
	envNestSep = "__"
)

// errUnknownKey marks an environment key that names no configuration field.
var errUnknownKey = errors.New("no matching field")

// Policies holds one sub-record per policy.Name.
type Policies struct {
	ResourceLimits resourcelimits.Config `yaml:"resource_limits"`
	ImageRegistry  imageregistry.Config  `yaml:"image_registry"`
	Labels         labels.Config         `yaml:"labels"`
	TopologySpread topologyspread.Config `yaml:"topology_spread"`
}

// Config is the root configuration record. It is loaded once at startup and
// never mutated afterward; every request-serving goroutine only ever reads
// from the Engine built out of it.
type Config struct {
	ListenAddress  string   `yaml:"listen_address" validate:"required"`
	TLSCertPath    string   `yaml:"tls_cert_path" validate:"required"`
	TLSKeyPath     string   `yaml:"tls_key_path" validate:"required"`
	MetricsAddress string   `yaml:"metrics_address" validate:"required"`
	LogLevel       string   `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Policies       Policies `yaml:"policies"`
}

// defaultConfig returns sensible defaults. Policy sub-records default to
// enabled/enforce: a freshly-installed webhook should do something rather
// than silently pass every request, so a missing policy sub-record falls
// back to sensible defaults rather than an inert one.
func defaultConfig() *Config {
	return &Config{
		ListenAddress:  ":8443",
		MetricsAddress: ":9090",
		LogLevel:       "info",
		Policies: Policies{
			ResourceLimits: resourcelimits.Config{
				Common:               commonDefault(),
				DefaultCPURequest:    "100m",
				DefaultCPULimit:      "500m",
				DefaultMemoryRequest: "128Mi",
				DefaultMemoryLimit:   "512Mi",
			},
			ImageRegistry: imageregistry.Config{
				Common:     commonDefault(),
				Registries: []string{"docker.io"},
			},
			Labels: labels.Config{
				Common: commonDefault(),
			},
			TopologySpread: topologyspread.Config{
				Common:            commonDefault(),
				MaxSkew:           1,
				TopologyKey:       "kubernetes.io/hostname",
				WhenUnsatisfiable: "ScheduleAnyway",
			},
		},
	}
}

func commonDefault() policy.Common {
	return policy.Common{Enabled: true, Mode: policy.ModeEnforce}
}

// Load reads the YAML file at path (if non-empty) on top of defaultConfig,
// applies the SENTINEL_ environment overlay, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverlay(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverlay walks os.Environ() for SENTINEL_-prefixed keys and sets
// the matching struct field, split on "__" and matched case-insensitively
// against each level's yaml tag. Unknown keys are ignored.
func applyEnvOverlay(cfg *Config) error {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(name, envPrefix), envNestSep)
		if len(segments) == 0 {
			continue
		}
		if err := setField(reflect.ValueOf(cfg).Elem(), segments, value); err != nil {
			if errors.Is(err, errUnknownKey) {
				continue
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// setField descends v by matching segments[0] against each field's yaml
// tag (case-insensitive, ignoring the ",inline"/",omitempty" suffix), then
// recurses on the remaining segments, or sets the leaf once segments is
// exhausted.
func setField(v reflect.Value, segments []string, value string) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("cannot descend into non-struct")
	}

	target := segments[0]
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := yamlName(field)
		if tag == "" || !strings.EqualFold(tag, target) {
			continue
		}

		fv := v.Field(i)
		if len(segments) == 1 {
			return setLeaf(fv, value)
		}
		if field.Anonymous {
			return setField(fv, segments, value)
		}
		return setField(fv, segments[1:], value)
	}

	// Common is embedded anonymously with its own yaml tags; check it even
	// when the outer field didn't match directly.
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			if err := setField(v.Field(i), segments, value); !errors.Is(err, errUnknownKey) {
				return err
			}
		}
	}

	return fmt.Errorf("%w for %q", errUnknownKey, target)
}

func yamlName(field reflect.StructField) string {
	tag := field.Tag.Get("yaml")
	if tag == "" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func setLeaf(fv reflect.Value, value string) error {
	if fv.Kind() == reflect.Ptr {
		elem := reflect.New(fv.Type().Elem())
		if err := setLeaf(elem.Elem(), value); err != nil {
			return err
		}
		fv.Set(elem)
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", fv.Type().Elem())
		}
		parts := strings.Split(value, ",")
		out := reflect.MakeSlice(fv.Type(), len(parts), len(parts))
		for i, p := range parts {
			out.Index(i).SetString(strings.TrimSpace(p))
		}
		fv.Set(out)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
