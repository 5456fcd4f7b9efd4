package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/aslitaser/k8s-sentinel/internal/config"
	"github.com/aslitaser/k8s-sentinel/internal/engine"
	"github.com/aslitaser/k8s-sentinel/internal/metrics"
	"github.com/aslitaser/k8s-sentinel/internal/policy/imageregistry"
	"github.com/aslitaser/k8s-sentinel/internal/policy/labels"
	"github.com/aslitaser/k8s-sentinel/internal/policy/resourcelimits"
	"github.com/aslitaser/k8s-sentinel/internal/policy/topologyspread"
	"github.com/aslitaser/k8s-sentinel/internal/policy"
)

func uint64p(v uint64) *uint64 { return &v }

func newServer(policies config.Policies) *httptest.Server {
	e := engine.New(policies, logr.Discard())
	p := NewPipeline(e, metrics.New(), logr.Discard())
	mux := http.NewServeMux()
	mux.Handle("/validate", http.HandlerFunc(p.HandleValidate))
	mux.Handle("/mutate", http.HandlerFunc(p.HandleMutate))
	return httptest.NewServer(mux)
}

func postReview(server *httptest.Server, path string, kind string, name string, object map[string]interface{}) *admissionv1.AdmissionReview {
	objBytes, err := json.Marshal(object)
	Expect(err).NotTo(HaveOccurred())

	review := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Request: &admissionv1.AdmissionRequest{
			UID:       "req-uid",
			Kind:      metav1.GroupVersionKind{Kind: kind},
			Resource:  metav1.GroupVersionResource{Resource: "pods"},
			Name:      name,
			Namespace: "default",
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: objBytes},
		},
	}

	body, err := json.Marshal(review)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	var out admissionv1.AdmissionReview
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return &out
}

var _ = Describe("Admission Pipeline", func() {
	It("denies a Pod using nginx:latest when allow_latest_tag is false", func() {
		server := newServer(config.Policies{
			ImageRegistry: imageregistry.Config{
				Common:     policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				Registries: []string{"docker.io"},
			},
		})
		defer server.Close()

		review := postReview(server, "/validate", "Pod", "c", map[string]interface{}{
			"spec": map[string]interface{}{
				"containers": []interface{}{
					map[string]interface{}{"name": "c", "image": "nginx:latest"},
				},
			},
		})

		Expect(review.Response.Allowed).To(BeFalse())
		Expect(review.Response.Result.Message).To(ContainSubstring(
			"image_registry: container 'c' image 'nginx:latest' uses tag 'latest'"))
	})

	It("denies a Pod missing the required 'team' label", func() {
		server := newServer(config.Policies{
			Labels: labels.Config{
				Common: policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				Labels: []labels.Entry{{Key: "team"}},
			},
		})
		defer server.Close()

		review := postReview(server, "/validate", "Pod", "web", map[string]interface{}{
			"metadata": map[string]interface{}{"name": "web", "labels": map[string]interface{}{}},
			"spec":     map[string]interface{}{},
		})

		Expect(review.Response.Allowed).To(BeFalse())
		Expect(review.Response.Result.Message).To(ContainSubstring(
			"labels: missing required label 'team' on Pod 'web'"))
	})

	It("injects default resources into a Deployment container missing them on /mutate", func() {
		server := newServer(config.Policies{
			ResourceLimits: resourcelimits.Config{
				Common:               policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				InjectDefaults:       true,
				DefaultCPURequest:    "100m",
				DefaultCPULimit:      "500m",
				DefaultMemoryRequest: "128Mi",
				DefaultMemoryLimit:   "512Mi",
			},
		})
		defer server.Close()

		review := postReview(server, "/mutate", "Deployment", "web", map[string]interface{}{
			"spec": map[string]interface{}{
				"template": map[string]interface{}{
					"spec": map[string]interface{}{
						"containers": []interface{}{
							map[string]interface{}{"name": "c"},
						},
					},
				},
			},
		})

		Expect(review.Response.Allowed).To(BeTrue())
		Expect(review.Response.Patch).NotTo(BeEmpty())

		var patch []policy.JSONPatchOp
		Expect(json.Unmarshal(review.Response.Patch, &patch)).To(Succeed())
		Expect(patch).To(HaveLen(1))
		Expect(patch[0].Path).To(Equal("/spec/template/spec/containers/0/resources"))
	})

	It("denies a Pod whose CPU request exceeds the configured maximum", func() {
		server := newServer(config.Policies{
			ResourceLimits: resourcelimits.Config{
				Common:           policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				MaxCPUMillicores: uint64p(1000),
			},
		})
		defer server.Close()

		review := postReview(server, "/validate", "Pod", "c", map[string]interface{}{
			"spec": map[string]interface{}{
				"containers": []interface{}{
					map[string]interface{}{
						"name": "c",
						"resources": map[string]interface{}{
							"requests": map[string]interface{}{"cpu": "2"},
							"limits":   map[string]interface{}{"cpu": "2"},
						},
					},
				},
			},
		})

		Expect(review.Response.Allowed).To(BeFalse())
		Expect(review.Response.Result.Message).To(ContainSubstring(
			"resource_limits: container 'c' requests cpu '2' (2000m) exceeds maximum allowed 1000m"))
	})

	It("injects a default topology spread constraint on a Deployment with none, on /mutate", func() {
		server := newServer(config.Policies{
			TopologySpread: topologyspread.Config{
				Common:            policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				MaxSkew:           1,
				TopologyKey:       "kubernetes.io/hostname",
				WhenUnsatisfiable: "DoNotSchedule",
				InjectIfMissing:   true,
			},
		})
		defer server.Close()

		review := postReview(server, "/mutate", "Deployment", "web", map[string]interface{}{
			"spec": map[string]interface{}{
				"template": map[string]interface{}{
					"metadata": map[string]interface{}{"labels": map[string]interface{}{"app": "web"}},
					"spec":     map[string]interface{}{},
				},
			},
		})

		Expect(review.Response.Allowed).To(BeTrue())
		var patch []policy.JSONPatchOp
		Expect(json.Unmarshal(review.Response.Patch, &patch)).To(Succeed())
		Expect(patch).To(HaveLen(1))
		Expect(patch[0].Path).To(Equal("/spec/template/spec/topologySpreadConstraints"))
	})

	It("warns without denying when a Pod's maxSkew exceeds the bound in warn mode", func() {
		server := newServer(config.Policies{
			TopologySpread: topologyspread.Config{
				Common:  policy.Common{Enabled: true, Mode: policy.ModeWarn},
				MaxSkew: 1,
			},
		})
		defer server.Close()

		review := postReview(server, "/validate", "Pod", "web", map[string]interface{}{
			"spec": map[string]interface{}{
				"topologySpreadConstraints": []interface{}{
					map[string]interface{}{"maxSkew": float64(3), "topologyKey": "zone"},
				},
			},
		})

		Expect(review.Response.Allowed).To(BeTrue())
		Expect(review.Response.Warnings).To(ContainElement(ContainSubstring(
			"topology_spread: topologySpreadConstraints[0] on Pod 'web' has maxSkew=3 (topologyKey='zone') exceeding maximum 1")))
	})

	It("treats an unknown workload kind as a universal no-op across every enabled policy", func() {
		server := newServer(config.Policies{
			Labels: labels.Config{
				Common: policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				Labels: []labels.Entry{{Key: "team"}},
			},
			ImageRegistry: imageregistry.Config{
				Common:     policy.Common{Enabled: true, Mode: policy.ModeEnforce},
				Registries: []string{"docker.io"},
			},
		})
		defer server.Close()

		review := postReview(server, "/validate", "ConfigMap", "cm", map[string]interface{}{
			"metadata": map[string]interface{}{"name": "cm"},
		})

		Expect(review.Response.Allowed).To(BeTrue())
	})
})
