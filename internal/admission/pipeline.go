// Package admission implements the HTTP admission pipeline: decoding
// AdmissionReview envelopes, driving the engine inside a panic boundary,
// and assembling the AdmissionResponse.
package admission

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/aslitaser/k8s-sentinel/internal/metrics"
	"github.com/aslitaser/k8s-sentinel/internal/policy"
)

// evaluator is the subset of *engine.Engine the pipeline depends on. The
// seam exists so panic-boundary behavior can be exercised with a fake
// engine in tests, without spinning up real policy configuration.
type evaluator interface {
	EvaluateValidate(req *policy.Request) []policy.Result
	EvaluateMutate(req *policy.Request) []policy.Result
}

// Pipeline wires one Engine and one Metrics instance to the two admission
// HTTP handlers. Both collaborators are constructed once at startup and
// never mutated, so a Pipeline is safe for concurrent use by every request
// goroutine.
type Pipeline struct {
	engine  evaluator
	metrics *metrics.Metrics
	log     logr.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(e evaluator, m *metrics.Metrics, log logr.Logger) *Pipeline {
	return &Pipeline{engine: e, metrics: m, log: log}
}

// HandleValidate serves POST /validate.
func (p *Pipeline) HandleValidate(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, false)
}

// HandleMutate serves POST /mutate.
func (p *Pipeline) HandleMutate(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, true)
}

func (p *Pipeline) handle(w http.ResponseWriter, r *http.Request, mutating bool) {
	webhook := "validate"
	if mutating {
		webhook = "mutate"
	}
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeInvalid(w, "", fmt.Sprintf("reading request body: %v", err), webhook, start)
		return
	}

	var review admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &review); err != nil {
		p.writeInvalid(w, "", fmt.Sprintf("decoding AdmissionReview: %v", err), webhook, start)
		return
	}

	if review.Request == nil {
		p.writeInvalid(w, "", "missing request field in AdmissionReview", webhook, start)
		return
	}
	areq := review.Request

	p.metrics.AdmissionRequests.WithLabelValues(
		strings.ToUpper(string(areq.Operation)), areq.Resource.Resource, webhook,
	).Inc()

	req, err := toPolicyRequest(areq)
	if err != nil {
		p.writeInvalid(w, areq.UID, fmt.Sprintf("decoding object: %v", err), webhook, start)
		return
	}

	results, panicked := p.evaluate(req, mutating)

	var resp *admissionv1.AdmissionResponse
	if panicked {
		resp = &admissionv1.AdmissionResponse{
			UID:      areq.UID,
			Allowed:  true,
			Warnings: []string{"sentinel: internal error during policy evaluation, failing open"},
		}
	} else {
		for _, res := range results {
			p.metrics.PolicyEvaluations.WithLabelValues(string(res.Name), strconv.FormatBool(res.Allowed)).Inc()
			p.metrics.PolicyEvaluationDuration.WithLabelValues(string(res.Name)).Observe(res.Duration.Seconds())
		}
		resp = p.buildResponse(areq.UID, results, mutating)
	}

	p.metrics.AdmissionResponses.WithLabelValues(strconv.FormatBool(resp.Allowed), webhook).Inc()
	p.metrics.AdmissionRequestDuration.WithLabelValues(webhook).Observe(time.Since(start).Seconds())

	writeReview(w, resp)
}

// evaluate drives the engine inside a fail-open panic boundary: nothing the
// engine does should ever surface as an HTTP-level failure.
func (p *Pipeline) evaluate(req *policy.Request, mutating bool) (results []policy.Result, panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error(fmt.Errorf("%v", rec), "sentinel: internal error during policy evaluation, failing open")
			panicked = true
			results = nil
		}
	}()
	if mutating {
		results = p.engine.EvaluateMutate(req)
	} else {
		results = p.engine.EvaluateValidate(req)
	}
	return
}

func (p *Pipeline) buildResponse(uid types.UID, results []policy.Result, mutating bool) *admissionv1.AdmissionResponse {
	resp := &admissionv1.AdmissionResponse{UID: uid}

	var denials, warnings []string
	var patches []policy.JSONPatchOp
	for _, r := range results {
		warnings = append(warnings, r.Warnings...)
		if mutating {
			patches = append(patches, r.Patches...)
		}
		if !r.Allowed {
			msg := r.Message
			if msg == "" {
				msg = "denied"
			}
			denials = append(denials, fmt.Sprintf("%s: %s", r.Name, msg))
		}
	}

	switch {
	case len(denials) > 0:
		resp.Allowed = false
		resp.Result = &metav1.Status{Message: strings.Join(denials, "; ")}
	case mutating && len(patches) > 0:
		if patchBytes, ok := serializePatches(patches); ok {
			resp.Allowed = true
			resp.Patch = patchBytes
			pt := admissionv1.PatchTypeJSONPatch
			resp.PatchType = &pt
		} else {
			resp.Allowed = true
			warnings = append(warnings, "sentinel: failed to serialize patches")
		}
	default:
		resp.Allowed = true
	}

	resp.Warnings = warnings
	return resp
}

// serializePatches marshals patches to RFC 6902 JSON, then round-trips it
// through evanphx/json-patch/v5's decoder as a wire-shape sanity check
// before it is ever sent to the API server.
func serializePatches(patches []policy.JSONPatchOp) ([]byte, bool) {
	data, err := json.Marshal(patches)
	if err != nil {
		return nil, false
	}
	if _, err := jsonpatch.DecodePatch(data); err != nil {
		return nil, false
	}
	return data, true
}

func toPolicyRequest(areq *admissionv1.AdmissionRequest) (*policy.Request, error) {
	req := &policy.Request{
		UID:       string(areq.UID),
		Kind:      areq.Kind.Kind,
		Resource:  areq.Resource.Resource,
		Name:      areq.Name,
		Namespace: areq.Namespace,
		Operation: string(areq.Operation),
	}

	if len(areq.Object.Raw) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(areq.Object.Raw, &obj); err != nil {
			return nil, fmt.Errorf("object: %w", err)
		}
		req.Object = obj
	}

	if len(areq.OldObject.Raw) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(areq.OldObject.Raw, &obj); err != nil {
			return nil, fmt.Errorf("oldObject: %w", err)
		}
		req.OldObject = obj
	}

	return req, nil
}

func (p *Pipeline) writeInvalid(w http.ResponseWriter, uid types.UID, msg, webhook string, start time.Time) {
	resp := &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result:  &metav1.Status{Message: msg},
	}
	p.metrics.AdmissionResponses.WithLabelValues("false", webhook).Inc()
	p.metrics.AdmissionRequestDuration.WithLabelValues(webhook).Observe(time.Since(start).Seconds())
	writeReview(w, resp)
}

func writeReview(w http.ResponseWriter, resp *admissionv1.AdmissionResponse) {
	review := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Response: resp,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(review)
}
