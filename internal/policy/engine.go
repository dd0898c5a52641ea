// internal/policy/engine.go
// Package policy evaluates transformation policies against a request context,
// producing the ordered operation list and the concrete output encoding the
// pipeline executes. Evaluation is deterministic: the same policy and context
// always yield the same result.
package policy

import (
	"fmt"
	"math"
	"strconv"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// ResolvedOperation is a concrete operation ready for execution: its
// parameters are fully determined, no conditions remain.
type ResolvedOperation struct {
	Operation model.Operation
	Params    map[string]any
}

// Output is the resolved encoding for the response.
type Output struct {
	Format  model.Format // "" keeps the source format
	Quality int          // 0 lets the encoder pick its default
	Width   int          // Autosize width applied when no resize operation carries one
}

// Evaluation is the full result of policy evaluation.
type Evaluation struct {
	Operations []ResolvedOperation
	Output     Output
}

// MetricFunc measures the signal driving tiered quality selection.
type MetricFunc func(ctx model.RequestContext) float64

// DPRMetric is the default tier metric: the device pixel ratio bucket from
// the request context. Deployments can swap in a bandwidth or byte-density
// signal without touching tier evaluation.
func DPRMetric(ctx model.RequestContext) float64 {
	return ctx.DPR
}

// Engine evaluates policies. The zero value is not usable; construct with New.
type Engine struct {
	breakpoints []int
	metric      MetricFunc
}

// New creates a policy engine. breakpoints is the deployment viewport ladder;
// metric may be nil to use DPRMetric.
func New(breakpoints []int, metric MetricFunc) *Engine {
	if metric == nil {
		metric = DPRMetric
	}
	return &Engine{breakpoints: breakpoints, metric: metric}
}

// Evaluate produces the operation list and output encoding for a request.
// policy may be nil, in which case only explicit request parameters apply.
func (e *Engine) Evaluate(policy *model.TransformationPolicy, ctx model.RequestContext) (*Evaluation, error) {
	eval := &Evaluation{}

	if policy != nil {
		for _, step := range policy.Transformations {
			if !conditionApplies(step.Condition, ctx) {
				continue
			}
			eval.Operations = append(eval.Operations, ResolvedOperation{
				Operation: step.Operation,
				Params:    step.Value,
			})
		}
	}

	explicit, err := parseQueryOperations(ctx.Query)
	if err != nil {
		return nil, err
	}

	// Explicit per-operation parameters override the same operation's
	// policy-derived values without disturbing the rest of the policy.
	for _, op := range explicit {
		if i := findOperation(eval.Operations, op.Operation); i >= 0 {
			eval.Operations[i].Params = op.Params
		} else {
			eval.Operations = append(eval.Operations, op)
		}
	}

	if err := e.resolveOutput(policy, ctx, eval); err != nil {
		return nil, err
	}

	return eval, nil
}

// resolveOutput applies the policy's output directives and the request-level
// format/quality overrides.
func (e *Engine) resolveOutput(policy *model.TransformationPolicy, ctx model.RequestContext, eval *Evaluation) error {
	if policy != nil {
		for _, d := range policy.Outputs {
			switch d.Type {
			case model.DirectiveQuality:
				q, err := e.resolveQuality(d, ctx)
				if err != nil {
					return err
				}
				eval.Output.Quality = q
			case model.DirectiveFormat:
				if d.Value == "auto" {
					eval.Output.Format = ctx.AcceptFormat
				} else {
					eval.Output.Format = model.Format(d.Value)
				}
			case model.DirectiveAutosize:
				e.resolveAutosize(d, ctx, eval)
			}
		}
	}

	// Request-level overrides always win over policy directives.
	if f := ctx.QueryFormat(); f != "" {
		eval.Output.Format = f
	}
	if qs, ok := ctx.Query["quality"]; ok {
		q, err := strconv.Atoi(qs)
		if err != nil || q < 1 || q > 100 {
			return errordefs.Newf(errordefs.IMG_BAD_REQUEST, "quality must be an integer in [1,100], got %q", qs)
		}
		eval.Output.Quality = q
	}

	return nil
}

// resolveQuality handles both static and tiered quality directives. A tiered
// directive selects the tier whose [low, high) range contains the measured
// metric and scales the base by its multiplier, clamped to [1,100]. No
// matching tier keeps the base.
func (e *Engine) resolveQuality(d model.OutputDirective, ctx model.RequestContext) (int, error) {
	base, err := strconv.Atoi(d.Value)
	if err != nil || base < 1 || base > 100 {
		return 0, errordefs.Newf(errordefs.IMG_VALIDATION, "quality directive base must be in [1,100], got %q", d.Value)
	}
	if len(d.Tiers) == 0 {
		return base, nil
	}

	metric := e.metric(ctx)
	for _, tier := range d.Tiers {
		if metric >= tier.Low && metric < tier.High {
			return clampQuality(int(math.Round(float64(base) * tier.Multiplier))), nil
		}
	}
	return base, nil
}

// resolveAutosize quantizes the requested width to the directive's candidate
// list using the same snap-up rule as the edge breakpoints. The requested
// width comes from an explicit resize, a policy resize, or the viewport
// bucket, in that order.
func (e *Engine) resolveAutosize(d model.OutputDirective, ctx model.RequestContext, eval *Evaluation) {
	requested := 0
	resizeIdx := findOperation(eval.Operations, model.OpResize)
	if resizeIdx >= 0 {
		requested = intParam(eval.Operations[resizeIdx].Params, "width")
	}
	if requested == 0 {
		requested = ctx.ViewportWidth
	}
	if requested == 0 || len(d.Widths) == 0 {
		return
	}

	snapped := d.Widths[len(d.Widths)-1]
	for _, w := range d.Widths {
		if requested <= w {
			snapped = w
			break
		}
	}

	if resizeIdx >= 0 {
		// An explicit request width still goes through the quantizer: the
		// directive exists to keep output sizes discrete and cache-friendly.
		params := make(map[string]any, len(eval.Operations[resizeIdx].Params)+1)
		for k, v := range eval.Operations[resizeIdx].Params {
			params[k] = v
		}
		params["width"] = snapped
		eval.Operations[resizeIdx].Params = params
		return
	}
	eval.Output.Width = snapped
}

// conditionApplies evaluates the closed condition grammar: field equals value
// or field in set. Steps without a condition always apply; an absent context
// field never matches.
func conditionApplies(cond *model.Condition, ctx model.RequestContext) bool {
	if cond == nil {
		return true
	}
	got, ok := ctx.Field(cond.Field)
	if !ok {
		return false
	}
	if len(cond.Values) > 0 {
		for _, v := range cond.Values {
			if got == v {
				return true
			}
		}
		return false
	}
	return got == cond.Value
}

// parseQueryOperations turns recognized query parameters into explicit
// operations, preserving a stable order so evaluation stays deterministic.
func parseQueryOperations(query map[string]string) ([]ResolvedOperation, error) {
	var ops []ResolvedOperation

	if w, h := query["width"], query["height"]; w != "" || h != "" {
		params := map[string]any{}
		if w != "" {
			n, err := parsePositiveInt("width", w)
			if err != nil {
				return nil, err
			}
			params["width"] = n
		}
		if h != "" {
			n, err := parsePositiveInt("height", h)
			if err != nil {
				return nil, err
			}
			params["height"] = n
		}
		if fit := query["fit"]; fit != "" {
			params["fit"] = fit
		}
		ops = append(ops, ResolvedOperation{Operation: model.OpResize, Params: params})
	}

	if v := query["rotate"]; v != "" {
		deg, err := strconv.Atoi(v)
		if err != nil {
			return nil, errordefs.Newf(errordefs.IMG_BAD_REQUEST, "rotate must be an integer, got %q", v)
		}
		ops = append(ops, ResolvedOperation{Operation: model.OpRotate, Params: map[string]any{"degrees": deg}})
	}

	if v := query["blur"]; v != "" {
		sigma, err := strconv.ParseFloat(v, 64)
		if err != nil || sigma <= 0 {
			return nil, errordefs.Newf(errordefs.IMG_BAD_REQUEST, "blur must be a positive number, got %q", v)
		}
		ops = append(ops, ResolvedOperation{Operation: model.OpBlur, Params: map[string]any{"sigma": sigma}})
	}

	if v := query["sharpen"]; v != "" {
		sigma, err := strconv.ParseFloat(v, 64)
		if err != nil || sigma <= 0 {
			return nil, errordefs.Newf(errordefs.IMG_BAD_REQUEST, "sharpen must be a positive number, got %q", v)
		}
		ops = append(ops, ResolvedOperation{Operation: model.OpSharpen, Params: map[string]any{"sigma": sigma}})
	}

	if isTruthy(query["grayscale"]) {
		ops = append(ops, ResolvedOperation{Operation: model.OpGrayscale})
	}
	if isTruthy(query["flip"]) {
		ops = append(ops, ResolvedOperation{Operation: model.OpFlip})
	}
	if isTruthy(query["flop"]) {
		ops = append(ops, ResolvedOperation{Operation: model.OpFlop})
	}

	if v := query["crop"]; v != "" {
		region, err := parseRegion(v)
		if err != nil {
			return nil, err
		}
		ops = append(ops, ResolvedOperation{Operation: model.OpExtract, Params: region})
	}

	return ops, nil
}

// parseRegion parses a "left,top,width,height" crop expression.
func parseRegion(v string) (map[string]any, error) {
	var left, top, width, height int
	n, err := fmt.Sscanf(v, "%d,%d,%d,%d", &left, &top, &width, &height)
	if err != nil || n != 4 || width <= 0 || height <= 0 || left < 0 || top < 0 {
		return nil, errordefs.Newf(errordefs.IMG_BAD_REQUEST, "crop must be left,top,width,height with positive dimensions, got %q", v)
	}
	return map[string]any{"left": left, "top": top, "width": width, "height": height}, nil
}

func parsePositiveInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errordefs.Newf(errordefs.IMG_BAD_REQUEST, "%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

func isTruthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func findOperation(ops []ResolvedOperation, op model.Operation) int {
	for i := range ops {
		if ops[i].Operation == op {
			return i
		}
	}
	return -1
}

// intParam reads an integer parameter that may have arrived as JSON float64
// or a native int.
func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
