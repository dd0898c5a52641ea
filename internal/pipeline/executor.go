// internal/pipeline/executor.go
// Package pipeline executes a resolved transformation plan against a fetched
// source image. The executor owns the closed operation set: every variant the
// configuration schema admits is dispatched here, and anything outside the
// set fails the request instead of being silently skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/metrics"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
	"github.com/pixelgate/pixelgate-serve-go/internal/origin"
	"github.com/pixelgate/pixelgate-serve-go/internal/policy"
)

// Image is an opaque decoded image handle owned by a Processor.
type Image interface{}

// Processor is the codec capability boundary. The executor drives it through
// decode, a sequence of operations, and a single terminal encode; the
// processor owns pixel formats, codec selection, and memory.
type Processor interface {
	Decode(ctx context.Context, data []byte) (Image, error)
	Apply(ctx context.Context, img Image, op model.Operation, params map[string]any) (Image, error)
	// Encode renders the handle once. format "" keeps the source format;
	// quality 0 uses the encoder default. Returns the bytes and content type.
	Encode(ctx context.Context, img Image, format model.Format, quality int) ([]byte, string, error)
}

// defaultProcessor is the process-wide processor registered at link time.
// Deployments plug in a codec-backed implementation from their build; the
// service itself ships only the capability boundary.
var defaultProcessor Processor

// RegisterProcessor installs the process-wide processor. Call before the
// executor is constructed, typically from an init function in the build's
// codec package.
func RegisterProcessor(p Processor) {
	defaultProcessor = p
}

// DefaultProcessor returns the registered processor, nil when none is linked.
func DefaultProcessor() Processor {
	return defaultProcessor
}

// Rendered is the executed result ready to serve.
type Rendered struct {
	Body         []byte
	ContentType  string
	CacheControl string // Origin's cache-control, propagated for precedence resolution upstream
}

// Executor runs transformation plans.
type Executor struct {
	fetcher   origin.Fetcher
	processor Processor
	deadline  time.Duration
}

// New creates an executor. deadline bounds a full fetch-transform-encode run;
// zero disables the bound.
func New(fetcher origin.Fetcher, processor Processor, deadline time.Duration) *Executor {
	return &Executor{fetcher: fetcher, processor: processor, deadline: deadline}
}

// Execute fetches the source and applies the evaluated plan. A plan with no
// operations and no output changes passes the source bytes through untouched.
func (e *Executor) Execute(ctx context.Context, o model.Origin, key string, eval *policy.Evaluation) (*Rendered, error) {
	if e.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deadline)
		defer cancel()
	}

	src, err := e.fetcher.Fetch(ctx, o, key)
	if err != nil {
		return nil, err
	}

	if isPassthrough(eval) {
		return &Rendered{
			Body:         src.Body,
			ContentType:  src.ContentType,
			CacheControl: src.CacheControl,
		}, nil
	}

	if e.processor == nil {
		return nil, errordefs.New(errordefs.IMG_UNSUPPORTED_OPERATION, "no image processor configured")
	}

	img, err := e.processor.Decode(ctx, src.Body)
	if err != nil {
		return nil, e.pipelineError(ctx, fmt.Errorf("decoding source %q: %w", key, err))
	}

	for _, op := range eval.Operations {
		img, err = e.apply(ctx, img, op)
		if err != nil {
			return nil, err
		}
	}

	// An autosize width with no resize in the plan becomes a final resize.
	if eval.Output.Width > 0 {
		img, err = e.apply(ctx, img, policy.ResolvedOperation{
			Operation: model.OpResize,
			Params:    map[string]any{"width": eval.Output.Width},
		})
		if err != nil {
			return nil, err
		}
	}

	body, contentType, err := e.processor.Encode(ctx, img, eval.Output.Format, eval.Output.Quality)
	if err != nil {
		return nil, e.pipelineError(ctx, fmt.Errorf("encoding %q: %w", key, err))
	}

	return &Rendered{
		Body:         body,
		ContentType:  contentType,
		CacheControl: src.CacheControl,
	}, nil
}

// apply dispatches one operation. The switch is exhaustive over the operation
// set on purpose: an operation the executor does not know is a hard failure,
// because skipping it would serve an image the configuration did not describe.
func (e *Executor) apply(ctx context.Context, img Image, op policy.ResolvedOperation) (Image, error) {
	switch op.Operation {
	case model.OpResize, model.OpRotate, model.OpFlip, model.OpFlop,
		model.OpBlur, model.OpSharpen, model.OpGrayscale, model.OpTint,
		model.OpSmartCrop, model.OpExtract, model.OpConvolve,
		model.OpOverlay, model.OpStrip, model.OpAnimated:
		out, err := e.processor.Apply(ctx, img, op.Operation, op.Params)
		if err != nil {
			metrics.NewMetrics().PipelineOperationTotal.WithLabelValues(string(op.Operation), "error").Inc()
			return nil, e.pipelineError(ctx, fmt.Errorf("applying %s: %w", op.Operation, err))
		}
		metrics.NewMetrics().PipelineOperationTotal.WithLabelValues(string(op.Operation), "ok").Inc()
		return out, nil
	default:
		return nil, errordefs.Newf(errordefs.IMG_UNSUPPORTED_OPERATION, "unsupported operation %q", op.Operation)
	}
}

// pipelineError classifies a processor failure, distinguishing deadline
// expiry from codec errors.
func (e *Executor) pipelineError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errordefs.Newf(errordefs.IMG_TIMEOUT, "transformation exceeded the request deadline")
	}
	var typed *errordefs.Error
	if errors.As(err, &typed) {
		return typed
	}
	return errordefs.Newf(errordefs.IMG_INVALID_OPERATION, "%v", err)
}

// isPassthrough reports whether the plan leaves the source untouched.
func isPassthrough(eval *policy.Evaluation) bool {
	return eval == nil ||
		(len(eval.Operations) == 0 &&
			eval.Output.Format == "" &&
			eval.Output.Quality == 0 &&
			eval.Output.Width == 0)
}
