// Package handler implements the per-call result-processing pipeline that
// runs after a call reaches its success outcome. Handlers compose in a
// linear chain; each handler's output becomes the Previous input of the
// next, and the final output lands in the response envelope's Result.
package handler

import (
	"fmt"

	"github.com/stkai/stkai-go/core"
)

// Context is the input to a handler invocation
type Context struct {
	// RawResult is the uninterpreted platform result field
	RawResult interface{}

	// RawResponse is the entire decoded terminal response body
	RawResponse map[string]interface{}

	// Request is the originating request
	Request *core.Request

	// Previous is the preceding handler's output (the raw result for the
	// first handler in the chain)
	Previous interface{}

	// Handled is true once at least one handler has run
	Handled bool
}

// Handler transforms a result. Implementations must be safe for concurrent
// invocation when used with the batch executor.
type Handler interface {
	Handle(ctx *Context) (interface{}, error)
}

// Func adapts a function to the Handler interface
type Func func(ctx *Context) (interface{}, error)

func (f Func) Handle(ctx *Context) (interface{}, error) {
	return f(ctx)
}

// Pipeline is a linear chain of handlers
type Pipeline struct {
	handlers []Handler
	logger   core.Logger
}

// NewPipeline composes handlers in invocation order
func NewPipeline(handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers, logger: core.NoOpLogger{}}
}

// WithLogger attaches a logger
func (p *Pipeline) WithLogger(logger core.Logger) *Pipeline {
	p.logger = logger
	return p
}

// Empty reports whether the pipeline has no handlers
func (p *Pipeline) Empty() bool {
	return len(p.handlers) == 0
}

// Run feeds the raw result through the chain. Any handler error or panic is
// wrapped into the single handler-failure kind, which the protocol layers
// convert into an ERROR outcome.
func (p *Pipeline) Run(req *core.Request, rawResult interface{}, rawResponse map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &core.Error{Op: "handler.Run", Kind: core.ErrHandlerFailure,
				Err: fmt.Errorf("panic in handler: %v", r)}
		}
	}()

	out = rawResult
	handled := false
	for i, h := range p.handlers {
		hctx := &Context{
			RawResult:   rawResult,
			RawResponse: rawResponse,
			Request:     req,
			Previous:    out,
			Handled:     handled,
		}
		out, err = h.Handle(hctx)
		if err != nil {
			p.logger.Debug("handler failed", map[string]interface{}{
				"handler_index": i,
				"error":         err.Error(),
			})
			return nil, &core.Error{Op: "handler.Run", Kind: core.ErrHandlerFailure, Err: err}
		}
		handled = true
	}
	return out, nil
}
