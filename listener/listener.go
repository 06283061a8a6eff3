// Package listener implements lifecycle event dispatch around the protocol
// state machines. Listeners observe phase boundaries; they never influence
// the call, and a listener that panics is logged and swallowed so a faulty
// observer cannot corrupt the state machine.
package listener

import (
	"github.com/stkai/stkai-go/core"
)

// Listener receives lifecycle events for a single call. The context map is
// a mutable mapping the library passes through unchanged; listeners use it
// to carry per-call state between hooks. Implementations must be safe for
// concurrent invocation when the caller uses the batch executor.
type Listener interface {
	// OnBeforeExecute fires before the create call
	OnBeforeExecute(req *core.Request, ctxMap map[string]interface{})

	// OnStatusChange fires on each poll transition (quick commands only)
	OnStatusChange(req *core.Request, oldStatus, newStatus core.ExecutionStatus, ctxMap map[string]interface{})

	// OnAfterExecute fires once a terminal outcome is reached
	OnAfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{})
}

// PhasedListener adds finer-grained hooks around the two protocol phases
type PhasedListener interface {
	Listener

	OnCreateExecutionStart(req *core.Request, ctxMap map[string]interface{})
	OnCreateExecutionEnd(req *core.Request, ctxMap map[string]interface{})
	OnGetResultStart(req *core.Request, ctxMap map[string]interface{})
	OnGetResultEnd(req *core.Request, ctxMap map[string]interface{})
}

// Base is a no-op Listener for embedding, so implementations override only
// the hooks they care about
type Base struct{}

func (Base) OnBeforeExecute(req *core.Request, ctxMap map[string]interface{}) {}
func (Base) OnStatusChange(req *core.Request, oldStatus, newStatus core.ExecutionStatus, ctxMap map[string]interface{}) {
}
func (Base) OnAfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{}) {}

// Dispatcher invokes registered listeners in registration order with panic
// containment
type Dispatcher struct {
	listeners []Listener
	logger    core.Logger
}

// NewDispatcher creates a dispatcher over the given listeners
func NewDispatcher(logger core.Logger, listeners ...Listener) *Dispatcher {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Dispatcher{listeners: listeners, logger: logger}
}

// Empty reports whether any listeners are registered
func (d *Dispatcher) Empty() bool {
	return len(d.listeners) == 0
}

func (d *Dispatcher) safeInvoke(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("listener panicked, ignoring", map[string]interface{}{
				"hook":  hook,
				"panic": r,
			})
		}
	}()
	fn()
}

// BeforeExecute dispatches OnBeforeExecute
func (d *Dispatcher) BeforeExecute(req *core.Request, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		l := l
		d.safeInvoke("on_before_execute", func() { l.OnBeforeExecute(req, ctxMap) })
	}
}

// StatusChange dispatches OnStatusChange
func (d *Dispatcher) StatusChange(req *core.Request, oldStatus, newStatus core.ExecutionStatus, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		l := l
		d.safeInvoke("on_status_change", func() { l.OnStatusChange(req, oldStatus, newStatus, ctxMap) })
	}
}

// AfterExecute dispatches OnAfterExecute
func (d *Dispatcher) AfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		l := l
		d.safeInvoke("on_after_execute", func() { l.OnAfterExecute(req, resp, ctxMap) })
	}
}

// CreateExecutionStart dispatches the phased hook to listeners that opt in
func (d *Dispatcher) CreateExecutionStart(req *core.Request, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		if pl, ok := l.(PhasedListener); ok {
			d.safeInvoke("on_create_execution_start", func() { pl.OnCreateExecutionStart(req, ctxMap) })
		}
	}
}

// CreateExecutionEnd dispatches the phased hook to listeners that opt in
func (d *Dispatcher) CreateExecutionEnd(req *core.Request, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		if pl, ok := l.(PhasedListener); ok {
			d.safeInvoke("on_create_execution_end", func() { pl.OnCreateExecutionEnd(req, ctxMap) })
		}
	}
}

// GetResultStart dispatches the phased hook to listeners that opt in
func (d *Dispatcher) GetResultStart(req *core.Request, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		if pl, ok := l.(PhasedListener); ok {
			d.safeInvoke("on_get_result_start", func() { pl.OnGetResultStart(req, ctxMap) })
		}
	}
}

// GetResultEnd dispatches the phased hook to listeners that opt in
func (d *Dispatcher) GetResultEnd(req *core.Request, ctxMap map[string]interface{}) {
	for _, l := range d.listeners {
		if pl, ok := l.(PhasedListener); ok {
			d.safeInvoke("on_get_result_end", func() { pl.OnGetResultEnd(req, ctxMap) })
		}
	}
}
