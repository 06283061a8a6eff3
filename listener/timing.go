package listener

import (
	"time"

	"github.com/stkai/stkai-go/core"
)

const startedAtKey = "stkai.started_at"

// TimingListener measures wall time from before-execute to after-execute
// using the per-call context map, and reports each completed call to an
// optional callback. The client assembly does not attach one of these.
type TimingListener struct {
	Base
	clock  core.Clock
	record func(req *core.Request, resp *core.Response, elapsed time.Duration)
}

// NewTimingListener creates a timing listener; record may be nil
func NewTimingListener(clock core.Clock, record func(req *core.Request, resp *core.Response, elapsed time.Duration)) *TimingListener {
	if clock == nil {
		clock = core.RealClock()
	}
	return &TimingListener{clock: clock, record: record}
}

func (t *TimingListener) OnBeforeExecute(req *core.Request, ctxMap map[string]interface{}) {
	ctxMap[startedAtKey] = t.clock.Now()
}

func (t *TimingListener) OnAfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{}) {
	started, ok := ctxMap[startedAtKey].(time.Time)
	if !ok {
		return
	}
	elapsed := t.clock.Now().Sub(started)
	ctxMap["stkai.elapsed"] = elapsed
	if t.record != nil {
		t.record(req, resp, elapsed)
	}
}
