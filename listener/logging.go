package listener

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stkai/stkai-go/core"
)

// LoggingListener appends one JSON line per lifecycle event, suitable for
// auditing every call the SDK makes
type LoggingListener struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLoggingListener writes events to out
func NewLoggingListener(out io.Writer) *LoggingListener {
	return &LoggingListener{out: out}
}

// NewFileLoggingListener writes events to a size-rotated file
func NewFileLoggingListener(path string) *LoggingListener {
	return NewLoggingListener(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	})
}

func (l *LoggingListener) write(event string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["time"] = time.Now().Format(time.RFC3339Nano)
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}

func (l *LoggingListener) OnBeforeExecute(req *core.Request, ctxMap map[string]interface{}) {
	l.write("before_execute", map[string]interface{}{
		"request_id": req.ID,
	})
}

func (l *LoggingListener) OnStatusChange(req *core.Request, oldStatus, newStatus core.ExecutionStatus, ctxMap map[string]interface{}) {
	l.write("status_change", map[string]interface{}{
		"request_id":   req.ID,
		"execution_id": req.ExecutionID,
		"from":         string(oldStatus),
		"to":           string(newStatus),
	})
}

func (l *LoggingListener) OnAfterExecute(req *core.Request, resp *core.Response, ctxMap map[string]interface{}) {
	fields := map[string]interface{}{
		"request_id": req.ID,
		"status":     string(resp.Status),
	}
	if resp.Error != "" {
		fields["error"] = resp.Error
	}
	l.write("after_execute", fields)
}
