package audit

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdnlab/internal/errdefs"
	"sdnlab/internal/utils"
)

func NewJsonLineLogger(out io.Writer) *JsonLineLogger {
	return &JsonLineLogger{Out: out}
}

type JsonLineLogger struct {
	Out io.Writer

	mu sync.Mutex
}

func (l *JsonLineLogger) Write(event Event) {
	b, _ := json.Marshal(event)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.Out.Write(append(b, '\n'))
}

// OpenFileLogger appends events to the file at path, creating its
// directory when needed.
func OpenFileLogger(fs utils.FilesystemHandler, path string) (*JsonLineLogger, io.Closer, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return NewJsonLineLogger(f), f, nil
}

type discard struct{}

func (discard) Write(Event) {}

// Discard drops every event.
var Discard Logger = discard{}

func NewEvent(component, node string) Event {
	return Event{
		TS:       time.Now().Format(time.RFC3339Nano),
		EventId:  uuid.NewString(),
		Severity: Severity[SEV_INFO],
		Runtime: Runtime{
			Component: component,
			Node:      node,
		},
		Extra: map[string]any{},
	}
}

// CommandEvent records one console command run that started at start and
// ended with err.
func CommandEvent(component, node, action string, target Target, start time.Time, err error) Event {
	ev := NewEvent(component, node)
	ev.Actor.Channel = "console"
	ev.Action = action
	ev.Target = target
	ev.Severity = Severity[severityForAction(action)]
	ev.Result.LatencyMs = time.Since(start).Milliseconds()
	Finish(&ev, err)
	return ev
}

// Finish sets the result status of ev from err. Failures raise the
// severity one level.
func Finish(ev *Event, err error) {
	if err == nil {
		ev.Result.Status = "allow"
		return
	}
	ev.Result.Class = errdefs.Class(err)
	ev.Result.Reason = err.Error()

	var ve *errdefs.ValidationError
	if errors.As(err, &ve) {
		ev.Result.Status = "deny"
	} else {
		ev.Result.Status = "error"
	}
	ev.Severity = bump(ev.Severity)
}

func severityForAction(action string) int {
	if s, ok := actionSeverity[action]; ok {
		return s
	}
	return SEV_LOW
}

func bump(s string) string {
	switch s {
	case "information":
		return "low"
	case "low":
		return "medium"
	case "medium":
		return "high"
	case "high":
		return "critical"
	default:
		return s
	}
}
