package audit

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"

	"sdnlab/internal/errdefs"
)

const (
	ctxEventKey ctxKey = iota
)

// Middleware writes one event per request. Handlers refine the event
// through SetAction, SetTarget and SetError.
func Middleware(l Logger, component string, node string) func(http.Handler) http.Handler {
	if component == "" {
		component = "sdnlab"
	}
	index := make(map[string]Rule, len(rules))
	for _, ru := range rules {
		key := ru.Method + " " + ru.Pattern
		index[key] = ru
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			ev := NewEvent(component, node)
			ev.CorrelationId = middleware.GetReqID(r.Context())
			ev.Actor = Actor{
				Channel: "api",
				PeerIp:  peerIp(r),
			}
			ev.Request = Request{
				Method: r.Method,
				Path:   r.URL.Path,
				Host:   r.Host,
			}

			ctx := context.WithValue(r.Context(), ctxEventKey, &ev)
			r = r.WithContext(ctx)

			next.ServeHTTP(ww, r)

			pattern := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				pattern = rctx.RoutePattern()
			}
			key := r.Method + " " + pattern
			if ev.Action == "" {
				if ru, ok := index[key]; ok {
					ev.Action = ru.Action
					ev.Severity = Severity[ru.Severity]
				} else {
					ev.Action = "unknown"
					ev.Severity = Severity[SEV_LOW]
				}
			} else {
				ev.Severity = Severity[severityForAction(ev.Action)]
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			ev.Result.Code = status
			ev.Result.Bytes = ww.BytesWritten()
			ev.Result.LatencyMs = time.Since(start).Milliseconds()

			switch {
			case status >= 200 && status < 400:
				ev.Result.Status = "allow"
			case status == http.StatusBadRequest || status == http.StatusConflict:
				ev.Result.Status = "deny"
				ev.Severity = bump(ev.Severity)
			default:
				ev.Result.Status = "error"
				ev.Severity = bump(ev.Severity)
			}

			l.Write(ev)
		}
		return http.HandlerFunc(fn)
	}
}

func FromContext(ctx context.Context) *Event {
	ev, _ := ctx.Value(ctxEventKey).(*Event)
	return ev
}

func SetAction(ctx context.Context, action string) {
	if ev := FromContext(ctx); ev != nil {
		ev.Action = action
	}
}

func SetTarget(ctx context.Context, target Target) {
	if ev := FromContext(ctx); ev != nil {
		ev.Target = target
	}
}

// SetError records the error class and message on the request event.
func SetError(ctx context.Context, err error) {
	if ev := FromContext(ctx); ev != nil && err != nil {
		ev.Result.Class = errdefs.Class(err)
		ev.Result.Reason = err.Error()
	}
}

func PutExtra(ctx context.Context, k string, v any) {
	if ev := FromContext(ctx); ev != nil {
		if ev.Extra == nil {
			ev.Extra = map[string]any{}
		}
		ev.Extra[k] = v
	}
}

func peerIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
