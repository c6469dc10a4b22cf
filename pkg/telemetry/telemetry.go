// Package telemetry provides minimal, low-overhead request timing. By
// default only slow requests are logged; full span traces are recorded for
// a small sample of requests (or when forced via X-Debug-Telemetry).
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"talkd/pkg/logger"
)

type ctxKeyType struct{}

var (
	requestCtr    uint64
	spanCtr       uint64
	sampleRate    = 0.001
	slowThreshold = 200 * time.Millisecond
)

// Span is a completed operation relative to request start (milliseconds).
type Span struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Op       string `json:"op"`
	StartMs  int64  `json:"start_ms"`
	Duration int64  `json:"duration_ms"`
}

type trace struct {
	requestID string
	startTime time.Time

	mu        sync.Mutex
	spans     []Span
	spanStack []string
}

// Middleware records request timing. Sampled requests get their span tree
// logged; everything else only produces a record when it crosses the slow
// threshold.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := genRequestID()

		var t *trace
		if shouldSample(r) {
			t = &trace{requestID: reqID, startTime: start}
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyType{}, t))
		}

		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		if t != nil {
			t.mu.Lock()
			spans := t.spans
			t.mu.Unlock()
			logger.Info("request_trace",
				"request_id", reqID,
				"path", r.URL.Path,
				"duration_ms", dur.Milliseconds(),
				"status", srw.status,
				"spans", spans,
			)
			return
		}
		if dur > slowThreshold {
			logger.Warn("slow_request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", dur.Milliseconds(),
				"status", srw.status,
			)
		}
	})
}

// StartSpan returns an end function. When the request is not sampled the
// returned function is a no-op.
func StartSpan(ctx context.Context, name string) func() {
	t, ok := ctx.Value(ctxKeyType{}).(*trace)
	if !ok {
		return func() {}
	}
	startRel := time.Since(t.startTime).Milliseconds()
	id := genSpanID()

	t.mu.Lock()
	parent := ""
	if len(t.spanStack) > 0 {
		parent = t.spanStack[len(t.spanStack)-1]
	}
	t.spans = append(t.spans, Span{ID: id, ParentID: parent, Op: name, StartMs: startRel})
	t.spanStack = append(t.spanStack, id)
	idx := len(t.spans) - 1
	t.mu.Unlock()

	return func() {
		endRel := time.Since(t.startTime).Milliseconds()
		t.mu.Lock()
		if idx < len(t.spans) {
			t.spans[idx].Duration = endRel - t.spans[idx].StartMs
		}
		if len(t.spanStack) > 0 {
			t.spanStack = t.spanStack[:len(t.spanStack)-1]
		}
		t.mu.Unlock()
	}
}

// SetSampleRate sets the approximate rate of fully traced requests (0..1).
func SetSampleRate(r float64) {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	sampleRate = r
}

// SetSlowThreshold sets the duration above which non-sampled requests are logged.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slowThreshold = d
	}
}

func shouldSample(r *http.Request) bool {
	if r.Header.Get("X-Debug-Telemetry") == "1" {
		return true
	}
	if sampleRate <= 0 {
		return false
	}
	denom := int64(1 / sampleRate)
	if denom <= 1 {
		return true
	}
	n := int64(atomic.AddUint64(&requestCtr, 1))
	return n%denom == 0
}

func genRequestID() string {
	n := atomic.AddUint64(&requestCtr, 1)
	return "r-" + time.Now().Format("20060102T150405") + "-" + fmtUint64(n)
}

func genSpanID() string {
	return "s-" + fmtUint64(atomic.AddUint64(&spanCtr, 1))
}

func fmtUint64(v uint64) string {
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 20)
	for v > 0 {
		buf = append(buf, byte('0')+byte(v%10))
		v /= 10
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
