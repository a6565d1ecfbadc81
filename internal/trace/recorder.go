package trace

import (
	"sync"
	"time"
)

// Recorder builds the spans of one trace: children as they happen and the
// root last.
type Recorder struct {
	sender  Sender
	now     func() time.Time
	traceID string
	rootID  string
	start   time.Time

	mu   sync.Mutex
	last time.Time
}

func NewRecorder(sender Sender, traceID string, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Recorder{
		sender:  sender,
		now:     now,
		traceID: traceID,
		rootID:  NewSpanID(),
		start:   start,
		last:    start,
	}
}

func (r *Recorder) TraceID() string {
	return r.traceID
}

// Step emits a child span covering the time since the previous step.
func (r *Recorder) Step(name string, attrs map[string]any, failed bool) Span {
	r.mu.Lock()
	start := r.last
	end := r.now()
	r.last = end
	r.mu.Unlock()

	span := Span{
		TraceID:    r.traceID,
		SpanID:     NewSpanID(),
		ParentID:   r.rootID,
		Name:       name,
		Start:      start,
		End:        end,
		Status:     status(failed),
		Attributes: attrs,
	}
	r.send(span)
	return span
}

// Finish emits the root span covering the whole trace.
func (r *Recorder) Finish(name string, attrs map[string]any, failed bool) Span {
	span := Span{
		TraceID:    r.traceID,
		SpanID:     r.rootID,
		Name:       name,
		Start:      r.start,
		End:        r.now(),
		Status:     status(failed),
		Attributes: attrs,
	}
	r.send(span)
	return span
}

func (r *Recorder) send(span Span) {
	if r.sender != nil {
		r.sender.Emit(span)
	}
}

func status(failed bool) string {
	if failed {
		return StatusError
	}
	return StatusOK
}
