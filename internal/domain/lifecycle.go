package domain

import (
	"strings"
	"time"
)

type Operation string

const (
	OpStart    Operation = "start"
	OpPause    Operation = "pause"
	OpContinue Operation = "continue"
	OpClose    Operation = "close"
)

// Policy toggles the two behaviors where the lifecycle deliberately departs
// from the legacy service.
type Policy struct {
	// ReopenClosed lets Start move a CLOSED demand back to IN_PROGRESS.
	ReopenClosed bool
	// LegacyDoubleCount makes Close on a PAUSED demand re-add the interval
	// that Pause already accounted for.
	LegacyDoubleCount bool
}

type effect int

const (
	effectNone   effect = iota // keep everything as is
	effectBegin                // open a new active interval
	effectAccrue               // end the active interval and add it to the total
	effectSettle               // close without an active interval
)

type rule struct {
	to     Status
	effect effect
}

// transitions enumerates every legal (status, operation) pair. A missing
// entry is an illegal transition.
var transitions = map[Status]map[Operation]rule{
	StatusOpen: {
		OpStart:    {to: StatusInProgress, effect: effectBegin},
		OpPause:    {to: StatusPaused, effect: effectAccrue},
		OpContinue: {to: StatusInProgress, effect: effectBegin},
		OpClose:    {to: StatusClosed, effect: effectAccrue},
	},
	StatusInProgress: {
		OpStart:    {to: StatusInProgress, effect: effectNone},
		OpPause:    {to: StatusPaused, effect: effectAccrue},
		OpContinue: {to: StatusInProgress, effect: effectNone},
		OpClose:    {to: StatusClosed, effect: effectAccrue},
	},
	StatusPaused: {
		OpStart:    {to: StatusInProgress, effect: effectBegin},
		OpPause:    {to: StatusPaused, effect: effectNone},
		OpContinue: {to: StatusInProgress, effect: effectBegin},
		OpClose:    {to: StatusClosed, effect: effectSettle},
	},
	StatusClosed: {
		OpClose: {to: StatusClosed, effect: effectNone},
	},
}

// Step is a planned transition. It is produced by Plan and applied with Apply.
type Step struct {
	Op     Operation
	From   Status
	To     Status
	effect effect
}

// Noop reports whether applying the step leaves the demand untouched.
func (s Step) Noop() bool {
	return s.effect == effectNone
}

// Plan decides whether op is legal from status. It has no side effects.
func Plan(from Status, op Operation, p Policy) (Step, error) {
	if from == StatusClosed && op == OpStart && p.ReopenClosed {
		return Step{Op: op, From: from, To: StatusInProgress, effect: effectBegin}, nil
	}
	r, ok := transitions[from][op]
	if !ok {
		return Step{}, &TransitionError{From: from, Op: op}
	}
	return Step{Op: op, From: from, To: r.to, effect: r.effect}, nil
}

// Apply mutates d as of now and returns the seconds added to the total.
func (s Step) Apply(d *Demand, now time.Time, p Policy) int64 {
	var added int64
	switch s.effect {
	case effectNone:
		return 0
	case effectBegin:
		t := now
		d.CycleStartTime = &t
		d.PauseTime = nil
		d.Accruing = true
	case effectAccrue:
		if d.Accruing {
			t := now
			d.PauseTime = &t
			added = elapsedSeconds(d.CycleStartTime, t)
		}
		d.Accruing = false
	case effectSettle:
		if p.LegacyDoubleCount && d.PauseTime != nil {
			added = elapsedSeconds(d.CycleStartTime, *d.PauseTime)
		}
		d.Accruing = false
	}
	d.TotalDurationSeconds += added
	d.Status = s.To
	return added
}

// ElapsedSeconds is the accumulated total plus the running interval, if any.
func (d Demand) ElapsedSeconds(now time.Time) int64 {
	if !d.Accruing {
		return d.TotalDurationSeconds
	}
	return d.TotalDurationSeconds + elapsedSeconds(d.CycleStartTime, now)
}

// SetTimerRange overwrites the accumulated total with end-start. Status is left
// untouched. A running clock stops at end, so the next Pause or Close adds
// nothing and Continue starts a fresh interval.
func SetTimerRange(d *Demand, start, end time.Time) error {
	if end.Before(start) {
		return &ValidationError{Field: "end_time", Reason: "must not be before start_time"}
	}
	s, e := start, end
	d.CycleStartTime = &s
	d.CompletionTime = &e
	d.TotalDurationSeconds = int64(e.Sub(s) / time.Second)
	if d.Accruing {
		stop := end
		d.PauseTime = &stop
		d.Accruing = false
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts RFC 3339 or an ISO local date-time, read as UTC.
func ParseTimestamp(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: field, Reason: "is required"}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: field, Reason: "is not a valid timestamp"}
}

func elapsedSeconds(start *time.Time, end time.Time) int64 {
	if start == nil || end.Before(*start) {
		return 0
	}
	return int64(end.Sub(*start) / time.Second)
}
