package klog

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// ProfileCounters serializes a Counters snapshot as a pprof profile so the
// simulated kernel's internal state can be inspected with standard pprof
// tooling. This is the profiling hook the teacher reserved device number
// D_PROF for but never wired up.
func ProfileCounters(w io.Writer, c Counters, at time.Time) error {
	valueType := &profile.ValueType{Type: "count", Unit: "count"}

	sampleType := []*profile.ValueType{valueType}

	mkSample := func(label string, value int64) *profile.Sample {
		fn := &profile.Function{ID: uint64(len(label)) + 1, Name: label}
		loc := &profile.Location{ID: fn.ID, Line: []profile.Line{{Function: fn}}}
		return &profile.Sample{Location: []*profile.Location{loc}, Value: []int64{value}}
	}

	samples := []*profile.Sample{
		mkSample("frames_total", c.FramesTotal),
		mkSample("frames_free", c.FramesFree),
		mkSample("tasks_total", c.TasksTotal),
		mkSample("tasks_ready", c.TasksReady),
		mkSample("tasks_blocked", c.TasksBlocked),
		mkSample("ports_total", c.PortsTotal),
		mkSample("messages_queued", c.MessagesQueued),
	}

	funcs := make([]*profile.Function, 0, len(samples))
	locs := make([]*profile.Location, 0, len(samples))
	for _, s := range samples {
		for _, l := range s.Location {
			locs = append(locs, l)
			funcs = append(funcs, l.Line[0].Function)
		}
	}

	p := &profile.Profile{
		SampleType:    sampleType,
		Sample:        samples,
		Function:      funcs,
		Location:      locs,
		TimeNanos:     at.UnixNano(),
		DurationNanos: 0,
	}

	return p.Write(w)
}
