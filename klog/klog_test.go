package klog

import (
	"bytes"
	"testing"
	"time"
)

func TestDistinctCallerFirstThenRepeat(t *testing.T) {
	dc := &DistinctCaller{Enabled: true}

	warn := func() (bool, string) {
		return dc.Distinct()
	}

	first, trace := warn()
	if !first {
		t.Fatal("first call from a new chain should be distinct")
	}
	if trace == "" {
		t.Fatal("expected a non-empty stack trace on first sighting")
	}

	second, _ := warn()
	if second {
		t.Fatal("repeated call from the same chain should not be distinct")
	}
}

func TestDistinctCallerDisabled(t *testing.T) {
	dc := &DistinctCaller{}
	if d, _ := dc.Distinct(); d {
		t.Fatal("disabled DistinctCaller must never report distinct")
	}
}

func TestSummaryFormatsCounts(t *testing.T) {
	s := Summary(Counters{
		FramesTotal: 1000000, FramesFree: 999000,
		TasksTotal: 3, TasksReady: 2, TasksBlocked: 1,
		PortsTotal: 4, MessagesQueued: 0,
	})
	if s == "" {
		t.Fatal("expected non-empty summary")
	}
}

func TestProfileCountersWrites(t *testing.T) {
	var buf bytes.Buffer
	c := Counters{FramesTotal: 10, FramesFree: 5, TasksTotal: 1, TasksReady: 1}
	if err := ProfileCounters(&buf, c, time.Unix(0, 0)); err != nil {
		t.Fatalf("ProfileCounters: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty profile output")
	}
}
