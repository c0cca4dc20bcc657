package analysis

import (
	"testing"
	"time"

	"stressmonitor/protocol"
	"stressmonitor/state"
)

func TestSummarize(t *testing.T) {
	samples := []protocol.ProgressSample{
		{Calls: 100, CPU: 40, Memory: "30%", BwTx: 800, ActiveCalls: 10},
		{Calls: 300, CPU: 92.5, Memory: " 61.5% ", BwTx: 2000, ActiveCalls: 40},
		{Calls: 250, CPU: 70, Memory: "garbage", BwTx: 3000, ActiveCalls: 50},
	}
	s := Summarize(protocol.SystemAsterisk, samples)
	if s.Samples != 3 || s.MaxCalls != 300 || s.MaxCPU != 92.5 || s.MaxMemory != 61.5 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.AvgBandwidthPerCall != 60 {
		t.Errorf("expected last-sample bandwidth per call 60, got %v", s.AvgBandwidthPerCall)
	}
}

func TestSummarizeEmptyAndIdle(t *testing.T) {
	if s := Summarize(protocol.SystemFreeSWITCH, nil); s.Samples != 0 || s.AvgBandwidthPerCall != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	idle := []protocol.ProgressSample{{BwTx: 500, ActiveCalls: 0}}
	if s := Summarize(protocol.SystemFreeSWITCH, idle); s.AvgBandwidthPerCall != 0 {
		t.Errorf("zero active calls must not divide, got %v", s.AvgBandwidthPerCall)
	}
}

func TestParsePercent(t *testing.T) {
	cases := map[string]float64{"42%": 42, "42.5": 42.5, "": 0, "n/a%": 0}
	for in, want := range cases {
		if got := ParsePercent(in); got != want {
			t.Errorf("ParsePercent(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTableBest(t *testing.T) {
	rows := Table(map[string]protocol.SystemSummary{
		protocol.SystemAsterisk:   {Samples: 5, MaxCalls: 400, MaxCPU: 90, MaxMemory: 50},
		protocol.SystemFreeSWITCH: {Samples: 3, MaxCalls: 400, MaxCPU: 80, MaxMemory: 60},
	})
	best := map[string]string{}
	for _, r := range rows {
		best[r.Metric] = r.Best
	}
	if best["samples"] != protocol.SystemAsterisk {
		t.Errorf("more samples should win, got %q", best["samples"])
	}
	if best["max_calls"] != "" {
		t.Errorf("equal values have no best, got %q", best["max_calls"])
	}
	if best["max_cpu"] != protocol.SystemFreeSWITCH || best["max_memory"] != protocol.SystemAsterisk {
		t.Errorf("lower usage should win, got %v", best)
	}
}

func TestRunDuration(t *testing.T) {
	r := state.NewResults()
	r[protocol.SystemAsterisk] = []protocol.ProgressSample{
		{Timestamp: "2024-05-01 10:00:00"},
		{Timestamp: "2024-05-01 10:02:30"},
	}
	r[protocol.SystemFreeSWITCH] = []protocol.ProgressSample{{Timestamp: "2024-05-01T10:03:00Z"}}
	if d := RunDuration(r, time.Time{}, time.Now()); d != 3*time.Minute {
		t.Errorf("expected 3m, got %v", d)
	}

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	opaque := state.NewResults()
	opaque[protocol.SystemAsterisk] = []protocol.ProgressSample{{Timestamp: "step-1"}}
	if d := RunDuration(opaque, started, started.Add(90*time.Second)); d != 90*time.Second {
		t.Errorf("expected fallback to run start, got %v", d)
	}
	if d := RunDuration(opaque, time.Time{}, time.Now()); d != 0 {
		t.Errorf("expected zero without timestamps or start, got %v", d)
	}
}
