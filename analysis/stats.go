package analysis

import (
	"strconv"
	"strings"
	"time"

	"stressmonitor/protocol"
	"stressmonitor/state"
)

// Summarize computes the statistics of one system's samples. Bandwidth per
// call comes from the last sample, the steady state just before failure.
func Summarize(systemID string, samples []protocol.ProgressSample) protocol.SystemSummary {
	out := protocol.SystemSummary{SystemID: systemID, Samples: len(samples)}
	for _, s := range samples {
		if s.Calls > out.MaxCalls {
			out.MaxCalls = s.Calls
		}
		if s.CPU > out.MaxCPU {
			out.MaxCPU = s.CPU
		}
		if m := ParsePercent(s.Memory); m > out.MaxMemory {
			out.MaxMemory = m
		}
	}
	if n := len(samples); n > 0 {
		last := samples[n-1]
		if last.ActiveCalls > 0 {
			out.AvgBandwidthPerCall = last.BwTx / float64(last.ActiveCalls)
		}
	}
	return out
}

// ParsePercent reads "42.5%" or "42.5" as 42.5. Anything unparsable is 0.
func ParsePercent(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

type metricSpec struct {
	key          string
	label        string
	higherBetter bool
	value        func(protocol.SystemSummary) float64
}

var metricSpecs = []metricSpec{
	{"samples", "Steps survived", true, func(s protocol.SystemSummary) float64 { return float64(s.Samples) }},
	{"max_calls", "Max calls", true, func(s protocol.SystemSummary) float64 { return float64(s.MaxCalls) }},
	{"max_cpu", "Max CPU %", false, func(s protocol.SystemSummary) float64 { return s.MaxCPU }},
	{"max_memory", "Max memory %", false, func(s protocol.SystemSummary) float64 { return s.MaxMemory }},
	{"avg_bw_per_call", "Bandwidth per call", false, func(s protocol.SystemSummary) float64 { return s.AvgBandwidthPerCall }},
}

// Table lays the summaries out side by side. Best is empty on equal values.
func Table(systems map[string]protocol.SystemSummary) []protocol.MetricRow {
	rows := make([]protocol.MetricRow, 0, len(metricSpecs))
	for _, m := range metricSpecs {
		row := protocol.MetricRow{Metric: m.key, Label: m.label, Values: make(map[string]float64, len(systems))}
		for _, id := range protocol.SystemIDs {
			row.Values[id] = m.value(systems[id])
		}
		a, b := row.Values[protocol.SystemAsterisk], row.Values[protocol.SystemFreeSWITCH]
		switch {
		case a == b:
		case (a > b) == m.higherBetter:
			row.Best = protocol.SystemAsterisk
		default:
			row.Best = protocol.SystemFreeSWITCH
		}
		rows = append(rows, row)
	}
	return rows
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Unix(0, int64(secs*float64(time.Second))), true
	}
	return time.Time{}, false
}

// RunDuration is the span between the earliest and latest sample
// timestamps. When fewer than two timestamps parse it falls back to the
// time since started, or zero when that is unknown.
func RunDuration(r state.Results, started, now time.Time) time.Duration {
	var first, last time.Time
	parsed := 0
	for _, samples := range r {
		for _, s := range samples {
			t, ok := parseTimestamp(s.Timestamp)
			if !ok {
				continue
			}
			if parsed == 0 || t.Before(first) {
				first = t
			}
			if parsed == 0 || t.After(last) {
				last = t
			}
			parsed++
		}
	}
	if parsed >= 2 {
		return last.Sub(first)
	}
	if !started.IsZero() && now.After(started) {
		return now.Sub(started)
	}
	return 0
}
