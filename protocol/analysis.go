package protocol

// SystemSummary holds the per-system statistics of one run.
type SystemSummary struct {
	SystemID            string  `json:"system_id"`
	Samples             int     `json:"samples"`
	MaxCalls            int     `json:"max_calls"`
	MaxCPU              float64 `json:"max_cpu"`
	MaxMemory           float64 `json:"max_memory"`
	AvgBandwidthPerCall float64 `json:"avg_bw_per_call"`
}

// MetricRow is one line of the side-by-side comparison table.
type MetricRow struct {
	Metric string             `json:"metric"`
	Label  string             `json:"label"`
	Values map[string]float64 `json:"values"`
	Best   string             `json:"best,omitempty"`
}

// Narrative status values.
const (
	NarrativeSuccess  = "success"
	NarrativeFallback = "fallback"
)

// Tie is reported as the winner when both systems recorded the same number of samples.
const Tie = "tie"

type AnalysisReport struct {
	RunID           uint64                   `json:"run_id"`
	Winner          string                   `json:"winner"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Duration        string                   `json:"duration"`
	Systems         map[string]SystemSummary `json:"systems"`
	Table           []MetricRow              `json:"table"`
	Narrative       string                   `json:"narrative"`
	NarrativeStatus string                   `json:"narrative_status"`
	ShowModal       bool                     `json:"show_modal"`
}
