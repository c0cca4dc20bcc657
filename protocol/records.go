package protocol

import (
	"fmt"

	"stressmonitor/apperr"
)

// ProgressSample is one telemetry point reported by a load agent.
type ProgressSample struct {
	SystemID    string  `json:"system_id"`
	IP          string  `json:"ip"`
	Step        int     `json:"step"`
	Calls       int     `json:"calls"`
	ActiveCalls int     `json:"active_calls"`
	CPU         float64 `json:"cpu"`
	Load        string  `json:"load"`
	Memory      string  `json:"memory"`
	BwTx        float64 `json:"bw_tx"`
	BwRx        float64 `json:"bw_rx"`
	Timestamp   string  `json:"timestamp"`
}

// ExplosionEvent marks a system crossing its failure threshold.
type ExplosionEvent struct {
	SystemID    string  `json:"system_id"`
	IP          string  `json:"ip"`
	CPU         float64 `json:"cpu"`
	ActiveCalls int     `json:"active_calls"`
	Step        int     `json:"step"`
	Timestamp   string  `json:"timestamp"`
}

// SystemInfo describes the hardware and software of a system under test.
type SystemInfo struct {
	SystemID    string                 `json:"system_id"`
	IP          string                 `json:"ip,omitempty"`
	Hostname    string                 `json:"hostname,omitempty"`
	CPUModel    string                 `json:"cpu_model,omitempty"`
	CPUCores    int                    `json:"cpu_cores,omitempty"`
	MemoryTotal string                 `json:"memory_total,omitempty"`
	OS          string                 `json:"os,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// wire forms accept the legacy "test_type" field and detect missing values.
type progressWire struct {
	SystemID    string   `json:"system_id"`
	TestType    string   `json:"test_type"`
	IP          string   `json:"ip"`
	Step        *int     `json:"step"`
	Calls       int      `json:"calls"`
	ActiveCalls int      `json:"active_calls"`
	CPU         *float64 `json:"cpu"`
	Load        string   `json:"load"`
	Memory      string   `json:"memory"`
	BwTx        float64  `json:"bw_tx"`
	BwRx        float64  `json:"bw_rx"`
	Timestamp   string   `json:"timestamp"`
}

type explosionWire struct {
	SystemID    string   `json:"system_id"`
	TestType    string   `json:"test_type"`
	IP          string   `json:"ip"`
	CPU         *float64 `json:"cpu"`
	ActiveCalls int      `json:"active_calls"`
	Step        *int     `json:"step"`
	Timestamp   string   `json:"timestamp"`
}

func pickSystem(systemID, testType string) string {
	if systemID != "" {
		return systemID
	}
	return testType
}

func checkSystem(id string) error {
	if id == "" {
		return apperr.Validation("system_id required")
	}
	if !IsSystemID(id) {
		return apperr.Validation(fmt.Sprintf("unknown system_id %q", id))
	}
	return nil
}

// DecodeProgress parses and validates a progress payload.
func DecodeProgress(data []byte) (ProgressSample, error) {
	var w progressWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ProgressSample{}, apperr.Validation("invalid progress payload: " + err.Error())
	}
	s := ProgressSample{
		SystemID:    pickSystem(w.SystemID, w.TestType),
		IP:          w.IP,
		Calls:       w.Calls,
		ActiveCalls: w.ActiveCalls,
		Load:        w.Load,
		Memory:      w.Memory,
		BwTx:        w.BwTx,
		BwRx:        w.BwRx,
		Timestamp:   w.Timestamp,
	}
	if w.Step == nil {
		return s, apperr.Validation("step required")
	}
	if w.CPU == nil {
		return s, apperr.Validation("cpu required")
	}
	s.Step = *w.Step
	s.CPU = *w.CPU
	return s, s.Validate()
}

func (s ProgressSample) Validate() error {
	if err := checkSystem(s.SystemID); err != nil {
		return err
	}
	if s.Step < 0 {
		return apperr.Validation("step must not be negative")
	}
	if s.Calls < 0 || s.ActiveCalls < 0 {
		return apperr.Validation("call counters must not be negative")
	}
	if s.CPU < 0 {
		return apperr.Validation("cpu must not be negative")
	}
	if s.BwTx < 0 || s.BwRx < 0 {
		return apperr.Validation("bandwidth must not be negative")
	}
	return nil
}

// DecodeExplosion parses and validates an explosion payload.
func DecodeExplosion(data []byte) (ExplosionEvent, error) {
	var w explosionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ExplosionEvent{}, apperr.Validation("invalid explosion payload: " + err.Error())
	}
	e := ExplosionEvent{
		SystemID:    pickSystem(w.SystemID, w.TestType),
		IP:          w.IP,
		ActiveCalls: w.ActiveCalls,
		Timestamp:   w.Timestamp,
	}
	if w.CPU == nil {
		return e, apperr.Validation("cpu required")
	}
	if w.Step == nil {
		return e, apperr.Validation("step required")
	}
	e.CPU = *w.CPU
	e.Step = *w.Step
	return e, e.Validate()
}

func (e ExplosionEvent) Validate() error {
	if err := checkSystem(e.SystemID); err != nil {
		return err
	}
	if e.Step < 0 || e.ActiveCalls < 0 || e.CPU < 0 {
		return apperr.Validation("explosion counters must not be negative")
	}
	return nil
}

// DecodeSystemInfo parses and validates a system info payload.
func DecodeSystemInfo(data []byte) (SystemInfo, error) {
	var w struct {
		SystemInfo
		TestType string `json:"test_type"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return SystemInfo{}, apperr.Validation("invalid system_info payload: " + err.Error())
	}
	info := w.SystemInfo
	info.SystemID = pickSystem(info.SystemID, w.TestType)
	return info, checkSystem(info.SystemID)
}
