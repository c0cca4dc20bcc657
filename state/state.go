// Package state holds the mutable record of a comparative test run.
//
// Nothing here is safe for concurrent use. The lifecycle engine owns a
// Store and is its only writer; every other reader gets a copy from
// Store.Snapshot.
package state

import (
	"time"

	"stressmonitor/protocol"
)

// TestState is the progress record of one system under test.
// Exploded is true iff ExplosionData is set.
type TestState struct {
	MaxCPULoad    float64                   `json:"max_cpu_load"`
	Exploded      bool                      `json:"exploded"`
	Steps         []protocol.ProgressSample `json:"steps"`
	ExplosionData *protocol.ExplosionEvent  `json:"explosion_data"`
	SystemInfo    *protocol.SystemInfo      `json:"system_info"`
}

func NewTestState(maxCPULoad float64) *TestState {
	return &TestState{MaxCPULoad: maxCPULoad, Steps: []protocol.ProgressSample{}}
}

// Reset returns the state to its defaults, keeping MaxCPULoad.
func (s *TestState) Reset() {
	*s = TestState{MaxCPULoad: s.MaxCPULoad, Steps: []protocol.ProgressSample{}}
}

// Explode records e. It reports false, leaving the state untouched, when
// the system has already exploded.
func (s *TestState) Explode(e protocol.ExplosionEvent) bool {
	if s.Exploded {
		return false
	}
	s.Exploded = true
	s.ExplosionData = &e
	return true
}

func (s *TestState) Clone() TestState {
	out := *s
	out.Steps = append([]protocol.ProgressSample{}, s.Steps...)
	if s.ExplosionData != nil {
		e := *s.ExplosionData
		out.ExplosionData = &e
	}
	if s.SystemInfo != nil {
		info := *s.SystemInfo
		out.SystemInfo = &info
	}
	return out
}

// Results is the run result buffer: every sample of the current run, per
// system, in arrival order. It is what gets persisted.
type Results map[string][]protocol.ProgressSample

func NewResults() Results {
	r := make(Results, len(protocol.SystemIDs))
	for _, id := range protocol.SystemIDs {
		r[id] = []protocol.ProgressSample{}
	}
	return r
}

// Empty reports whether no system has any sample.
func (r Results) Empty() bool {
	for _, samples := range r {
		if len(samples) > 0 {
			return false
		}
	}
	return true
}

func (r Results) Count(systemID string) int {
	return len(r[systemID])
}

func (r Results) Clone() Results {
	out := make(Results, len(r))
	for id, samples := range r {
		out[id] = append([]protocol.ProgressSample{}, samples...)
	}
	return out
}

// Store is the process-scoped context threaded through every handler.
type Store struct {
	Systems           map[string]*TestState
	Results           Results
	Exploded          map[string]bool
	AnalysisScheduled bool
	// RunID increases on every reset and every new run; work scheduled
	// for an older run must not publish.
	RunID      uint64
	RunStarted time.Time
}

func NewStore(defaultMaxCPULoad float64) *Store {
	s := &Store{
		Systems:  make(map[string]*TestState, len(protocol.SystemIDs)),
		Results:  NewResults(),
		Exploded: make(map[string]bool),
		RunID:    1,
	}
	for _, id := range protocol.SystemIDs {
		s.Systems[id] = NewTestState(defaultMaxCPULoad)
	}
	return s
}

// System returns the state for id, or nil for an unknown system.
func (s *Store) System(id string) *TestState {
	return s.Systems[id]
}

// ResetSystem clears one system's state and buffered results.
func (s *Store) ResetSystem(id string) {
	if ts, ok := s.Systems[id]; ok {
		ts.Reset()
	}
	s.Results[id] = []protocol.ProgressSample{}
	delete(s.Exploded, id)
}

// NewRun starts a fresh run id and forgets run-scoped flags.
func (s *Store) NewRun(now time.Time) uint64 {
	s.RunID++
	s.Exploded = make(map[string]bool)
	s.AnalysisScheduled = false
	s.RunStarted = now
	return s.RunID
}

// BothExploded reports whether every system is in the exploded set.
func (s *Store) BothExploded() bool {
	for _, id := range protocol.SystemIDs {
		if !s.Exploded[id] {
			return false
		}
	}
	return true
}

type Snapshot struct {
	RunID             uint64               `json:"run_id"`
	AnalysisScheduled bool                 `json:"analysis_scheduled"`
	Systems           map[string]TestState `json:"systems"`
}

func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		RunID:             s.RunID,
		AnalysisScheduled: s.AnalysisScheduled,
		Systems:           make(map[string]TestState, len(s.Systems)),
	}
	for id, ts := range s.Systems {
		snap.Systems[id] = ts.Clone()
	}
	return snap
}
