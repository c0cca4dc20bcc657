// Package engine applies ingestion events to the test state and runs the
// explosion state machine.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stressmonitor/apperr"
	"stressmonitor/config"
	"stressmonitor/metrics"
	"stressmonitor/protocol"
	"stressmonitor/state"
	"stressmonitor/store"
)

type Broadcaster interface {
	Broadcast(msg *protocol.Message) int
}

// Run identifies one comparative test cycle.
type Run struct {
	ID      uint64
	Started time.Time
}

// Scheduler receives the run for which both systems have exploded. It is
// called at most once per run, with the engine lock held, so it must not
// block.
type Scheduler interface {
	Schedule(run Run)
}

// Starter tells a target's load agent to begin a test.
type Starter interface {
	Start(ctx context.Context, target config.Target, rc config.RunConfig) error
}

// Engine is the single writer of the test state. Every handler runs under
// one lock, so a transition is never observed half applied.
type Engine struct {
	cfg       *config.Config
	results   store.ResultStore
	hub       Broadcaster
	agents    Starter
	scheduler Scheduler
	now       func() time.Time

	mu sync.Mutex
	st *state.Store
}

func New(cfg *config.Config, results store.ResultStore, hub Broadcaster, agents Starter) *Engine {
	return &Engine{
		cfg:     cfg,
		results: results,
		hub:     hub,
		agents:  agents,
		now:     time.Now,
		st:      state.NewStore(cfg.DefaultMaxCPULoad),
	}
}

// SetScheduler installs the analysis scheduler. Without one, runs that end
// in a double explosion are only logged.
func (e *Engine) SetScheduler(s Scheduler) {
	e.mu.Lock()
	e.scheduler = s
	e.mu.Unlock()
}

// Restore seeds the buffer and each system's steps from the persisted
// document, so a restart in the middle of a run keeps appending to it
// instead of overwriting it. Explosion flags are not persisted and start
// cleared.
func (e *Engine) Restore(ctx context.Context) error {
	r, err := e.results.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load persisted run results")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range protocol.SystemIDs {
		samples := r[id]
		e.st.Results[id] = append([]protocol.ProgressSample{}, samples...)
		e.st.System(id).Steps = append([]protocol.ProgressSample{}, samples...)
	}
	if r.Empty() {
		return nil
	}
	run := e.st.NewRun(e.now())
	logger := log.WithField("run", run)
	for _, id := range protocol.SystemIDs {
		logger = logger.WithField(id, r.Count(id))
	}
	logger.Info("run results restored")
	return nil
}

// OnProgress records a sample. A step 0 sample starts the system over
// before being recorded as its first sample. The returned error reports a
// failed persist; the sample is still kept and broadcast.
func (e *Engine) OnProgress(ctx context.Context, s protocol.ProgressSample) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.WithFields(log.Fields{"system": s.SystemID, "step": s.Step})
	if s.Step == 0 {
		e.startSystem(ctx, s.SystemID)
	}

	ts := e.st.System(s.SystemID)
	if n := len(ts.Steps); n > 0 && s.Step < ts.Steps[n-1].Step {
		logger.WithField("previous", ts.Steps[n-1].Step).Warn("step went backwards")
	}
	ts.Steps = append(ts.Steps, s)
	e.st.Results[s.SystemID] = append(e.st.Results[s.SystemID], s)
	metrics.RecordSample(s.SystemID)

	start := time.Now()
	persistErr := e.results.Save(ctx, e.st.Results)
	metrics.RecordPersist(time.Since(start))
	if persistErr != nil {
		logger.WithError(persistErr).Error("persist run results")
	}

	e.hub.Broadcast(protocol.NewMessage(protocol.TypeProgress, s))
	logger.Debug("progress recorded")
	return errors.Wrap(persistErr, "persist run results")
}

// startSystem clears one system for a new run. If nothing is left buffered
// for either system, or the previous run already went to analysis, a new
// run begins.
func (e *Engine) startSystem(ctx context.Context, systemID string) {
	e.st.ResetSystem(systemID)

	if e.st.Results.Empty() {
		if err := e.results.Delete(ctx); err != nil {
			log.WithError(err).Warn("delete persisted run results")
		}
	}
	if e.st.Results.Empty() || e.st.AnalysisScheduled || e.st.RunStarted.IsZero() {
		id := e.st.NewRun(e.now())
		log.WithFields(log.Fields{"system": systemID, "run": id}).Info("new run started")
	}
}

// OnExplosion applies an explosion event and returns its outcome tag.
func (e *Engine) OnExplosion(ctx context.Context, ev protocol.ExplosionEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.WithFields(log.Fields{"system": ev.SystemID, "step": ev.Step, "cpu": ev.CPU})
	ts := e.st.System(ev.SystemID)
	if !ts.Explode(ev) {
		if e.cfg.ExplosionPolicy == config.PolicyDeclareWinner {
			winner := protocol.Other(ev.SystemID)
			e.hub.Broadcast(protocol.NewMessage(protocol.TypeWinner, protocol.WinnerPayload{
				SystemID: winner,
				Reason:   ev.SystemID + " exploded again",
				Trigger:  &ev,
			}))
			metrics.RecordExplosion(ev.SystemID, protocol.OutcomeWinner)
			logger.WithField("winner", winner).Info("repeat explosion, winner declared")
			return protocol.OutcomeWinner, nil
		}
		metrics.RecordExplosion(ev.SystemID, protocol.OutcomeDuplicate)
		logger.Debug("duplicate explosion ignored")
		return protocol.OutcomeDuplicate, nil
	}

	e.st.Exploded[ev.SystemID] = true
	e.hub.Broadcast(protocol.NewMessage(protocol.TypeExplosion, ev))
	metrics.RecordExplosion(ev.SystemID, protocol.OutcomeExplosion)
	logger.Info("system exploded")

	if e.st.BothExploded() && !e.st.AnalysisScheduled {
		e.st.AnalysisScheduled = true
		run := Run{ID: e.st.RunID, Started: e.st.RunStarted}
		if e.scheduler != nil {
			e.scheduler.Schedule(run)
			log.WithField("run", run.ID).Info("both systems exploded, analysis scheduled")
		} else {
			log.WithField("run", run.ID).Warn("both systems exploded, no analysis configured")
		}
	}
	return protocol.OutcomeExplosion, nil
}

func (e *Engine) OnSystemInfo(ctx context.Context, info protocol.SystemInfo) error {
	if !protocol.IsSystemID(info.SystemID) {
		return apperr.Validation("unknown system_id " + info.SystemID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.System(info.SystemID).SystemInfo = &info
	e.hub.Broadcast(protocol.NewMessage(protocol.TypeSystemInfo, info))
	return nil
}

// Reset returns both systems to their defaults and invalidates any pending
// analysis. Buffered and persisted results are kept until a new run starts.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Engine) reset() {
	for _, ts := range e.st.Systems {
		ts.Reset()
	}
	id := e.st.NewRun(time.Time{})
	log.WithField("run", id).Info("state reset")
}

// StartTests reads both per-target documents, resets the state and asks
// each load agent to start. A missing or short document fails before any
// agent is contacted.
func (e *Engine) StartTests(ctx context.Context) error {
	type job struct {
		target config.Target
		rc     config.RunConfig
	}
	jobs := make([]job, 0, len(protocol.SystemIDs))
	for _, id := range protocol.SystemIDs {
		t, ok := e.cfg.Target(id)
		if !ok {
			return apperr.Configuration("Missing config for " + id)
		}
		rc, err := config.LoadRunConfig(id, t.ConfigPath)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{target: t, rc: rc})
	}

	e.mu.Lock()
	e.reset()
	for _, j := range jobs {
		e.st.System(j.target.SystemID).MaxCPULoad = j.rc.MaxCPULoad
	}
	e.mu.Unlock()

	for _, j := range jobs {
		if err := e.agents.Start(ctx, j.target, j.rc); err != nil {
			return apperr.Upstream(err, "Failed to start test for "+j.target.SystemID)
		}
		log.WithFields(log.Fields{"system": j.target.SystemID, "agent": j.target.AgentURL}).Info("load test started")
	}
	return nil
}

func (e *Engine) Snapshot() state.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Snapshot()
}

// CurrentRun reports the id of the run in progress.
func (e *Engine) CurrentRun() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.RunID
}

// Results returns a copy of the in-memory run result buffer.
func (e *Engine) Results() state.Results {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Results.Clone()
}

// DetermineWinner picks the system that recorded strictly more samples.
// Equal counts are a tie.
func DetermineWinner(r state.Results) string {
	a := r.Count(protocol.SystemAsterisk)
	b := r.Count(protocol.SystemFreeSWITCH)
	switch {
	case a > b:
		return protocol.SystemAsterisk
	case b > a:
		return protocol.SystemFreeSWITCH
	}
	return protocol.Tie
}
