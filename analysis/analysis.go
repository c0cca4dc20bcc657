// Package analysis produces the comparative report once both systems of a
// run have exploded.
package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stressmonitor/engine"
	"stressmonitor/metrics"
	"stressmonitor/protocol"
	"stressmonitor/store"
	"stressmonitor/summarizer"
)

// Outcomes of a job.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeFailure  = "failure"
	OutcomeStale    = "stale"
)

// FallbackNarrative stands in when the summarizer cannot be reached.
const FallbackNarrative = "No summary available."

// Runs reports which run is current.
type Runs interface {
	CurrentRun() uint64
}

// Job builds and publishes the report for a run. It reads the persisted
// results rather than the engine's buffer and drops its report if the run
// was superseded in the meantime.
type Job struct {
	runs       Runs
	results    store.ResultStore
	hub        engine.Broadcaster
	summarizer summarizer.Summarizer
	debounce   time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

func New(runs Runs, results store.ResultStore, hub engine.Broadcaster, s summarizer.Summarizer, debounce time.Duration) *Job {
	return &Job{
		runs:       runs,
		results:    results,
		hub:        hub,
		summarizer: s,
		debounce:   debounce,
		now:        time.Now,
	}
}

// Schedule runs the job for run after the debounce interval.
func (j *Job) Schedule(run engine.Run) {
	j.wg.Add(1)
	time.AfterFunc(j.debounce, func() {
		defer j.wg.Done()
		j.Run(context.Background(), run)
	})
}

// Wait blocks until every scheduled job has finished.
func (j *Job) Wait() {
	j.wg.Wait()
}

// Run executes the job immediately and returns its outcome. It never
// panics; any failure is published as analysis_failed.
func (j *Job) Run(ctx context.Context, run engine.Run) (outcome string) {
	logger := log.WithField("run", run.ID)
	defer func() {
		if r := recover(); r != nil {
			outcome = j.fail(run, errors.Errorf("analysis panic: %v", r))
		}
		metrics.RecordAnalysis(outcome)
		logger.WithField("outcome", outcome).Info("analysis finished")
	}()

	if j.stale(run) {
		return OutcomeStale
	}
	j.hub.Broadcast(protocol.NewMessage(protocol.TypeAIWaiting, protocol.WaitingPayload{
		RunID:   run.ID,
		Message: "Generating comparative analysis",
	}))

	results, err := j.results.Load(ctx)
	if err != nil {
		return j.fail(run, errors.Wrap(err, "load run results"))
	}

	report := protocol.AnalysisReport{
		RunID:     run.ID,
		Winner:    engine.DetermineWinner(results),
		Systems:   make(map[string]protocol.SystemSummary, len(protocol.SystemIDs)),
		ShowModal: true,
	}
	req := summarizer.Request{RunID: run.ID, Winner: report.Winner}
	for _, id := range protocol.SystemIDs {
		s := Summarize(id, results[id])
		report.Systems[id] = s
		req.Systems = append(req.Systems, s)
	}
	report.Table = Table(report.Systems)

	d := RunDuration(results, run.Started, j.now())
	report.DurationSeconds = d.Seconds()
	report.Duration = d.Round(time.Second).String()
	req.Duration = report.Duration

	outcome = OutcomeSuccess
	report.NarrativeStatus = protocol.NarrativeSuccess
	report.Narrative, err = j.summarizer.Summarize(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("summarizer unavailable, using fallback")
		outcome = OutcomeFallback
		report.Narrative = FallbackNarrative
		report.NarrativeStatus = protocol.NarrativeFallback
	}

	if j.stale(run) {
		return OutcomeStale
	}
	j.hub.Broadcast(protocol.NewMessage(protocol.TypeAnalysis, report))
	return outcome
}

func (j *Job) stale(run engine.Run) bool {
	if current := j.runs.CurrentRun(); current != run.ID {
		log.WithFields(log.Fields{"run": run.ID, "current": current}).Info("run superseded, discarding analysis")
		return true
	}
	return false
}

// fail publishes analysis_failed unless the run was superseded, in which
// case observers of the newer run never hear about it.
func (j *Job) fail(run engine.Run, err error) string {
	if j.stale(run) {
		log.WithError(err).WithField("run", run.ID).Warn("analysis of superseded run failed")
		return OutcomeStale
	}
	log.WithError(err).WithField("run", run.ID).Error("analysis failed")
	j.hub.Broadcast(protocol.NewMessage(protocol.TypeAnalysisFailed, protocol.AnalysisFailedPayload{
		RunID: run.ID,
		Error: err.Error(),
	}))
	return OutcomeFailure
}
