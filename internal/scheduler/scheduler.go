// Package scheduler implements the Batch Job Scheduler (spec §4.5): the
// component that turns an uploaded batch into tasks, hands them to the
// Worker Pool, and drives each task through the Conversion Cache and
// Codec Adapter while publishing progress.
//
// Composition style grounded on the teacher's cmd/api/main.go: explicit
// constructor wiring of already-built dependencies, no service locator.
package scheduler

import (
	"context"
	"time"

	"github.com/ocx/imgforge/internal/apierror"
	"github.com/ocx/imgforge/internal/cache"
	"github.com/ocx/imgforge/internal/codec"
	"github.com/ocx/imgforge/internal/core"
	"github.com/ocx/imgforge/internal/progressbus"
	"github.com/ocx/imgforge/internal/registry"
	"github.com/ocx/imgforge/internal/validator"
	"github.com/ocx/imgforge/internal/workerpool"
)

// MetricsRecorder is the narrow slice of metrics.Metrics the Scheduler
// reports against, kept as a local interface so this package doesn't
// import internal/metrics directly (same pattern as cache.MetricsRecorder).
type MetricsRecorder interface {
	IncJobStarted()
	IncJobFinished(state string)
	ObserveTaskDuration(outcome string, d time.Duration)
	IncQueueRejected()
	SetQueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncJobStarted()                                     {}
func (noopMetrics) IncJobFinished(state string)                        {}
func (noopMetrics) ObserveTaskDuration(outcome string, d time.Duration) {}
func (noopMetrics) IncQueueRejected()                                   {}
func (noopMetrics) SetQueueDepth(n int)                                 {}

// Scheduler is the composition point for starting, tracking and cancelling
// batch conversion jobs.
type Scheduler struct {
	validator *validator.Gate
	registry  *registry.Registry
	pool      *workerpool.Pool
	store     *cache.Store
	bus       *progressbus.Bus
	metrics   MetricsRecorder
}

// New wires already-constructed components, following the teacher's
// composition-root pattern (spec §3 "no service locator").
func New(v *validator.Gate, r *registry.Registry, p *workerpool.Pool, s *cache.Store, b *progressbus.Bus) *Scheduler {
	return &Scheduler{validator: v, registry: r, pool: p, store: s, bus: b, metrics: noopMetrics{}}
}

// SetMetrics wires a metrics recorder; call once at composition time. Nil
// is ignored, keeping the no-op default.
func (s *Scheduler) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// StartBatch validates every file, creates a Job, and schedules its tasks
// onto the Worker Pool (spec §4.5 start_batch). Files that fail validation
// are rejected individually; an empty batch returns InputInvalid, and a batch
// in which no file passes validation returns SecurityRejected.
func (s *Scheduler) StartBatch(opts core.ProcessingOptions, names []string, bodies [][]byte) (*core.Job, []string, error) {
	if len(names) != len(bodies) || len(names) == 0 {
		return nil, nil, apierror.New(apierror.InputInvalid, "batch must contain at least one file")
	}

	opts = opts.Normalize()

	var (
		validNames  []string
		validBodies [][]byte
		rejected    []string
	)
	for i, body := range bodies {
		if _, err := s.validator.Validate(body); err != nil {
			rejected = append(rejected, names[i])
			continue
		}
		validNames = append(validNames, names[i])
		validBodies = append(validBodies, body)
	}
	if len(validNames) == 0 {
		return nil, rejected, apierror.New(apierror.SecurityRejected, "no file in the batch passed validation")
	}

	job := s.registry.CreateJob(opts, validNames, validBodies)
	s.registry.MarkRunning(job)
	s.metrics.IncJobStarted()

	s.bus.Publish(progressbus.Event{
		Type:  progressbus.EventBatchStarted,
		JobID: job.JobID,
		Time:  time.Now(),
		Data: map[string]interface{}{
			"total_files": len(job.Tasks),
		},
	})

	for _, task := range job.Tasks {
		if err := s.scheduleTask(job, task); err != nil {
			// spec §4.5 step 3 / state diagram "submit failed": the first
			// QUEUE_FULL aborts the whole batch, not just the rejected task.
			s.publishProgress(job)
			s.registry.FailJob(job, "CAPACITY")
			if job.ConsumeTerminalNotification() {
				s.publishTerminal(job, s.registry.Snapshot(job))
			}
			break
		}
	}

	return job, rejected, nil
}

func (s *Scheduler) scheduleTask(job *core.Job, task *core.FileTask) error {
	err := s.pool.Submit(workerpool.Task{
		Run: func() { s.runTask(job, task) },
	})
	s.metrics.SetQueueDepth(s.pool.Stats().QueueDepth)
	if err != nil {
		s.metrics.IncQueueRejected()
		s.registry.UpdateTask(job, task.TaskID, func(t *core.FileTask) {
			t.State = core.TaskFailed
			t.Outcome = &core.TaskOutcome{ErrorKind: string(apierror.QueueFull), ErrorMessage: err.Error()}
		})
	}
	return err
}

func (s *Scheduler) runTask(job *core.Job, task *core.FileTask) {
	if job.IsCancelled() {
		s.finishTask(job, task, core.TaskSkippedCancel, nil, "", "")
		return
	}

	now := time.Now()
	s.registry.UpdateTask(job, task.TaskID, func(t *core.FileTask) {
		t.State = core.TaskRunning
		t.StartedAt = &now
	})

	fp := codec.Fingerprint(task.SourceBytes, job.Options)

	artifact, meta, _, err := s.store.GetOrCompute(context.Background(), fp, func() ([]byte, core.ArtifactMetadata, error) {
		return codec.Convert(task.SourceBytes, job.Options)
	})

	if job.IsCancelled() {
		s.finishTask(job, task, core.TaskSkippedCancel, nil, "", "")
		return
	}

	if err != nil {
		kind := apierror.Internal
		if ae, ok := apierror.As(err); ok {
			kind = ae.Kind
		}
		s.metrics.ObserveTaskDuration("failed", time.Since(now))
		s.finishTask(job, task, core.TaskFailed, nil, string(kind), err.Error())
		return
	}

	s.metrics.ObserveTaskDuration("succeeded", time.Since(now))
	task.Fingerprint = fp
	outcome := &core.TaskOutcome{Metadata: &meta, Artifact: artifact}
	s.finishTaskOutcome(job, task, core.TaskSucceeded, outcome)
}

func (s *Scheduler) finishTask(job *core.Job, task *core.FileTask, state core.TaskState, outcome *core.TaskOutcome, errKind, errMsg string) {
	if outcome == nil && (errKind != "" || errMsg != "") {
		outcome = &core.TaskOutcome{ErrorKind: errKind, ErrorMessage: errMsg}
	}
	s.finishTaskOutcome(job, task, state, outcome)
}

func (s *Scheduler) finishTaskOutcome(job *core.Job, task *core.FileTask, state core.TaskState, outcome *core.TaskOutcome) {
	now := time.Now()
	s.registry.UpdateTask(job, task.TaskID, func(t *core.FileTask) {
		t.State = state
		t.FinishedAt = &now
		t.Outcome = outcome
	})

	snap := s.registry.Snapshot(job)

	s.bus.Publish(progressbus.Event{
		Type:  progressbus.EventFileProcessed,
		JobID: job.JobID,
		Time:  now,
		Data: map[string]interface{}{
			"task_id":     task.TaskID,
			"source_name": task.SourceName,
			"state":       string(state),
		},
	})
	s.publishProgressSnapshot(job, snap)

	if job.ConsumeTerminalNotification() {
		s.publishTerminal(job, snap)
	}
}

func (s *Scheduler) publishProgress(job *core.Job) {
	s.publishProgressSnapshot(job, s.registry.Snapshot(job))
}

func (s *Scheduler) publishProgressSnapshot(job *core.Job, snap registry.Snapshot) {
	s.bus.Publish(progressbus.Event{
		Type:  progressbus.EventBatchProgress,
		JobID: job.JobID,
		Time:  time.Now(),
		Data:  snap.View(),
	})
}

func (s *Scheduler) publishTerminal(job *core.Job, snap registry.Snapshot) {
	s.metrics.IncJobFinished(string(snap.State))
	evType := progressbus.EventBatchCompleted
	switch snap.State {
	case core.JobCancelled:
		evType = progressbus.EventBatchCancelled
	case core.JobFailed:
		evType = progressbus.EventBatchError
	}
	s.bus.Publish(progressbus.Event{
		Type:  evType,
		JobID: job.JobID,
		Time:  time.Now(),
		Data:  snap.View(),
	})
}

// Progress returns a point-in-time snapshot for jobID (spec §4.5 progress).
func (s *Scheduler) Progress(jobID string) (registry.Snapshot, error) {
	job, ok := s.registry.Get(jobID)
	if !ok {
		return registry.Snapshot{}, apierror.New(apierror.JobNotFound, "job not found")
	}
	return s.registry.Snapshot(job), nil
}

// Cancel requests cooperative cancellation for jobID (spec §4.5 cancel).
func (s *Scheduler) Cancel(jobID string) error {
	job, err := s.registry.Cancel(jobID)
	if err != nil {
		return apierror.New(apierror.JobNotFound, "job not found")
	}
	snap := s.registry.Snapshot(job)
	if snap.State.Terminal() {
		return apierror.New(apierror.JobAlreadyFinal, "job has already finished")
	}
	return nil
}

// Cleanup reaps finished jobs older than maxAge (spec §4.5 cleanup),
// returning the number of queues and file tasks removed.
func (s *Scheduler) Cleanup(maxAge time.Duration) (queues int, tasks int) {
	return s.registry.Reap(maxAge)
}

// ListActive/ListAll expose registry listings: ListAll backs the HTTP
// batch-status endpoint (spec §6.1); ListActive returns only non-terminal
// jobs.
func (s *Scheduler) ListActive() []registry.Snapshot { return s.registry.ListActive() }
func (s *Scheduler) ListAll() []registry.Snapshot    { return s.registry.ListAll() }
