// Package registry implements the Job Registry (spec §4.5): the single
// owner of Job and FileTask mutation. Every other component reaches a Job
// only through Registry methods — nothing outside this package ever takes
// Job.Mu directly except the Job's own accessor methods.
//
// Shaped after the teacher's EscrowGate: one coarse registry lock guarding
// a map[string]*Item, with per-item state (here, Job.Mu) for the parts that
// can be mutated without serializing the whole registry.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ocx/imgforge/internal/core"
)

// Registry owns every Job created for the life of the process (spec
// Non-goals: no durable persistence across restarts).
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*core.Job
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*core.Job)}
}

// CreateJob allocates a Job and its FileTasks in CREATED state and registers
// it (spec §4.5 start_batch).
func (r *Registry) CreateJob(opts core.ProcessingOptions, names []string, bodies [][]byte) *core.Job {
	tasks := make([]*core.FileTask, len(names))
	for i, name := range names {
		tasks[i] = &core.FileTask{
			TaskID:      uuid.NewString(),
			SourceName:  name,
			SourceBytes: bodies[i],
			State:       core.TaskPending,
		}
	}

	job := &core.Job{
		JobID:     uuid.NewString(),
		Options:   opts,
		Tasks:     tasks,
		State:     core.JobCreated,
		CreatedAt: time.Now(),
		Counters:  core.JobCounters{Total: len(tasks)},
	}

	r.mu.Lock()
	r.jobs[job.JobID] = job
	r.mu.Unlock()
	return job
}

// Get returns the Job for jobID, or false if unknown.
func (r *Registry) Get(jobID string) (*core.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// MarkRunning transitions a CREATED job into RUNNING.
func (r *Registry) MarkRunning(job *core.Job) {
	job.Mu.Lock()
	defer job.Mu.Unlock()
	if job.State == core.JobCreated {
		job.State = core.JobRunning
		now := time.Now()
		job.StartedAt = &now
	}
}

// UpdateTask applies a mutation to one task and recomputes the job's
// counters and terminal state under the job's own lock (spec §4.5
// update_task). mutate must not block.
func (r *Registry) UpdateTask(job *core.Job, taskID string, mutate func(*core.FileTask)) error {
	job.Mu.Lock()
	defer job.Mu.Unlock()

	var task *core.FileTask
	for _, t := range job.Tasks {
		if t.TaskID == taskID {
			task = t
			break
		}
	}
	if task == nil {
		return fmt.Errorf("registry: task %s not found in job %s", taskID, job.JobID)
	}

	mutate(task)
	job.CurrentFileHint = task.SourceName
	recomputeCounters(job)
	return nil
}

func recomputeCounters(job *core.Job) {
	c := core.JobCounters{Total: len(job.Tasks)}
	for _, t := range job.Tasks {
		if !t.State.Terminal() {
			continue
		}
		c.Completed++
		switch t.State {
		case core.TaskSucceeded:
			c.Succeeded++
		case core.TaskFailed:
			c.Failed++
		case core.TaskSkippedCancel:
			c.Skipped++
		}
	}
	job.Counters = c

	if job.State.Terminal() {
		// Already forced terminal (e.g. FailJob on a capacity abort) while
		// tasks submitted before the abort are still finishing; counters
		// still accumulate but the job's own state never gets re-derived.
		return
	}
	if c.Completed < c.Total {
		return
	}
	now := time.Now()
	job.FinishedAt = &now
	switch {
	case job.CancelledLocked():
		job.State = core.JobCancelled
	default:
		job.State = core.JobCompleted
	}
}

// FailJob forces job directly into FAILED with reason, bypassing the usual
// all-tasks-terminal accumulation. Used for the "submit failed" edge of the
// spec §4.5 state diagram, where the job must fail the moment the Worker
// Pool rejects a submission rather than waiting on any task to finish.
// A no-op if the job already reached a terminal state.
func (r *Registry) FailJob(job *core.Job, reason string) {
	job.Mu.Lock()
	defer job.Mu.Unlock()
	if job.State.Terminal() {
		return
	}
	job.State = core.JobFailed
	job.FailureReason = reason
	now := time.Now()
	job.FinishedAt = &now
}

// Cancel requests cooperative cancellation for jobID (spec §4.5 cancel):
// in-flight tasks finish or are skipped at the next checkpoint, the job
// never hard-stops mid-task.
func (r *Registry) Cancel(jobID string) (*core.Job, error) {
	job, ok := r.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("registry: job %s not found", jobID)
	}
	job.RequestCancel()
	return job, nil
}

// TaskResult is a value-type copy of one FileTask's externally visible
// outcome, safe to read without holding the job's lock afterward. Used to
// populate the batch-progress endpoint's terminal `successful_results` /
// `failed_file_details` arrays (spec §6.1).
type TaskResult struct {
	SourceName   string
	State        core.TaskState
	Metadata     *core.ArtifactMetadata
	ErrorKind    string
	ErrorMessage string
}

// Snapshot returns a shallow copy of a Job's externally visible state,
// safe to serialize without holding the job's lock afterward (spec §4.5
// snapshot / §6.1 batch-progress).
type Snapshot struct {
	JobID           string
	State           core.JobState
	Options         core.ProcessingOptions
	Counters        core.JobCounters
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CurrentFileHint string
	FailureReason   string
	Warnings        []string
	ETA             *time.Duration
	Tasks           []TaskResult
}

// Snapshot reads job under lock and computes a linear-rate ETA from
// elapsed time and remaining task count (spec §4.5 "eta_seconds").
func (r *Registry) Snapshot(job *core.Job) Snapshot {
	job.Mu.Lock()
	defer job.Mu.Unlock()

	snap := Snapshot{
		JobID:           job.JobID,
		State:           job.State,
		Options:         job.Options,
		Counters:        job.Counters,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		CurrentFileHint: job.CurrentFileHint,
		FailureReason:   job.FailureReason,
		Warnings:        append([]string(nil), job.Warnings...),
		Tasks:           taskResults(job.Tasks),
	}

	if job.StartedAt != nil && snap.Counters.Completed > 0 && !job.State.Terminal() {
		elapsed := time.Since(*job.StartedAt)
		perTask := elapsed / time.Duration(snap.Counters.Completed)
		remaining := snap.Counters.Total - snap.Counters.Completed
		if remaining > 0 {
			eta := perTask * time.Duration(remaining)
			snap.ETA = &eta
		}
	}
	return snap
}

func taskResults(tasks []*core.FileTask) []TaskResult {
	out := make([]TaskResult, len(tasks))
	for i, t := range tasks {
		tr := TaskResult{SourceName: t.SourceName, State: t.State}
		if t.Outcome != nil {
			tr.Metadata = t.Outcome.Metadata
			tr.ErrorKind = t.Outcome.ErrorKind
			tr.ErrorMessage = t.Outcome.ErrorMessage
		}
		out[i] = tr
	}
	return out
}

// ListActive returns snapshots for every non-terminal job (spec §6.1
// batch-status).
func (r *Registry) ListActive() []Snapshot {
	return r.list(false)
}

// ListAll returns snapshots for every job in the registry.
func (r *Registry) ListAll() []Snapshot {
	return r.list(true)
}

func (r *Registry) list(includeTerminal bool) []Snapshot {
	r.mu.RLock()
	jobs := make([]*core.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		snap := r.Snapshot(job)
		if !includeTerminal && snap.State.Terminal() {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Reap deletes terminal jobs older than maxAge from the registry (spec
// §6.1 batch-cleanup), returning how many queues were removed and the total
// number of file tasks they carried.
func (r *Registry) Reap(maxAge time.Duration) (queues int, tasks int) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		job.Mu.Lock()
		finished := job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff)
		taskCount := len(job.Tasks)
		job.Mu.Unlock()
		if finished {
			delete(r.jobs, id)
			queues++
			tasks += taskCount
		}
	}
	return queues, tasks
}
