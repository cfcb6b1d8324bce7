// Package scheduler admits queued processing jobs in FIFO order under a
// concurrency bound, persists every job state change and recovers
// interrupted jobs on restart.
package scheduler

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/pipeline"
	"github.com/sells-group/votermap/internal/store"
)

var (
	// ErrNotQueued is returned when cancelling a job that already started.
	ErrNotQueued = eris.New("scheduler: job is not queued")
	// ErrPersistence marks a job state write that failed. The job keeps
	// its in-memory state.
	ErrPersistence = eris.New("scheduler: job persistence failed")
)

// Runner executes one job. *pipeline.Processor implements it.
type Runner interface {
	Run(ctx context.Context, job *model.Job, rep pipeline.Reporter) error
}

// JobStore is the subset of store.Store the scheduler needs.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	NextSeq(ctx context.Context) (int64, error)
}

// RecoveryMode decides what happens to jobs found Running at startup.
type RecoveryMode string

const (
	// RecoverRequeue resets interrupted jobs and queues them again.
	RecoverRequeue RecoveryMode = "requeue"
	// RecoverFail marks interrupted jobs failed.
	RecoverFail RecoveryMode = "fail"
)

// Options configures a Scheduler.
type Options struct {
	MaxConcurrentJobs int
	// PollInterval is the fallback wake-up period of the control loop.
	PollInterval time.Duration
	Recovery     RecoveryMode
	// Watch makes every poll also pick up jobs queued by other processes.
	Watch bool
}

// Request is what an upload hands to Enqueue.
type Request struct {
	SourceFile       string
	OriginalFilename string
	model.Election
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
	PeakRunning   int `json:"peak_running"`
}

// entry is the scheduler's record of one job.
type entry struct {
	job     *model.Job
	version int64

	saveMu sync.Mutex
	saved  int64
}

// Scheduler owns the job queue and job records. All mutation happens
// under mu.
type Scheduler struct {
	store  JobStore
	runner Runner
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	queue   []string
	running int
	peak    int
	nextSeq int64
	waiters []chan struct{}

	wake    chan struct{}
	workers sync.WaitGroup
	loop    sync.WaitGroup
}

// New creates a Scheduler. Call Recover before Start to pick up persisted
// jobs.
func New(st JobStore, runner Runner, opts Options) *Scheduler {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Recovery == "" {
		opts.Recovery = RecoverRequeue
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		opts:   opts,
		now:    time.Now,
		jobs:   make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue creates a queued job, persists it and wakes the control loop. It
// does not wait for the job to start. A persistence failure is returned
// wrapped in ErrPersistence; the job stays queued in memory.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) (*model.Job, error) {
	if req.SourceFile == "" {
		return nil, eris.New("scheduler: enqueue: source file is required")
	}

	storeSeq, err := s.store.NextSeq(ctx)
	if err != nil {
		zap.L().Warn("scheduler: read next seq", zap.Error(err))
	}

	now := s.now().UTC()
	s.mu.Lock()
	seq := max(s.nextSeq, storeSeq, 1)
	s.nextSeq = seq + 1

	job := &model.Job{
		ID:               uuid.NewString(),
		Seq:              seq,
		SourceFile:       req.SourceFile,
		OriginalFilename: req.OriginalFilename,
		Election:         req.Election,
		Status:           model.JobQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job.Log(model.LogInfo, "Job queued", now)
	e := &entry{job: job, version: 1}
	s.jobs[job.ID] = e
	s.queue = append(s.queue, job.ID)
	snap := job.Clone()
	s.mu.Unlock()

	zap.L().Info("scheduler: job queued",
		zap.String("job_id", job.ID),
		zap.Int64("seq", seq),
		zap.String("county", job.County),
	)

	perr := s.persist(ctx, e, snap, 1)
	s.signal()
	if perr != nil {
		return snap, perr
	}
	return snap, nil
}

// Start runs the control loop until ctx is done. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		s.run(ctx)
	}()
}

// Wait blocks until the control loop and every worker have exited.
func (s *Scheduler) Wait() {
	s.loop.Wait()
	s.workers.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.admit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
			if s.opts.Watch {
				if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
					zap.L().Warn("scheduler: sync failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// admit starts queued jobs, head first, while capacity remains.
func (s *Scheduler) admit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	type admitted struct {
		e    *entry
		snap *model.Job
		v    int64
	}
	var started []admitted

	s.mu.Lock()
	for s.running < s.opts.MaxConcurrentJobs && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		e, ok := s.jobs[id]
		if !ok || e.job.Status != model.JobQueued {
			continue
		}

		now := s.now().UTC()
		e.job.Status = model.JobRunning
		e.job.StartedAt = &now
		e.job.Log(model.LogInfo, "Job started", now)
		e.version++
		s.running++
		s.peak = max(s.peak, s.running)
		started = append(started, admitted{e: e, snap: e.job.Clone(), v: e.version})
	}
	s.mu.Unlock()

	for _, a := range started {
		zap.L().Info("scheduler: job admitted", zap.String("job_id", a.snap.ID), zap.Int64("seq", a.snap.Seq))
		_ = s.persist(ctx, a.e, a.snap, a.v)

		s.workers.Add(1)
		go s.work(ctx, a.e, a.snap)
	}
}

func (s *Scheduler) work(ctx context.Context, e *entry, job *model.Job) {
	defer s.workers.Done()
	err := s.runner.Run(ctx, job, &reporter{s: s, e: e})
	s.finish(ctx, e, err)
}

// finish records a worker's outcome. A job stopped by shutdown stays
// Running so the next Recover treats it as interrupted.
func (s *Scheduler) finish(ctx context.Context, e *entry, runErr error) {
	log := zap.L().With(zap.String("job_id", e.job.ID))
	now := s.now().UTC()

	s.mu.Lock()
	s.running--
	switch {
	case runErr != nil && ctx.Err() != nil:
		e.job.Log(model.LogWarning, "Interrupted by shutdown", now)
		log.Warn("scheduler: job interrupted", zap.Error(runErr))
	case runErr != nil:
		e.job.Status = model.JobFailed
		e.job.Error = runErr.Error()
		e.job.FinishedAt = &now
		e.job.Log(model.LogError, "Job failed: "+runErr.Error(), now)
		log.Error("scheduler: job failed", zap.Error(runErr))
	default:
		e.job.Status = model.JobCompleted
		e.job.FinishedAt = &now
		e.job.Log(model.LogInfo, "Job completed", now)
		log.Info("scheduler: job completed",
			zap.Int("geocoded", e.job.GeocodedCount),
			zap.Int("failed", e.job.FailedCount),
		)
	}
	e.version++
	snap, v := e.job.Clone(), e.version
	s.notifyIdleLocked()
	s.mu.Unlock()

	_ = s.persist(ctx, e, snap, v)
	s.signal()
}

// persist saves snap unless a newer version of the job was already saved.
// Failures are logged; the in-memory record stays authoritative.
func (s *Scheduler) persist(ctx context.Context, e *entry, snap *model.Job, v int64) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if v <= e.saved {
		return nil
	}
	if err := s.store.SaveJob(context.WithoutCancel(ctx), snap); err != nil {
		zap.L().Warn("scheduler: job state not persisted",
			zap.String("job_id", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
		return eris.Wrapf(ErrPersistence, "job %s: %v", snap.ID, err)
	}
	e.saved = v
	return nil
}

// reporter applies pipeline progress to a job under the scheduler lock.
type reporter struct {
	s *Scheduler
	e *entry
}

func (r *reporter) Update(ctx context.Context, fn func(j *model.Job)) {
	r.s.mu.Lock()
	fn(r.e.job)
	r.e.job.UpdatedAt = r.s.now().UTC()
	r.e.version++
	snap, v := r.e.job.Clone(), r.e.version
	r.s.mu.Unlock()

	_ = r.s.persist(ctx, r.e, snap, v)
}

// RecoverReport summarizes what Recover found.
type RecoverReport struct {
	Queued      int `json:"queued"`
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
	Finished    int `json:"finished"`
}

// Recover loads every persisted job. Jobs found Running were interrupted:
// they are reset and queued again, or marked failed, per Options.Recovery.
// Queued jobs re-enter the queue in Seq order.
func (s *Scheduler) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return rep, eris.Wrap(err, "scheduler: recover")
	}

	type pending struct {
		e    *entry
		snap *model.Job
		v    int64
	}
	var changed []pending
	now := s.now().UTC()

	s.mu.Lock()
	for i := range jobs {
		j := jobs[i]
		if _, ok := s.jobs[j.ID]; ok {
			continue
		}
		e := &entry{job: &j, version: 1, saved: 1}
		s.jobs[j.ID] = e
		s.nextSeq = max(s.nextSeq, j.Seq+1)

		switch j.Status {
		case model.JobRunning:
			if s.opts.Recovery == RecoverFail {
				e.job.Status = model.JobFailed
				e.job.Error = "interrupted by restart"
				e.job.FinishedAt = &now
				e.job.Log(model.LogError, "Interrupted by restart; marked failed", now)
				rep.Interrupted++
			} else {
				e.job.ResetProgress()
				e.job.Status = model.JobQueued
				e.job.Log(model.LogWarning, "Interrupted by restart; re-queued from the start", now)
				s.queue = append(s.queue, j.ID)
				rep.Requeued++
			}
			e.job.UpdatedAt = now
			e.version++
			changed = append(changed, pending{e: e, snap: e.job.Clone(), v: e.version})
			zap.L().Warn("scheduler: recovered interrupted job",
				zap.String("job_id", j.ID),
				zap.String("mode", string(s.opts.Recovery)),
			)
		case model.JobQueued:
			s.queue = append(s.queue, j.ID)
			rep.Queued++
		default:
			rep.Finished++
		}
	}
	s.sortQueueLocked()
	s.mu.Unlock()

	for _, c := range changed {
		_ = s.persist(ctx, c.e, c.snap, c.v)
	}
	s.signal()
	return rep, nil
}

// Sync picks up jobs queued in the store by another process and drops
// queued jobs that another process cancelled. It returns the number of
// jobs added.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	queued, err := s.store.ListJobs(ctx, store.JobFilter{Status: model.JobQueued})
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: sync")
	}
	inStore := make(map[string]bool, len(queued))
	for _, j := range queued {
		inStore[j.ID] = true
	}

	s.mu.Lock()
	var added int
	for i := range queued {
		j := queued[i]
		if _, ok := s.jobs[j.ID]; ok {
			continue
		}
		s.jobs[j.ID] = &entry{job: &j, version: 1, saved: 1}
		s.queue = append(s.queue, j.ID)
		s.nextSeq = max(s.nextSeq, j.Seq+1)
		added++
	}
	var gone []string
	for _, id := range s.queue {
		if !inStore[id] {
			gone = append(gone, id)
		}
	}
	s.sortQueueLocked()
	s.mu.Unlock()

	// A queued job missing from the store listing was changed elsewhere.
	for _, id := range gone {
		stored, err := s.store.GetJob(ctx, id)
		if err != nil || stored.Status == model.JobQueued {
			continue
		}
		s.mu.Lock()
		if e, ok := s.jobs[id]; ok && e.job.Status == model.JobQueued {
			s.queue = slices.DeleteFunc(s.queue, func(q string) bool { return q == id })
			e.job = stored
			e.saved = e.version
			s.notifyIdleLocked()
		}
		s.mu.Unlock()
	}

	if added > 0 {
		zap.L().Info("scheduler: picked up queued jobs", zap.Int("count", added))
		s.signal()
	}
	return added, nil
}

func (s *Scheduler) sortQueueLocked() {
	slices.SortStableFunc(s.queue, func(a, b string) int {
		ja, jb := s.jobs[a].job, s.jobs[b].job
		switch {
		case ja.Seq != jb.Seq:
			return cmp.Compare(ja.Seq, jb.Seq)
		case !ja.CreatedAt.Equal(jb.CreatedAt):
			return ja.CreatedAt.Compare(jb.CreatedAt)
		default:
			return 0
		}
	})
}

// Cancel fails a job that has not started. Running jobs cannot be
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*model.Job, error) {
	now := s.now().UTC()

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, eris.Wrapf(store.ErrNotFound, "job %s", id)
	}
	if e.job.Status != model.JobQueued {
		status := e.job.Status
		s.mu.Unlock()
		return nil, eris.Wrapf(ErrNotQueued, "job %s is %s", id, status)
	}
	s.queue = slices.DeleteFunc(s.queue, func(q string) bool { return q == id })
	markCancelled(e.job, now)
	e.version++
	snap, v := e.job.Clone(), e.version
	s.notifyIdleLocked()
	s.mu.Unlock()

	zap.L().Info("scheduler: job cancelled", zap.String("job_id", id))
	return snap, s.persist(ctx, e, snap, v)
}

// CancelStored fails a queued job directly in the store, for processes
// that do not own the queue. A running scheduler drops it on its next Sync.
func CancelStored(ctx context.Context, st JobStore, id string, now time.Time) (*model.Job, error) {
	job, err := st.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobQueued {
		return nil, eris.Wrapf(ErrNotQueued, "job %s is %s", id, job.Status)
	}
	markCancelled(job, now.UTC())
	if err := st.SaveJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "scheduler: save cancelled job")
	}
	return job, nil
}

func markCancelled(j *model.Job, now time.Time) {
	j.Status = model.JobFailed
	j.Error = "cancelled"
	j.FinishedAt = &now
	j.Log(model.LogWarning, "Job cancelled before start", now)
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job.Clone(), true
}

// List returns copies of every known job in Seq order.
func (s *Scheduler) List() []*model.Job {
	s.mu.Lock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *model.Job) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Stats summarizes the jobs known to this scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Queued:        len(s.queue),
		Running:       s.running,
		MaxConcurrent: s.opts.MaxConcurrentJobs,
		PeakRunning:   s.peak,
	}
	for _, e := range s.jobs {
		switch e.job.Status {
		case model.JobCompleted:
			st.Completed++
		case model.JobFailed:
			st.Failed++
		}
	}
	return st
}

// WaitIdle blocks until the queue is empty and no job is running, or ctx
// is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: wait idle")
	}
}

func (s *Scheduler) idleLocked() bool {
	return s.running == 0 && len(s.queue) == 0
}

func (s *Scheduler) notifyIdleLocked() {
	if !s.idleLocked() {
		return
	}
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}
