package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/markerview/server/internal/data/csvsource"
	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/service"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// ImportJob loads a CSV file into a dataset in the background.
type ImportJob struct {
	ID         string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	Dataset    dataset.ID        `json:"uid"`
	Path       string            `json:"path"`
	Bindings   *dataset.Bindings `json:"bindings,omitempty"`
	Rows       int               `json:"rows"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (j *ImportJob) finished() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ImportExecutor runs one job. progress reports the rows read so far.
type ImportExecutor func(ctx context.Context, job ImportJob, progress csvsource.Progress) error

// ImportJobManagerConfig contains configuration for the import job manager.
type ImportJobManagerConfig struct {
	MaxConcurrent int           // Max concurrent imports (default 2)
	QueueSize     int           // Pending jobs before Submit fails (default 16)
	Retention     time.Duration // How long finished jobs stay queryable (default 1h)
	CleanupPeriod time.Duration
}

// ImportJobManager runs CSV imports on a fixed pool of workers.
type ImportJobManager struct {
	cfg      ImportJobManagerConfig
	queue    chan string // job IDs
	jobs     map[string]*ImportJob
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual import.
	Executor ImportExecutor
}

// NewImportJobManager creates a new import job manager.
func NewImportJobManager(cfg ImportJobManagerConfig) *ImportJobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}
	return &ImportJobManager{
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		jobs:    make(map[string]*ImportJob),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
func (jm *ImportJobManager) Start() {
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *ImportJobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		close(jm.stopCh)
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *ImportJobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *ImportJobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok || job.Status != JobStatusQueued {
		jm.mu.Unlock()
		return
	}
	select {
	case <-jm.stopCh:
		jm.finish(job, JobStatusCancelled, "server stopping")
		jm.mu.Unlock()
		return
	default:
	}
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	jm.running[jobID] = cancel
	snapshot := *job
	jm.mu.Unlock()

	log.Printf("[ImportJobs] job %s started: %s -> %s", jobID, snapshot.Path, snapshot.Dataset)

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, snapshot, func(rows int) {
			jm.mu.Lock()
			job.Rows = rows
			jm.mu.Unlock()
		})
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.running, jobID)

	switch {
	case ctx.Err() == context.Canceled:
		jm.finish(job, JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.finish(job, JobStatusFailed, execErr.Error())
	default:
		jm.finish(job, JobStatusCompleted, "")
	}
	log.Printf("[ImportJobs] job %s %s", jobID, job.Status)
}

// finish records a final status. Callers hold jm.mu.
func (jm *ImportJobManager) finish(job *ImportJob, status JobStatus, msg string) {
	now := time.Now()
	job.Status = status
	job.Error = msg
	job.FinishedAt = &now
}

func (jm *ImportJobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup(time.Now())
		}
	}
}

func (jm *ImportJobManager) cleanup(now time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	deleted := 0
	for id, job := range jm.jobs {
		if job.finished() && now.Sub(*job.FinishedAt) > jm.cfg.Retention {
			delete(jm.jobs, id)
			deleted++
		}
	}
	if deleted > 0 {
		log.Printf("[ImportJobs] cleaned up %d expired jobs", deleted)
	}
	return deleted
}

// Submit creates a new job and enqueues it for execution.
func (jm *ImportJobManager) Submit(target dataset.ID, path string, b *dataset.Bindings) (ImportJob, error) {
	job := &ImportJob{
		ID:        generateJobID(),
		Status:    JobStatusQueued,
		Dataset:   target,
		Path:      path,
		Bindings:  b,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	select {
	case <-jm.stopCh:
		return ImportJob{}, fmt.Errorf("import job manager stopped")
	default:
	}
	jm.jobs[job.ID] = job
	select {
	case jm.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		jm.finish(job, JobStatusFailed, "job queue is full; try again later")
	}
	return *job, nil
}

// Get returns a snapshot of a job.
func (jm *ImportJobManager) Get(id string) (ImportJob, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ImportJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job, nil
}

// List returns every known job, newest first.
func (jm *ImportJobManager) List() []ImportJob {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make([]ImportJob, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops a running job or drops a queued one. It reports whether the
// job was still unfinished.
func (jm *ImportJobManager) Cancel(id string) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if cancel, ok := jm.running[id]; ok {
		cancel()
		return true, nil
	}
	if job.Status == JobStatusQueued {
		jm.finish(job, JobStatusCancelled, "cancelled before start")
		return true, nil
	}
	return false, nil
}

// NewImportExecutor reads the job's file and commits it to the viewer. The
// rows are discarded when the target dataset was deleted meanwhile.
func NewImportExecutor(v *service.Viewer) ImportExecutor {
	return func(ctx context.Context, job ImportJob, progress csvsource.Progress) error {
		table, err := csvsource.ReadFile(ctx, job.Path, progress)
		if err != nil {
			return err
		}
		if table.Short > 0 {
			log.Printf("[ImportJobs] job %s: %d records with a mismatched field count", job.ID, table.Short)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := v.CommitImport(job.Dataset, table, job.Bindings); err != nil {
			if errors.Is(err, dataset.ErrNotFound) {
				log.Printf("[ImportJobs] job %s: dataset %s was deleted; discarding %d rows", job.ID, job.Dataset, len(table.Rows))
			}
			return err
		}
		return nil
	}
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
