package enroll

import (
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/google/uuid"
)

// Registry keeps every enrollment job record for the life of the process.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*types.EnrollmentJob
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*types.EnrollmentJob), now: time.Now}
}

// Create registers a running job with a fresh id.
func (r *Registry) Create(name string, target int) types.EnrollmentJob {
	job := &types.EnrollmentJob{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    types.JobRunning,
		Progress:  types.JobProgress{Target: target},
		StartedAt: r.now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return copyJob(job)
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (types.EnrollmentJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return types.EnrollmentJob{}, false
	}
	return copyJob(job), true
}

// List returns copies of all jobs, newest first.
func (r *Registry) List() []types.EnrollmentJob {
	r.mu.RLock()
	out := make([]types.EnrollmentJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, copyJob(j))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Progress updates the saved-image count of a running job.
func (r *Registry) Progress(id string, saved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == types.JobRunning {
		job.Progress.Saved = saved
	}
}

// Finish moves a running job to done (err == nil) or error. Finished jobs are never changed again.
func (r *Registry) Finish(id string, result map[int]string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != types.JobRunning {
		return
	}
	now := r.now()
	job.FinishedAt = &now
	if err != nil {
		job.Status = types.JobError
		job.Error = err.Error()
		return
	}
	job.Status = types.JobDone
	job.Result = result
}

func copyJob(j *types.EnrollmentJob) types.EnrollmentJob {
	out := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Result != nil {
		out.Result = make(map[int]string, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	return out
}
