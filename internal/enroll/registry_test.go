package enroll

import (
	"errors"
	"testing"

	"github.com/andresmejia3/smartlock/internal/types"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	job := r.Create("alice", 5)
	if job.Status != types.JobRunning || job.Progress.Target != 5 {
		t.Fatalf("Unexpected new job %+v", job)
	}
	other := r.Create("bob", 1)
	if other.ID == job.ID {
		t.Fatal("Job ids must be unique")
	}

	r.Progress(job.ID, 3)
	r.Finish(job.ID, map[int]string{0: "alice"}, nil)

	got, ok := r.Get(job.ID)
	if !ok || got.Status != types.JobDone || got.Progress.Saved != 3 || got.FinishedAt == nil {
		t.Fatalf("Unexpected finished job %+v", got)
	}

	// Finished records are frozen
	r.Finish(job.ID, nil, errors.New("late failure"))
	r.Progress(job.ID, 4)
	if again, _ := r.Get(job.ID); again.Status != types.JobDone || again.Progress.Saved != 3 {
		t.Errorf("Finished job changed: %+v", again)
	}

	// Get returns copies
	got.Result[0] = "mallory"
	if again, _ := r.Get(job.ID); again.Result[0] != "alice" {
		t.Error("Mutating a returned job must not change the registry")
	}

	r.Finish(other.ID, nil, errors.New("camera gone"))
	if failed, _ := r.Get(other.ID); failed.Status != types.JobError || failed.Error != "camera gone" {
		t.Errorf("Unexpected failed job %+v", failed)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Expected unknown id to be missing")
	}
	if len(r.List()) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(r.List()))
	}
}
