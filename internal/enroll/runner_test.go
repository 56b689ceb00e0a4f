package enroll

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/smartlock/internal/capture"
	"github.com/andresmejia3/smartlock/internal/mode"
	"github.com/andresmejia3/smartlock/internal/types"
)

type fakeSource struct {
	openErr error
	block   chan struct{} // when set, Read waits on it
	reads   int
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Read() (*image.RGBA, time.Time, error) {
	if s.block != nil {
		<-s.block
		s.openErr = errors.New("camera gone")
		return nil, time.Time{}, capture.ErrClosed
	}
	s.reads++
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img, time.Now(), nil
}

func (s *fakeSource) Close() error { return nil }

type fakeFaces struct {
	mu       sync.Mutex
	perFrame int
	paused   func() bool
	sawPause bool
	trained  *types.TrainRequest
	trainErr error
}

func (f *fakeFaces) Detect(context.Context, []byte) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused != nil && f.paused() {
		f.sawPause = true
	}
	out := make([]types.Detection, f.perFrame)
	for i := range out {
		out[i] = types.Detection{Region: types.Region{X: 8, Y: 8, Width: 40, Height: 40}, Label: -1}
	}
	return out, nil
}

func (f *fakeFaces) Train(_ context.Context, req types.TrainRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trained = &req
	return len(req.Samples), f.trainErr
}

type fixture struct {
	runner *Runner
	faces  *fakeFaces
	src    *fakeSource
	mode   *mode.Coordinator
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		faces: &fakeFaces{perFrame: 1},
		src:   &fakeSource{},
		mode:  mode.New(),
		dir:   dir,
	}
	f.faces.paused = f.mode.IsPaused
	f.runner = NewRunner(context.Background(), Config{
		FacesDir:   filepath.Join(dir, "faces"),
		ModelPath:  filepath.Join(dir, "lbph_model.yml"),
		LabelsPath: filepath.Join(dir, "labels.json"),
		FaceSize:   200,
	}, f.faces, f.mode, func(string) capture.Source { return f.src })
	return f
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestRunSavesEveryIntervalDetection(t *testing.T) {
	f := newFixture(t)

	var last int
	job, err := f.runner.Run(context.Background(), Request{Name: "alice", Images: 10, Interval: 10}, func(saved, _ int) { last = saved })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := countFiles(t, filepath.Join(f.dir, "faces", "alice")); got != 10 {
		t.Errorf("Expected 10 saved faces, got %d", got)
	}
	// Detections 0, 10, ..., 90 are saved: the 10th save happens on the 91st frame.
	if f.src.reads != 91 {
		t.Errorf("Expected 91 frames read, got %d", f.src.reads)
	}
	if last != 10 || job.Progress.Saved != 10 {
		t.Errorf("Expected progress 10, got callback %d job %d", last, job.Progress.Saved)
	}
	if job.Status != types.JobDone || job.Result[0] != "alice" {
		t.Errorf("Unexpected job %+v", job)
	}
	if !f.faces.sawPause {
		t.Error("Expected recognition to be paused during capture")
	}
	if f.mode.IsPaused() {
		t.Error("Expected recognition to be resumed after the job")
	}

	img, err := os.Open(filepath.Join(f.dir, "faces", "alice", "0.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	cfg, _, err := image.DecodeConfig(img)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 200 || cfg.Height != 200 || cfg.ColorModel != color.GrayModel {
		t.Errorf("Expected 200x200 grayscale face, got %dx%d %v", cfg.Width, cfg.Height, cfg.ColorModel)
	}
}

func TestRunDefaultEnrollment(t *testing.T) {
	f := newFixture(t)
	if err := os.MkdirAll(filepath.Join(f.dir, "faces", "zoe"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "faces", "zoe", "0.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	job, err := f.runner.Run(context.Background(), Request{Name: "mia", Images: 100, Interval: 10}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := countFiles(t, filepath.Join(f.dir, "faces", "mia")); got != 100 {
		t.Errorf("Expected 100 saved faces, got %d", got)
	}
	if f.src.reads != 991 {
		t.Errorf("Expected 991 frames read, got %d", f.src.reads)
	}
	if job.Status != types.JobDone {
		t.Errorf("Expected job done, got %s (%s)", job.Status, job.Error)
	}
	if len(job.Result) != 2 || job.Result[0] != "mia" || job.Result[1] != "zoe" {
		t.Errorf("Expected labels {0:mia 1:zoe}, got %v", job.Result)
	}
}

func TestIntervalCountsEveryFace(t *testing.T) {
	f := newFixture(t)
	f.faces.perFrame = 3

	if _, err := f.runner.Run(context.Background(), Request{Name: "bob", Images: 4, Interval: 2}, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Detections 0, 2, 4, 6 are saved; frames carry 3 faces each.
	if f.src.reads != 3 {
		t.Errorf("Expected 3 frames read, got %d", f.src.reads)
	}
}

func TestLabelsAreAlphabetical(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"zoe", "adam"} {
		if _, err := f.runner.Run(context.Background(), Request{Name: name, Images: 2, Interval: 1}, nil); err != nil {
			t.Fatalf("Run(%s) failed: %v", name, err)
		}
	}

	labels, err := LoadLabels(filepath.Join(f.dir, "labels.json"))
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != "adam" || labels[1] != "zoe" {
		t.Errorf("Expected adam=0 zoe=1, got %v", labels)
	}
	if len(f.faces.trained.Samples) != 4 {
		t.Errorf("Expected 4 training samples, got %d", len(f.faces.trained.Samples))
	}
	for _, s := range f.faces.trained.Samples {
		want := 0
		if filepath.Base(filepath.Dir(s.Path)) == "zoe" {
			want = 1
		}
		if s.Label != want {
			t.Errorf("Sample %s labelled %d, want %d", s.Path, s.Label, want)
		}
	}
}

func TestReEnrollAppends(t *testing.T) {
	f := newFixture(t)
	req := Request{Name: "carol", Images: 3, Interval: 1}
	for i := 0; i < 2; i++ {
		if _, err := f.runner.Run(context.Background(), req, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := countFiles(t, filepath.Join(f.dir, "faces", "carol")); got != 6 {
		t.Errorf("Expected images to accumulate to 6, got %d", got)
	}
}

func TestUnavailableSourceRecordsErrorJob(t *testing.T) {
	f := newFixture(t)
	f.src.openErr = errors.New("invalid path")

	job, err := f.runner.Run(context.Background(), Request{Name: "dave"}, nil)
	if !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Fatalf("Expected ErrSourceUnavailable, got %v", err)
	}
	if job.ID == "" || job.Status != types.JobError {
		t.Errorf("Expected an error job from Run, got %+v", job)
	}

	job, err = f.runner.Start(Request{Name: "dave"})
	if !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Fatalf("Expected Start to reject the request, got %v", err)
	}
	got, ok := f.runner.Jobs().Get(job.ID)
	if !ok {
		t.Fatal("Expected the rejected request to be recorded as a job")
	}
	if got.Status != types.JobError || got.Error == "" || got.FinishedAt == nil {
		t.Errorf("Expected a finished job in error state, got %+v", got)
	}
	if len(f.runner.Jobs().List()) != 2 {
		t.Errorf("Expected 2 job records, got %d", len(f.runner.Jobs().List()))
	}
	if f.mode.IsPaused() {
		t.Error("System must not stay paused after a failed job")
	}
	if f.runner.Running() {
		t.Error("Runner must accept new jobs after a failure")
	}
}

func TestNoFacesCollected(t *testing.T) {
	f := newFixture(t)
	f.faces.perFrame = 0
	f.runner.cfg.CaptureTimeout = 50 * time.Millisecond

	_, err := f.runner.Run(context.Background(), Request{Name: "erin", Images: 1}, nil)
	if !errors.Is(err, ErrNoFacesCollected) {
		t.Fatalf("Expected ErrNoFacesCollected, got %v", err)
	}
	if f.faces.trained != nil {
		t.Error("Training must not run without new faces")
	}
}

func TestRetrainEmptyDataset(t *testing.T) {
	f := newFixture(t)

	if _, err := f.runner.Retrain(context.Background()); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("Expected ErrEmptyDataset, got %v", err)
	}

	if err := os.MkdirAll(filepath.Join(f.dir, "faces", "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := f.runner.Retrain(context.Background()); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("Expected ErrEmptyDataset for a person without images, got %v", err)
	}
}

func TestStartRejectsConcurrentJobs(t *testing.T) {
	f := newFixture(t)
	f.src.block = make(chan struct{})

	var hooked map[int]string
	f.runner.OnTrained(func(_ context.Context, labels map[int]string) { hooked = labels })

	job, err := f.runner.Start(Request{Name: "frank", Images: 1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if job.ID == "" || job.Status != types.JobRunning {
		t.Fatalf("Unexpected job %+v", job)
	}

	if _, err := f.runner.Start(Request{Name: "grace"}); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Errorf("Expected ErrJobAlreadyRunning, got %v", err)
	}

	close(f.src.block)
	f.runner.Wait()

	got, ok := f.runner.Jobs().Get(job.ID)
	if !ok {
		t.Fatal("Job record missing")
	}
	if got.Status != types.JobError || got.FinishedAt == nil {
		t.Errorf("Expected the blocked job to fail once the source closed, got %+v", got)
	}
	if hooked != nil {
		t.Error("OnTrained must not fire for a failed job")
	}
}

func TestOnTrainedHook(t *testing.T) {
	f := newFixture(t)
	var hooked map[int]string
	f.runner.OnTrained(func(_ context.Context, labels map[int]string) { hooked = labels })

	job, err := f.runner.Start(Request{Name: "heidi", Images: 1, Interval: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.runner.Wait()

	if hooked[0] != "heidi" {
		t.Errorf("Expected hook with heidi, got %v", hooked)
	}
	if got, _ := f.runner.Jobs().Get(job.ID); got.Status != types.JobDone {
		t.Errorf("Expected done, got %+v", got)
	}
}

func TestNormalize(t *testing.T) {
	r := newFixture(t).runner
	neg := -1

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "Defaults", req: Request{Name: "alice"}},
		{name: "Empty name", req: Request{Name: "  "}, wantErr: true},
		{name: "Path traversal", req: Request{Name: "../etc"}, wantErr: true},
		{name: "Dot", req: Request{Name: "."}, wantErr: true},
		{name: "Negative images", req: Request{Name: "a", Images: -1}, wantErr: true},
		{name: "Negative interval", req: Request{Name: "a", Interval: -5}, wantErr: true},
		{name: "Negative camera", req: Request{Name: "a", Camera: &neg}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Normalize(tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("Expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Images != 100 || got.Interval != 10 {
				t.Errorf("Expected defaults 100/10, got %d/%d", got.Images, got.Interval)
			}
		})
	}
}

func TestSourceFor(t *testing.T) {
	r := newFixture(t).runner
	r.cfg.DefaultSource = "rtsp://cam"
	cam := 2

	if got := r.sourceFor(Request{}); got != "rtsp://cam" {
		t.Errorf("Expected configured source, got %q", got)
	}
	if got := r.sourceFor(Request{Camera: &cam}); got != "2" {
		t.Errorf("Expected camera index, got %q", got)
	}
	if got := r.sourceFor(Request{Camera: &cam, Source: "clip.mp4"}); got != "clip.mp4" {
		t.Errorf("Expected explicit source to win, got %q", got)
	}
}
