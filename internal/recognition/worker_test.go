package recognition

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/smartlock/internal/debounce"
	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/framepub"
	"github.com/andresmejia3/smartlock/internal/mode"
	"github.com/andresmejia3/smartlock/internal/types"
)

// scriptedSource serves n frames and then cancels the run.
type scriptedSource struct {
	n      int
	served int
	cancel context.CancelFunc
}

func (s *scriptedSource) Read(ctx context.Context) (*image.RGBA, time.Time, error) {
	if s.served >= s.n {
		s.cancel()
		<-ctx.Done()
		return nil, time.Time{}, ctx.Err()
	}
	s.served++
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), time.Time{}, nil
}

func (s *scriptedSource) Connected() bool    { return true }
func (s *scriptedSource) Reconnects() uint64 { return 0 }

type fakeFaces struct {
	dets      []types.Detection
	err       error
	calls     int
	loadedArg string
}

func (f *fakeFaces) Recognize(context.Context, []byte) ([]types.Detection, error) {
	f.calls++
	return f.dets, f.err
}

func (f *fakeFaces) Load(_ context.Context, path string) error {
	f.loadedArg = path
	return nil
}

type fakeDoor struct {
	unlocks int
	err     error
}

func (d *fakeDoor) Unlock() error {
	d.unlocks++
	return d.err
}

type fakeEvents struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (e *fakeEvents) Insert(_ context.Context, t types.EventType, name string) (types.LogEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, string(t)+":"+name)
	return types.LogEntry{EventType: t}, e.err
}

type harness struct {
	w      *Worker
	src    *scriptedSource
	faces  *fakeFaces
	door   *fakeDoor
	events *fakeEvents
	frames *framepub.Publisher
	mode   *mode.Coordinator
	clock  time.Time
}

// newHarness builds a worker whose clock advances 100ms per frame.
func newHarness(t *testing.T, frames int, dets []types.Detection) (*harness, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	labels := filepath.Join(t.TempDir(), "labels.json")
	if err := enroll.SaveLabels(labels, map[int]string{0: "alice", 1: "bob"}); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		src:    &scriptedSource{n: frames, cancel: cancel},
		faces:  &fakeFaces{dets: dets},
		door:   &fakeDoor{},
		events: &fakeEvents{},
		frames: framepub.New(),
		mode:   mode.New(),
		clock:  time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
	h.w = New(Config{FPS: 10, LabelsPath: labels, ModelPath: "model.yml"}, Deps{
		Source:   h.src,
		Faces:    h.faces,
		Debounce: debounce.New(100, 7*time.Second),
		Mode:     h.mode,
		Frames:   h.frames,
		Door:     h.door,
		Events:   h.events,
	})
	h.w.now = func() time.Time { return h.clock }
	h.w.wait = func(ctx context.Context, d time.Duration) error {
		h.clock = h.clock.Add(d)
		return ctx.Err()
	}
	return h, ctx
}

func match(label int, distance float64) types.Detection {
	return types.Detection{Region: types.Region{X: 10, Y: 10, Width: 20, Height: 20}, Label: label, Distance: distance}
}

func TestRunUnlocksOncePerHold(t *testing.T) {
	h, ctx := newHarness(t, 100, []types.Detection{match(0, 40)})

	if err := h.w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// 100 frames at 100ms: unlocks at t=0s and t=7s.
	if h.door.unlocks != 2 {
		t.Errorf("Expected 2 unlocks over 10s with a 7s hold, got %d", h.door.unlocks)
	}
	if len(h.events.entries) != 2 || h.events.entries[0] != "OPEN:alice" {
		t.Errorf("Unexpected log entries %v", h.events.entries)
	}
	if st := h.w.Stats(); st.Frames != 100 || st.Unlocks != 2 || st.Detections != 100 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if _, ok := h.frames.Latest(); !ok {
		t.Error("Expected a published frame")
	}
}

func TestMultipleMatchesInOneFrame(t *testing.T) {
	h, ctx := newHarness(t, 1, []types.Detection{match(1, 10), match(0, 20)})

	h.w.Run(ctx)

	if h.door.unlocks != 1 {
		t.Fatalf("Expected exactly one unlock, got %d", h.door.unlocks)
	}
	if h.events.entries[0] != "OPEN:bob" {
		t.Errorf("Expected the first match to win, got %v", h.events.entries)
	}
}

func TestNoUnlockAboveThreshold(t *testing.T) {
	h, ctx := newHarness(t, 20, []types.Detection{match(0, 100), {Label: -1}})

	h.w.Run(ctx)

	if h.door.unlocks != 0 || len(h.events.entries) != 0 {
		t.Errorf("Expected no unlocks, got %d (%v)", h.door.unlocks, h.events.entries)
	}
}

func TestPausedSkipsEvaluation(t *testing.T) {
	h, ctx := newHarness(t, 5, []types.Detection{match(0, 5)})
	h.mode.Pause()

	h.w.Run(ctx)

	if h.door.unlocks != 0 {
		t.Errorf("Expected no unlock while enrolling, got %d", h.door.unlocks)
	}
	if h.frames.Stats().Published != 5 {
		t.Errorf("Expected frames to keep streaming while paused, got %d", h.frames.Stats().Published)
	}
}

func TestCapabilityErrorIsNotFatal(t *testing.T) {
	h, ctx := newHarness(t, 3, nil)
	h.faces.err = errors.New("python worker error: boom")

	if err := h.w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if h.faces.calls != 3 {
		t.Errorf("Expected every frame to be attempted, got %d calls", h.faces.calls)
	}
	if st := h.w.Stats(); st.FaceErrors != 3 || st.Frames != 3 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestActuatorFailureStillCommits(t *testing.T) {
	h, ctx := newHarness(t, 10, []types.Detection{match(0, 1)})
	h.door.err = errors.New("not connected")
	h.events.err = errors.New("db down")

	h.w.Run(ctx)

	if h.door.unlocks != 1 {
		t.Errorf("Expected debounce to hold after a failed publish, got %d attempts", h.door.unlocks)
	}
	if st := h.w.Stats(); st.ActuatorErrs != 1 || st.LogErrors != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if h.w.Health().Door != "HOLD" {
		t.Errorf("Expected HOLD, got %s", h.w.Health().Door)
	}
}

func TestReloadModel(t *testing.T) {
	h, _ := newHarness(t, 0, nil)

	if err := enroll.SaveLabels(h.w.cfg.LabelsPath, map[int]string{0: "carol"}); err != nil {
		t.Fatal(err)
	}
	if err := h.w.ReloadModel(context.Background()); err != nil {
		t.Fatalf("ReloadModel failed: %v", err)
	}
	if h.faces.loadedArg != "model.yml" {
		t.Errorf("Expected model.yml to be loaded, got %q", h.faces.loadedArg)
	}
	if got := h.w.labelName(0); got != "carol" {
		t.Errorf("Expected reloaded label carol, got %q", got)
	}
	if got := h.w.labelName(1); got != "Unknown" {
		t.Errorf("Expected stale label to be gone, got %q", got)
	}
}
