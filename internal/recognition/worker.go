package recognition

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/smartlock/internal/debounce"
	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/andresmejia3/smartlock/internal/vision"
)

// FrameReader yields camera frames; Read only fails once ctx is cancelled.
type FrameReader interface {
	Read(ctx context.Context) (*image.RGBA, time.Time, error)
	Connected() bool
	Reconnects() uint64
}

// Recognizer is the part of the face capability the loop needs.
type Recognizer interface {
	Recognize(ctx context.Context, jpeg []byte) ([]types.Detection, error)
	Load(ctx context.Context, modelPath string) error
}

// Actuator sends the unlock command to the door.
type Actuator interface {
	Unlock() error
}

// EventLogger records access events.
type EventLogger interface {
	Insert(ctx context.Context, t types.EventType, name string) (types.LogEntry, error)
}

// FramePublisher receives annotated frames.
type FramePublisher interface {
	Publish(frame types.Frame) uint64
}

// PauseChecker reports whether enrollment currently owns the pipeline.
type PauseChecker interface {
	IsPaused() bool
}

// Config tunes the loop.
type Config struct {
	FPS         int
	JPEGQuality int
	ModelPath   string
	LabelsPath  string
}

// Deps are the collaborators of the loop.
type Deps struct {
	Source   FrameReader
	Faces    Recognizer
	Debounce *debounce.Machine
	Mode     PauseChecker
	Frames   FramePublisher
	Door     Actuator
	Events   EventLogger
}

// Stats are running counters of the loop.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Detections   uint64 `json:"detections"`
	Unlocks      uint64 `json:"unlocks"`
	FaceErrors   uint64 `json:"face_errors"`
	ActuatorErrs uint64 `json:"actuator_errors"`
	LogErrors    uint64 `json:"log_errors"`
}

// Health describes whether the loop is receiving frames.
type Health struct {
	SourceUp   bool      `json:"source_up"`
	Reconnects uint64    `json:"reconnects"`
	Door       string    `json:"door_state"`
	LastOpenAt time.Time `json:"last_open_at"`
	Stats      Stats     `json:"stats"`
}

// captureQuality is the JPEG quality of frames handed to the face capability.
const captureQuality = 90

// Worker is the always-on recognition loop.
type Worker struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	labelsMu sync.RWMutex
	labels   map[int]string

	doorMu sync.Mutex // guards snapshots of the debounce machine for Health
	door   debounce.DoorState
	state  debounce.State

	frames, detections, unlocks  atomic.Uint64
	faceErrs, doorErrs, logErrs atomic.Uint64
}

// New builds a worker. Labels are loaded from cfg.LabelsPath when present.
func New(cfg Config, deps Deps) *Worker {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	w := &Worker{
		cfg:    cfg,
		deps:   deps,
		log:    slog.With("component", "recognition"),
		now:    time.Now,
		wait:   sleepCtx,
		labels: map[int]string{},
	}
	if cfg.LabelsPath != "" {
		if labels, err := enroll.LoadLabels(cfg.LabelsPath); err != nil {
			w.log.Warn("failed to load labels", "path", cfg.LabelsPath, "error", err)
		} else {
			w.labels = labels
		}
	}
	w.snapshotDoor()
	return w
}

// Run processes frames until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.FPS)
	w.log.Info("recognition loop started", "fps", w.cfg.FPS, "threshold", w.deps.Debounce.Threshold())

	for {
		img, ts, err := w.deps.Source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("recognition loop stopped", "frames", w.frames.Load())
				return nil
			}
			w.log.Warn("frame read failed", "error", err)
			continue
		}

		w.ProcessFrame(ctx, img, ts)

		if err := w.wait(ctx, interval); err != nil {
			w.log.Info("recognition loop stopped", "frames", w.frames.Load())
			return nil
		}
	}
}

// ProcessFrame runs detection, actuation and annotation for one frame and
// publishes the result.
func (w *Worker) ProcessFrame(ctx context.Context, img *image.RGBA, ts time.Time) {
	m := w.deps.Debounce
	m.Expire(w.now())

	dets := w.recognize(ctx, img)
	paused := w.deps.Mode.IsPaused()

	for _, d := range dets {
		r := d.Region.Rect()
		if paused {
			vision.DrawBox(img, r, vision.Orange, 2)
			vision.DrawLabel(img, r.Min.X, r.Min.Y-4, "enrolling", vision.Orange)
			continue
		}

		name := w.labelName(d.Label)
		matched := d.HasIdentity() && m.Matches(d.Distance)
		now := w.now()
		switch {
		case matched && m.Evaluate(now, d.Distance):
			w.unlock(ctx, name)
			m.Commit(now)
		case matched:
			w.log.Debug("recognised face debounced", "name", name, "distance", d.Distance, "state", m.State())
		default:
			w.log.Debug("face not recognised", "distance", d.Distance)
		}

		c, text := vision.Red, "Unknown"
		if matched {
			c, text = vision.Green, fmt.Sprintf("%s %.0f", name, d.Distance)
		}
		vision.DrawBox(img, r, c, 2)
		vision.DrawLabel(img, r.Min.X, r.Min.Y-4, text, c)
	}

	m.Expire(w.now())
	w.snapshotDoor()

	data, err := vision.EncodeJPEG(img, w.cfg.JPEGQuality)
	if err != nil {
		w.log.Error("failed to encode frame", "error", err)
		return
	}
	if ts.IsZero() {
		ts = w.now()
	}
	w.deps.Frames.Publish(types.Frame{
		Timestamp: ts,
		Width:     img.Rect.Dx(),
		Height:    img.Rect.Dy(),
		Data:      data,
	})

	if n := w.frames.Add(1); n%100 == 0 {
		w.log.Debug("frames processed", "count", n, "unlocks", w.unlocks.Load())
	}
}

func (w *Worker) recognize(ctx context.Context, img *image.RGBA) []types.Detection {
	data, err := vision.EncodeJPEG(img, captureQuality)
	if err != nil {
		w.faceErrs.Add(1)
		w.log.Warn("failed to encode frame for recognition", "error", err)
		return nil
	}
	dets, err := w.deps.Faces.Recognize(ctx, data)
	if err != nil {
		w.faceErrs.Add(1)
		w.log.Warn("face recognition failed, skipping frame", "error", err)
		return nil
	}
	w.detections.Add(uint64(len(dets)))
	return dets
}

// unlock publishes the command and records the access. Failures are logged only.
func (w *Worker) unlock(ctx context.Context, name string) {
	if err := w.deps.Door.Unlock(); err != nil {
		w.doorErrs.Add(1)
		w.log.Error("unlock publish failed", "name", name, "error", err)
	} else {
		w.log.Info("door unlocked", "name", name)
	}
	w.unlocks.Add(1)

	if _, err := w.deps.Events.Insert(ctx, types.EventOpen, name); err != nil {
		w.logErrs.Add(1)
		w.log.Error("failed to record unlock", "name", name, "error", err)
	}
}

func (w *Worker) labelName(label int) string {
	w.labelsMu.RLock()
	defer w.labelsMu.RUnlock()
	if name, ok := w.labels[label]; ok {
		return name
	}
	return "Unknown"
}

// ReloadModel makes the face capability load the current model and refreshes the label map.
func (w *Worker) ReloadModel(ctx context.Context) error {
	labels, err := enroll.LoadLabels(w.cfg.LabelsPath)
	if err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	if err := w.deps.Faces.Load(ctx, w.cfg.ModelPath); err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	w.labelsMu.Lock()
	w.labels = labels
	w.labelsMu.Unlock()

	w.log.Info("model reloaded", "persons", len(labels))
	return nil
}

// SetLabels replaces the label map.
func (w *Worker) SetLabels(labels map[int]string) {
	w.labelsMu.Lock()
	w.labels = labels
	w.labelsMu.Unlock()
}

// Stats returns the loop counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Frames:       w.frames.Load(),
		Detections:   w.detections.Load(),
		Unlocks:      w.unlocks.Load(),
		FaceErrors:   w.faceErrs.Load(),
		ActuatorErrs: w.doorErrs.Load(),
		LogErrors:    w.logErrs.Load(),
	}
}

// Health reports source connectivity and the door state.
func (w *Worker) Health() Health {
	w.doorMu.Lock()
	door, state := w.door, w.state
	w.doorMu.Unlock()

	return Health{
		SourceUp:   w.deps.Source.Connected(),
		Reconnects: w.deps.Source.Reconnects(),
		Door:       state.String(),
		LastOpenAt: door.LastOpenAt,
		Stats:      w.Stats(),
	}
}

func (w *Worker) snapshotDoor() {
	w.doorMu.Lock()
	w.door = w.deps.Debounce.DoorState()
	w.state = w.deps.Debounce.State()
	w.doorMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
