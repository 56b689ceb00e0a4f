// Package enroll captures face images for a person and retrains the
// classifier over every person enrolled so far.
//
// At most one job runs at a time. The recognition loop is paused for the
// whole job and always resumed, whatever the outcome.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/smartlock/internal/capture"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/andresmejia3/smartlock/internal/vision"
)

var (
	// ErrJobAlreadyRunning is returned by Start while another job is running.
	ErrJobAlreadyRunning = errors.New("an enrollment job is already running")
	// ErrNoFacesCollected is returned when capture ended without a single saved face.
	ErrNoFacesCollected = errors.New("no faces collected")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid enrollment request")
)

// detectQuality is the JPEG quality of frames sent for detection.
const detectQuality = 90

// Faces is the part of the face capability enrollment needs.
type Faces interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error)
	Train(ctx context.Context, req types.TrainRequest) (int, error)
}

// Pauser is the mode coordinator.
type Pauser interface {
	Pause() bool
	Resume() bool
}

// SourceFactory opens a frame source for a camera index, file or URL.
type SourceFactory func(source string) capture.Source

// TrainedHook runs after a successful retrain.
type TrainedHook func(ctx context.Context, labels map[int]string)

// Request asks for a person to be enrolled.
type Request struct {
	Name     string `json:"name"`
	Camera   *int   `json:"camera,omitempty"`
	Source   string `json:"source,omitempty"`
	Images   int    `json:"images,omitempty"`
	Interval int    `json:"interval,omitempty"`
}

// Config tunes the runner.
type Config struct {
	FacesDir        string
	ModelPath       string
	LabelsPath      string
	DefaultSource   string
	FaceSize        int
	DefaultImages   int
	DefaultInterval int
	CaptureTimeout  time.Duration
}

// Runner executes enrollment jobs.
type Runner struct {
	cfg   Config
	faces Faces
	mode  Pauser
	open  SourceFactory
	jobs  *Registry
	log   *slog.Logger

	base    context.Context
	running atomic.Bool
	wg      sync.WaitGroup

	hooksMu sync.Mutex
	hooks   []TrainedHook
}

// NewRunner creates a runner. Background jobs are cancelled when ctx is.
func NewRunner(ctx context.Context, cfg Config, faces Faces, mode Pauser, open SourceFactory) *Runner {
	if cfg.FaceSize <= 0 {
		cfg.FaceSize = 200
	}
	if cfg.DefaultImages <= 0 {
		cfg.DefaultImages = 100
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 10
	}
	return &Runner{
		cfg:   cfg,
		faces: faces,
		mode:  mode,
		open:  open,
		jobs:  NewRegistry(),
		log:   slog.With("component", "enroll"),
		base:  ctx,
	}
}

// Jobs exposes the job registry.
func (r *Runner) Jobs() *Registry { return r.jobs }

// OnTrained registers a hook fired after each successful retrain.
func (r *Runner) OnTrained(h TrainedHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()
}

// Running reports whether a job is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// Wait blocks until background jobs have finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Normalize fills defaults and validates the request.
func (r *Runner) Normalize(req Request) (Request, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return req, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if req.Name == "." || req.Name == ".." || strings.ContainsAny(req.Name, `/\`) || strings.HasPrefix(req.Name, ".") {
		return req, fmt.Errorf("%w: name %q is not a valid directory name", ErrInvalidRequest, req.Name)
	}
	if req.Images == 0 {
		req.Images = r.cfg.DefaultImages
	}
	if req.Interval == 0 {
		req.Interval = r.cfg.DefaultInterval
	}
	if req.Images < 1 {
		return req, fmt.Errorf("%w: images must be at least 1", ErrInvalidRequest)
	}
	if req.Interval < 1 {
		return req, fmt.Errorf("%w: interval must be at least 1", ErrInvalidRequest)
	}
	if req.Camera != nil && *req.Camera < 0 {
		return req, fmt.Errorf("%w: camera index must not be negative", ErrInvalidRequest)
	}
	return req, nil
}

// Start validates req, pauses recognition, opens the video source and runs
// the capture in the background. An unopenable source is returned here and
// also recorded as a job in error state.
func (r *Runner) Start(req Request) (types.EnrollmentJob, error) {
	req, err := r.Normalize(req)
	if err != nil {
		return types.EnrollmentJob{}, err
	}
	if !r.running.CompareAndSwap(false, true) {
		return types.EnrollmentJob{}, ErrJobAlreadyRunning
	}

	sess, err := r.begin(r.base, req)
	if err != nil {
		r.running.Store(false)
		return r.failed(req, err), err
	}

	job := r.jobs.Create(req.Name, req.Images)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		r.execute(r.base, job.ID, req, sess, nil)
	}()
	return job, nil
}

// Run executes a job in the foreground. progress, when set, receives each saved count.
func (r *Runner) Run(ctx context.Context, req Request, progress func(saved, target int)) (types.EnrollmentJob, error) {
	req, err := r.Normalize(req)
	if err != nil {
		return types.EnrollmentJob{}, err
	}
	if !r.running.CompareAndSwap(false, true) {
		return types.EnrollmentJob{}, ErrJobAlreadyRunning
	}
	defer r.running.Store(false)

	sess, err := r.begin(ctx, req)
	if err != nil {
		return r.failed(req, err), err
	}

	job := r.jobs.Create(req.Name, req.Images)
	err = r.execute(ctx, job.ID, req, sess, progress)
	job, _ = r.jobs.Get(job.ID)
	return job, err
}

// failed records a job that never got past opening its source.
func (r *Runner) failed(req Request, err error) types.EnrollmentJob {
	job := r.jobs.Create(req.Name, req.Images)
	r.jobs.Finish(job.ID, nil, err)
	job, _ = r.jobs.Get(job.ID)
	return job
}

// session is an opened capture. ctx bounds the capture and keeps the source alive.
type session struct {
	src    capture.Source
	ctx    context.Context
	cancel context.CancelFunc
}

// begin pauses recognition and opens the source. On failure nothing stays paused.
func (r *Runner) begin(ctx context.Context, req Request) (*session, error) {
	r.mode.Pause()

	var captureCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.CaptureTimeout > 0 {
		captureCtx, cancel = context.WithTimeout(ctx, r.cfg.CaptureTimeout)
	} else {
		captureCtx, cancel = context.WithCancel(ctx)
	}

	source := r.sourceFor(req)
	src := r.open(source)
	if err := src.Open(captureCtx); err != nil {
		cancel()
		r.mode.Resume()
		r.log.Warn("enrollment source unavailable", "source", source, "error", err)
		if errors.Is(err, capture.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err)
	}
	return &session{src: src, ctx: captureCtx, cancel: cancel}, nil
}

func (r *Runner) execute(ctx context.Context, id string, req Request, sess *session, progress func(saved, target int)) (err error) {
	log := r.log.With("job_id", id, "name", req.Name)

	defer r.mode.Resume()
	defer sess.cancel()
	defer sess.src.Close()

	var labels map[int]string
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("enrollment panicked: %v", p)
		}
		r.jobs.Finish(id, labels, err)
		if err != nil {
			log.Error("enrollment failed", "error", err)
		}
	}()

	log.Info("enrollment started", "images", req.Images, "interval", req.Interval)
	saved, err := r.capture(ctx, id, req, sess, progress)
	if err != nil {
		return err
	}
	if saved == 0 {
		return ErrNoFacesCollected
	}
	log.Info("capture finished", "saved", saved)

	labels, err = r.Retrain(ctx)
	if err != nil {
		return err
	}
	log.Info("enrollment finished", "persons", len(labels))
	return nil
}

func (r *Runner) sourceFor(req Request) string {
	switch {
	case req.Source != "":
		return req.Source
	case req.Camera != nil:
		return strconv.Itoa(*req.Camera)
	default:
		return r.cfg.DefaultSource
	}
}

// capture saves one face crop every req.Interval detections until
// req.Images are saved, ctx ends or the capture timeout elapses.
func (r *Runner) capture(ctx context.Context, id string, req Request, sess *session, progress func(saved, target int)) (int, error) {
	dir := filepath.Join(r.cfg.FacesDir, req.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create face dir: %w", err)
	}
	offset := nextIndex(dir)

	captureCtx, src := sess.ctx, sess.src
	saved, detections := 0, 0
	for saved < req.Images {
		if captureCtx.Err() != nil {
			break
		}

		img, _, err := src.Read()
		if err != nil {
			if captureCtx.Err() != nil {
				break
			}
			r.log.Warn("frame read failed, reopening source", "job_id", id, "error", err)
			src.Close()
			if err := src.Open(captureCtx); err != nil {
				if captureCtx.Err() != nil {
					break
				}
				return saved, fmt.Errorf("reopen source: %w", err)
			}
			continue
		}

		data, err := vision.EncodeJPEG(img, detectQuality)
		if err != nil {
			return saved, err
		}
		dets, err := r.faces.Detect(captureCtx, data)
		if err != nil {
			r.log.Warn("face detection failed", "job_id", id, "error", err)
			continue
		}

		for _, d := range dets {
			if detections%req.Interval == 0 && saved < req.Images {
				path := filepath.Join(dir, fmt.Sprintf("%d.jpg", offset+saved))
				if err := r.saveFace(img, d.Region, path); err != nil {
					r.log.Warn("failed to save face", "path", path, "error", err)
				} else {
					saved++
					r.jobs.Progress(id, saved)
					if progress != nil {
						progress(saved, req.Images)
					}
				}
			}
			detections++
		}
	}

	// Shutdown aborts the job; an elapsed capture timeout keeps what was saved.
	if err := ctx.Err(); err != nil {
		return saved, err
	}
	if captureCtx.Err() != nil {
		r.log.Warn("capture timeout elapsed", "job_id", id, "saved", saved, "target", req.Images)
	}
	return saved, nil
}

func (r *Runner) saveFace(img *image.RGBA, region types.Region, path string) error {
	gray, err := vision.GrayCrop(img, region.Rect())
	if err != nil {
		return err
	}
	return vision.SaveGrayJPEG(path, vision.ResizeFace(gray, r.cfg.FaceSize))
}

// nextIndex returns the first free numeric file name in dir.
func nextIndex(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	next := 0
	for _, e := range entries {
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// Retrain rebuilds the model over the whole faces directory and saves the label map.
func (r *Runner) Retrain(ctx context.Context) (map[int]string, error) {
	ds, err := BuildDataset(r.cfg.FacesDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.ModelPath), 0755); err != nil {
		return nil, err
	}

	n, err := r.faces.Train(ctx, types.TrainRequest{ModelPath: r.cfg.ModelPath, Samples: ds.Samples})
	if err != nil {
		return nil, fmt.Errorf("train model: %w", err)
	}
	if err := SaveLabels(r.cfg.LabelsPath, ds.Labels); err != nil {
		return nil, fmt.Errorf("save labels: %w", err)
	}
	r.log.Info("model trained", "samples", n, "persons", len(ds.Labels), "model", r.cfg.ModelPath)

	r.hooksMu.Lock()
	hooks := append([]TrainedHook(nil), r.hooks...)
	r.hooksMu.Unlock()
	for _, h := range hooks {
		h(ctx, ds.Labels)
	}
	return ds.Labels, nil
}
