package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/andresmejia3/smartlock/internal/types"
)

// Capability is the face capability as seen by callers.
type Capability interface {
	Recognize(ctx context.Context, jpeg []byte) ([]types.Detection, error)
	Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error)
	Train(ctx context.Context, req types.TrainRequest) (int, error)
	Load(ctx context.Context, modelPath string) error
	Close()
}

// StartFunc spawns a fresh capability process.
type StartFunc func(ctx context.Context) (Capability, error)

// Supervisor restarts the capability after transport failures (crash,
// broken pipe, timeout). Errors reported by the python side are passed
// through without a restart.
type Supervisor struct {
	ctx   context.Context
	start StartFunc
	log   *slog.Logger

	mu       sync.Mutex
	cur      Capability
	restarts int
}

// NewSupervisor creates a supervisor. The process starts lazily on first use.
func NewSupervisor(ctx context.Context, name string, start StartFunc) *Supervisor {
	return &Supervisor{
		ctx:   ctx,
		start: start,
		log:   slog.With("component", "worker", "worker", name),
	}
}

// NewPythonSupervisor supervises a python worker started from cfg.
func NewPythonSupervisor(ctx context.Context, id int, name string, cfg Config) *Supervisor {
	return NewSupervisor(ctx, name, func(ctx context.Context) (Capability, error) {
		return NewPythonWorker(ctx, id, cfg)
	})
}

func (s *Supervisor) do(fn func(c Capability) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		c, err := s.start(s.ctx)
		if err != nil {
			return err
		}
		if s.restarts > 0 {
			s.log.Info("python worker restarted", "restarts", s.restarts)
		}
		s.cur = c
	}

	err := fn(s.cur)
	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) && !errors.Is(err, context.Canceled) {
		s.log.Warn("python worker failed, restarting on next call", "error", err)
		s.cur.Close()
		s.cur = nil
		s.restarts++
	}
	return err
}

// Recognize implements Capability.
func (s *Supervisor) Recognize(ctx context.Context, jpeg []byte) (out []types.Detection, err error) {
	err = s.do(func(c Capability) error {
		out, err = c.Recognize(ctx, jpeg)
		return err
	})
	return out, err
}

// Detect implements Capability.
func (s *Supervisor) Detect(ctx context.Context, jpeg []byte) (out []types.Detection, err error) {
	err = s.do(func(c Capability) error {
		out, err = c.Detect(ctx, jpeg)
		return err
	})
	return out, err
}

// Train implements Capability.
func (s *Supervisor) Train(ctx context.Context, req types.TrainRequest) (n int, err error) {
	err = s.do(func(c Capability) error {
		n, err = c.Train(ctx, req)
		return err
	})
	return n, err
}

// Load implements Capability.
func (s *Supervisor) Load(ctx context.Context, modelPath string) error {
	return s.do(func(c Capability) error {
		return c.Load(ctx, modelPath)
	})
}

// Restarts reports how many times the process has been replaced.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Close stops the current process, if any.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}
