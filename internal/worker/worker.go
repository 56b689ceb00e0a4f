package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/andresmejia3/smartlock/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by python/face_worker.py
const (
	opRecognize byte = 'R'
	opDetect    byte = 'D'
	opTrain     byte = 'T'
	opLoad      byte = 'L'
)

// Response status bytes
const (
	statusOK    byte = 0
	statusError byte = 1
)

// ErrTimeout is returned when the worker does not answer within ReadTimeout.
var ErrTimeout = errors.New("python worker timed out")

// RemoteError is a failure reported by the python side. The process is
// still healthy after returning one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// Config describes how to start the face worker.
type Config struct {
	Python      string
	Script      string
	Cascade     string
	ModelPath   string // loaded at startup when present
	ReadTimeout time.Duration
}

// PythonWorker is the face capability: detection, LBPH classification and
// training run in a python child process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	mu          sync.Mutex
}

// NewPythonWorker starts the child process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := []string{"-u", cfg.Script, "--cascade", cfg.Cascade}
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Calls are serialised so a worker can be shared between goroutines.
func (w *PythonWorker) Communicate(op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.roundTrip(op, payload)
		done <- result{body, err}
	}()

	var timeout <-chan time.Time
	if w.readTimeout > 0 {
		t := time.NewTimer(w.readTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return decodeResponse(res.body)
	case <-timeout:
		// The protocol is now out of sync; the only recovery is a new process
		w.kill()
		return nil, ErrTimeout
	}
}

func (w *PythonWorker) roundTrip(op byte, payload []byte) ([]byte, error) {
	// Protocol: [Length][Op][Payload]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// decodeResponse strips the status byte. Protocol: [Status] then JSON on
// success or [MsgLen][Msg] on failure.
func decodeResponse(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		if len(body) < 5 {
			return nil, &RemoteError{Msg: "malformed error response"}
		}
		n := binary.BigEndian.Uint32(body[1:5])
		if int(n) > len(body)-5 {
			n = uint32(len(body) - 5)
		}
		return nil, &RemoteError{Msg: string(body[5 : 5+n])}
	default:
		return nil, fmt.Errorf("unknown python worker status %d", body[0])
	}
}

// Recognize detects faces in a JPEG frame and classifies each one.
func (w *PythonWorker) Recognize(ctx context.Context, jpeg []byte) ([]types.Detection, error) {
	return w.faces(ctx, opRecognize, jpeg)
}

// Detect locates faces in a JPEG frame without classifying them.
func (w *PythonWorker) Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error) {
	return w.faces(ctx, opDetect, jpeg)
}

func (w *PythonWorker) faces(ctx context.Context, op byte, jpeg []byte) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.Communicate(op, jpeg)
	if err != nil {
		return nil, err
	}

	var faces []types.FaceResult
	if err := json.Unmarshal(resp, &faces); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	out := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		out = append(out, f.Detection())
	}
	return out, nil
}

// Train rebuilds the classifier from the samples and writes it to req.ModelPath.
func (w *PythonWorker) Train(ctx context.Context, req types.TrainRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	resp, err := w.Communicate(opTrain, payload)
	if err != nil {
		return 0, err
	}
	var out struct {
		Trained int `json:"trained"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return 0, fmt.Errorf("malformed worker response: %w", err)
	}
	return out.Trained, nil
}

// Load replaces the classifier used by Recognize with the model at path.
func (w *PythonWorker) Load(ctx context.Context, modelPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := w.Communicate(opLoad, []byte(modelPath))
	return err
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

// Close shuts the child down and waits for it.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
