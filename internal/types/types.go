package types

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// Frame is an encoded, annotated video frame ready for streaming.
// Data is never mutated after the frame is published.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte // JPEG
}

// Region is a face bounding box in pixel coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Detection is a located face, optionally with an identity guess.
// Distance is the classifier distance (lower is more similar).
type Detection struct {
	Region   Region
	Label    int // -1 when no identity was requested or no model is loaded
	Name     string
	Distance float64
}

// HasIdentity reports whether the classifier produced a label.
func (d Detection) HasIdentity() bool { return d.Label >= 0 }

// FaceResult matches the JSON structure coming back from the python worker
type FaceResult struct {
	Box      [4]int  `json:"box"` // [x, y, w, h]
	Label    *int    `json:"label,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// Detection converts the wire form into a Detection.
func (f FaceResult) Detection() Detection {
	label := -1
	if f.Label != nil {
		label = *f.Label
	}
	return Detection{
		Region:   Region{X: f.Box[0], Y: f.Box[1], Width: f.Box[2], Height: f.Box[3]},
		Label:    label,
		Distance: f.Distance,
	}
}

// TrainSample is one labelled grayscale face image on disk.
type TrainSample struct {
	Path  string `json:"path"`
	Label int    `json:"label"`
}

// TrainRequest is sent to the python worker to rebuild the classifier.
type TrainRequest struct {
	ModelPath string        `json:"model_path"`
	Samples   []TrainSample `json:"samples"`
}

// EventType classifies an access log entry.
type EventType string

const (
	EventOpen       EventType = "OPEN"
	EventLockSystem EventType = "LOCKSYSTEM"
	EventAlert      EventType = "ALERT"
)

// ParseEventType accepts the event type case-insensitively.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToUpper(strings.TrimSpace(s))); t {
	case EventOpen, EventLockSystem, EventAlert:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// LogEntry is an append-only access event.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Name      *string   `json:"name"`
}

// JobStatus is the lifecycle state of an enrollment job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// JobProgress reports how many face images a job has saved so far.
type JobProgress struct {
	Saved  int `json:"saved"`
	Target int `json:"target"`
}

// EnrollmentJob is the status record of one enrollment run.
type EnrollmentJob struct {
	ID         string         `json:"job_id"`
	Name       string         `json:"name"`
	Status     JobStatus      `json:"status"`
	Progress   JobProgress    `json:"progress"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Result     map[int]string `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}
