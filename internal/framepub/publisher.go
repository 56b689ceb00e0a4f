// Package framepub holds the single most recent annotated frame.
//
// Publish overwrites the slot unconditionally; there is no queue and no
// backpressure, so a slow stream consumer only ever sees the newest frame.
// Frames are immutable after Publish: the publisher hands over ownership of
// Frame.Data and must not touch it again.
package framepub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/smartlock/internal/types"
)

// IdleThreshold is how long without a publish before the feed counts as stalled.
const IdleThreshold = 30 * time.Second

// Publisher is a last-write-wins frame slot. Single writer, many readers.
type Publisher struct {
	mu     sync.RWMutex
	latest types.Frame
	has    bool

	seq       atomic.Uint64
	overwrite atomic.Uint64 // frames replaced before any reader saw them
	read      atomic.Bool
}

// New returns an empty publisher.
func New() *Publisher { return &Publisher{} }

// Publish replaces the slot and returns the sequence number assigned to frame.
func (p *Publisher) Publish(frame types.Frame) uint64 {
	frame.Seq = p.seq.Add(1)
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	p.mu.Lock()
	if p.has && !p.read.Load() {
		p.overwrite.Add(1)
	}
	p.latest = frame
	p.has = true
	p.read.Store(false)
	p.mu.Unlock()

	return frame.Seq
}

// Latest returns the newest frame. ok is false until the first Publish.
func (p *Publisher) Latest() (frame types.Frame, ok bool) {
	p.mu.RLock()
	frame, ok = p.latest, p.has
	p.mu.RUnlock()
	if ok {
		p.read.Store(true)
	}
	return frame, ok
}

// Stats is an operational snapshot.
type Stats struct {
	Published   uint64
	Overwritten uint64
	LastAt      time.Time
	Idle        bool
}

// Stats returns publish counters. Idle is true when nothing was published
// within IdleThreshold (or ever).
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	last, has := p.latest.Timestamp, p.has
	p.mu.RUnlock()

	return Stats{
		Published:   p.seq.Load(),
		Overwritten: p.overwrite.Load(),
		LastAt:      last,
		Idle:        !has || time.Since(last) > IdleThreshold,
	}
}
