// Package eventlog records door access events and answers queries by date
// and by event type. Storage is pluggable through Storer.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/smartlock/internal/types"
)

// DateLayout is the accepted query date format.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidDate is wrapped by validation errors for malformed dates.
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")
	// ErrInvalidEventType is wrapped by validation errors for unknown event types.
	ErrInvalidEventType = errors.New("invalid event type, expected OPEN, LOCKSYSTEM or ALERT")
	// ErrStorage wraps every failure of the underlying store.
	ErrStorage = errors.New("event log storage error")
)

// ValidationError reports a rejected request argument.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Filter narrows a listing. Zero values mean "no constraint".
type Filter struct {
	From *time.Time // inclusive
	To   *time.Time // exclusive
	Type types.EventType
}

// Storer persists log entries.
type Storer interface {
	// Insert stores e and fills its ID and Timestamp.
	Insert(ctx context.Context, e *types.LogEntry) error
	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]types.LogEntry, error)
	// Reset drops all stored entries.
	Reset(ctx context.Context) error
	Close() error
}

// Core validates requests and delegates to a Storer.
type Core struct {
	store Storer
	loc   *time.Location
	now   func() time.Time
	log   *slog.Logger
}

// NewCore creates the event logger. Dates are interpreted in loc (local time when nil).
func NewCore(store Storer, loc *time.Location) *Core {
	if loc == nil {
		loc = time.Local
	}
	return &Core{
		store: store,
		loc:   loc,
		now:   time.Now,
		log:   slog.With("component", "eventlog"),
	}
}

// Insert appends an event. An empty name is stored as NULL.
func (c *Core) Insert(ctx context.Context, t types.EventType, name string) (types.LogEntry, error) {
	et, err := types.ParseEventType(string(t))
	if err != nil {
		return types.LogEntry{}, &ValidationError{Field: "event_type", Value: string(t), Err: ErrInvalidEventType}
	}

	e := types.LogEntry{EventType: et, Timestamp: c.now()}
	if name != "" {
		e.Name = &name
	}
	if err := c.store.Insert(ctx, &e); err != nil {
		return types.LogEntry{}, fmt.Errorf("%w: insert: %w", ErrStorage, err)
	}
	c.log.Debug("event logged", "id", e.ID, "event_type", e.EventType, "name", name)
	return e, nil
}

// All lists every event, newest first.
func (c *Core) All(ctx context.Context) ([]types.LogEntry, error) {
	return c.list(ctx, Filter{})
}

// ByDate lists the events of one calendar day (YYYY-MM-DD).
func (c *Core) ByDate(ctx context.Context, date string) ([]types.LogEntry, error) {
	from, to, err := c.dayRange(date)
	if err != nil {
		return nil, err
	}
	return c.list(ctx, Filter{From: &from, To: &to})
}

// ByType lists the events of one type.
func (c *Core) ByType(ctx context.Context, eventType string) ([]types.LogEntry, error) {
	et, err := types.ParseEventType(eventType)
	if err != nil {
		return nil, &ValidationError{Field: "event_type", Value: eventType, Err: ErrInvalidEventType}
	}
	return c.list(ctx, Filter{Type: et})
}

// Query combines the optional date and type constraints.
func (c *Core) Query(ctx context.Context, date, eventType string) ([]types.LogEntry, error) {
	var f Filter
	if date != "" {
		from, to, err := c.dayRange(date)
		if err != nil {
			return nil, err
		}
		f.From, f.To = &from, &to
	}
	if eventType != "" {
		et, err := types.ParseEventType(eventType)
		if err != nil {
			return nil, &ValidationError{Field: "event_type", Value: eventType, Err: ErrInvalidEventType}
		}
		f.Type = et
	}
	return c.list(ctx, f)
}

// Reset removes every stored event.
func (c *Core) Reset(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("%w: reset: %w", ErrStorage, err)
	}
	return nil
}

// Close releases the store.
func (c *Core) Close() error { return c.store.Close() }

func (c *Core) list(ctx context.Context, f Filter) ([]types.LogEntry, error) {
	out, err := c.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrStorage, err)
	}
	if out == nil {
		out = []types.LogEntry{}
	}
	return out, nil
}

func (c *Core) dayRange(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "date", Value: date, Err: ErrInvalidDate}
	}
	return day, day.AddDate(0, 0, 1), nil
}
