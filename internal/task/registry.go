package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// historyLimit caps the transitions kept per task.
const historyLimit = 50

// Status is a point-in-time copy of a task record. ETA is always derived from
// State and EndTime by the registry; values set by callers are overwritten.
type Status struct {
	Name        string
	State       State
	StartTime   time.Time // zero until the first start
	EndTime     *time.Time
	LastError   string
	AutoStopped bool
	ETA         string
}

type record struct {
	status  Status
	history []Transition
}

// Registry is the single owner of task records. Every read hands out a copy;
// every write goes through Update, which publishes state, end time and ETA
// together under one lock.
type Registry struct {
	clock clockwork.Clock

	mu    sync.Mutex
	tasks map[string]*record
}

func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock: clock,
		tasks: make(map[string]*record),
	}
}

// GetOrCreate returns the record for name, creating it in StateUnknown.
func (r *Registry) GetOrCreate(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedGetOrCreate(name).status.clone()
}

// Get returns the record for name without creating one.
func (r *Registry) Get(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[name]
	if !ok {
		return Status{}, false
	}
	return rec.status.clone(), true
}

// Update applies fn to a private copy of the record (created if missing) and
// publishes it if the resulting state change is allowed. When fn returns an
// error or the transition is not allowed, the stored record is left untouched
// and returned with the error.
func (r *Registry) Update(name string, fn func(s *Status) error) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.lockedGetOrCreate(name)
	next := rec.status.clone()
	if err := fn(&next); err != nil {
		return rec.status.clone(), err
	}
	next.Name = name

	from := rec.status.State
	if !next.State.IsValid() || !CanTransition(from, next.State) {
		return rec.status.clone(), fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, name, from, next.State)
	}

	now := r.clock.Now()
	next.ETA = deriveETA(next, now)
	if from != next.State {
		rec.history = append(rec.history, Transition{From: from, To: next.State, At: now})
		if len(rec.history) > historyLimit {
			rec.history = rec.history[len(rec.history)-historyLimit:]
		}
	}
	rec.status = next
	return next.clone(), nil
}

// Snapshot returns a copy of every record, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.tasks))
	for _, rec := range r.tasks {
		out = append(out, rec.status.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transitions returns the recorded state changes for name, oldest first.
func (r *Registry) Transitions(name string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[name]
	if !ok {
		return nil
	}
	return append([]Transition(nil), rec.history...)
}

func (r *Registry) lockedGetOrCreate(name string) *record {
	rec, ok := r.tasks[name]
	if !ok {
		rec = &record{status: Status{Name: name, State: StateUnknown, ETA: ETANone}}
		r.tasks[name] = rec
	}
	return rec
}

func (s Status) clone() Status {
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}

// deriveETA: a window only exists while the task is starting or running.
func deriveETA(s Status, now time.Time) string {
	if s.State != StateRunning && s.State != StateStarting {
		return ETANone
	}
	if s.EndTime == nil {
		return ETAUnknown
	}
	return FormatETA(*s.EndTime, now)
}
