package task

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tastythames/task-launcher/internal/inventory"
)

const (
	// ETANone means no time window applies.
	ETANone = "NULL"
	// ETAUnknown means the task runs but its end time could not be recovered.
	ETAUnknown = "unknown"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrOperationInProgress = errors.New("operation already in progress")
)

// DurationOption maps an option id to a run duration in hours.
type DurationOption struct {
	ID    int `json:"id"`
	Hours int `json:"hours"`
}

var durationOptions = []DurationOption{
	{ID: 1, Hours: 3},
	{ID: 2, Hours: 6},
	{ID: 3, Hours: 12},
	{ID: 4, Hours: 24},
}

// DurationOptions returns the duration table in id order.
func DurationOptions() []DurationOption {
	return slices.Clone(durationOptions)
}

// OptionTable returns the duration table keyed by id.
func OptionTable() map[int]int {
	m := make(map[int]int, len(durationOptions))
	for _, o := range durationOptions {
		m[o.ID] = o.Hours
	}
	return m
}

func HoursFor(id int) (int, bool) {
	for _, o := range durationOptions {
		if o.ID == id {
			return o.Hours, true
		}
	}
	return 0, false
}

func IsValidOption(id int) bool {
	_, ok := HoursFor(id)
	return ok
}

// ValidationError rejects a start request before anything runs remotely.
type ValidationError struct {
	Message string
	// ValidOptions is set when the option id is not in the table.
	ValidOptions map[int]int
	// AllowedOptions is set when the task restricts its option ids.
	AllowedOptions []int
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateStart checks an option against the table and the task's limits and
// returns the granted hours. The first violated rule wins.
func ValidateStart(def inventory.Task, option int) (int, error) {
	hours, ok := HoursFor(option)
	if !ok {
		return 0, &ValidationError{Message: "Invalid time option!", ValidOptions: OptionTable()}
	}
	if def.MaxTime != nil && hours > *def.MaxTime {
		return 0, &ValidationError{Message: fmt.Sprintf("Time option is too big!: %dhour", *def.MaxTime)}
	}
	if len(def.AllowedTimes) > 0 && !slices.Contains(def.AllowedTimes, option) {
		return 0, &ValidationError{
			Message:        "This task does not allow this time option!",
			AllowedOptions: slices.Clone(def.AllowedTimes),
		}
	}
	return hours, nil
}

// FormatETA renders the time left until end as HH:MM. Hours are not rolled
// into days and may exceed two digits.
func FormatETA(end, now time.Time) string {
	if !now.Before(end) {
		return "00:00"
	}
	left := end.Sub(now)
	hours := int64(left / time.Hour)
	minutes := int64((left % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}
