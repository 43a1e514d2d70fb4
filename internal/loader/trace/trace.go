// Package trace records the sequence of handled faults of an execution.
package trace

import (
	"sync"
	"time"
)

// Event represents a single handled fault with timing information.
type Event struct {
	Timestamp int64  `json:"ts"`   // Unix nanoseconds when handling started
	Duration  int64  `json:"dur"`  // Duration in nanoseconds
	Addr      uint64 `json:"addr"` // Faulting address
	Segment   uint64 `json:"seg"`  // Start of the owning segment, 0 when the address is in no segment
	Page      int64  `json:"page"` // Page index in the segment, -1 when unknown
	Type      uint8  `json:"typ"`
}

const (
	TypePopulate uint8 = 0
	TypeDelegate uint8 = 1
	TypeStale    uint8 = 2
)

// EventRecorder is a thread-safe recorder for fault events.
type EventRecorder struct {
	mu      sync.Mutex
	events  []Event
	enabled bool
}

// NewEventRecorder creates a new event recorder.
// If enabled is false, recording operations are no-ops.
func NewEventRecorder(enabled bool) *EventRecorder {
	r := &EventRecorder{
		enabled: enabled,
	}
	if enabled {
		r.events = make([]Event, 0, 1024)
	}

	return r
}

func (r *EventRecorder) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	if enabled && r.events == nil {
		r.events = make([]Event, 0, 1024)
	}
}

func (r *EventRecorder) IsEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.enabled
}

// Record adds an event if recording is enabled.
func (r *EventRecorder) Record(startTime time.Time, addr, segment uintptr, page int64, eventType uint8) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.events = append(r.events, Event{
		Timestamp: startTime.UnixNano(),
		Duration:  time.Since(startTime).Nanoseconds(),
		Addr:      uint64(addr),
		Segment:   uint64(segment),
		Page:      page,
		Type:      eventType,
	})
}

// Events returns a copy of all recorded events.
func (r *EventRecorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Event, len(r.events))
	copy(result, r.events)

	return result
}

// Clear removes all recorded events.
func (r *EventRecorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}
