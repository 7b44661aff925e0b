// Package qbv programs the time-aware (IEEE 802.1Qbv) gate shaper of a TSN
// MAC and keeps the per-queue transmit gates consistent with the schedules
// installed on it.
//
// The shaper has two register banks. Software writes a new schedule into
// the admin bank and sets the config-change bit; hardware copies it into the
// operational bank at its base time and reports the swap.
package qbv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxQueues is the number of gates a gate mask can address.
	MaxQueues      = 8
	MaxEntries     = 256
	MaxCycleTimeNs = 1<<30 - 1
	MaxIntervalNs  = 1<<30 - 1

	// AllGatesOpen is the gate mask in effect while no schedule runs.
	AllGatesOpen uint8 = 0xFF
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Timestamp is a PTP time.
type Timestamp struct {
	Sec  uint64 `yaml:"sec"`
	Nsec uint32 `yaml:"nsec"`
}

func FromTime(t time.Time) Timestamp {
	return Timestamp{Sec: uint64(t.Unix()), Nsec: uint32(t.Nanosecond())}
}

func (t Timestamp) Time() time.Time { return time.Unix(int64(t.Sec), int64(t.Nsec)) }

func (t Timestamp) Before(u Timestamp) bool {
	return t.Sec < u.Sec || t.Sec == u.Sec && t.Nsec < u.Nsec
}

// Sub returns t-u in nanoseconds.
func (t Timestamp) Sub(u Timestamp) int64 {
	return (int64(t.Sec)-int64(u.Sec))*1e9 + int64(t.Nsec) - int64(u.Nsec)
}

func (t Timestamp) Add(d time.Duration) Timestamp {
	ns := int64(t.Nsec) + d.Nanoseconds()
	sec := int64(t.Sec) + ns/1e9
	ns %= 1e9
	if ns < 0 {
		ns += 1e9
		sec--
	}
	return Timestamp{Sec: uint64(sec), Nsec: uint32(ns)}
}

func (t Timestamp) String() string { return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec) }

// Entry opens the gates in GateMask (bit q = queue q) for IntervalNs.
type Entry struct {
	GateMask   uint8  `yaml:"gate-mask"`
	IntervalNs uint32 `yaml:"interval-ns"`
}

type Schedule struct {
	CycleTimeNs uint32    `yaml:"cycle-time-ns"`
	BaseTime    Timestamp `yaml:"base-time"`
	Entries     []Entry   `yaml:"entries"`
}

// Disabled is what the shaper reports while gating is off.
var Disabled = Schedule{}

func (s Schedule) IsDisabled() bool { return s.CycleTimeNs == 0 }

// RequiredQueues is the union of the gate masks of all entries.
func (s Schedule) RequiredQueues() QueueSet {
	var m QueueSet
	for _, e := range s.Entries {
		m |= QueueSet(e.GateMask)
	}
	return m
}

// GateMaskAt returns the gates open at time t. Before the base time, and
// for a disabled schedule, all gates are open. The remainder of a cycle
// past the last entry keeps the last entry's gates.
func (s Schedule) GateMaskAt(t Timestamp) uint8 {
	if s.IsDisabled() || len(s.Entries) == 0 || t.Before(s.BaseTime) {
		return AllGatesOpen
	}
	off := uint64(t.Sub(s.BaseTime)) % uint64(s.CycleTimeNs)
	for _, e := range s.Entries {
		if off < uint64(e.IntervalNs) {
			return e.GateMask
		}
		off -= uint64(e.IntervalNs)
	}
	return s.Entries[len(s.Entries)-1].GateMask
}

// NextCycleStart returns the first cycle boundary at or after t.
func (s Schedule) NextCycleStart(t Timestamp) Timestamp {
	if s.IsDisabled() || !s.BaseTime.Before(t) {
		return s.BaseTime
	}
	elapsed := t.Sub(s.BaseTime)
	cycles := (elapsed + int64(s.CycleTimeNs) - 1) / int64(s.CycleTimeNs)
	return s.BaseTime.Add(time.Duration(cycles * int64(s.CycleTimeNs)))
}

// Request is a schedule installation request. Force replaces a schedule
// that was installed but has not taken effect yet.
type Request struct {
	Schedule `yaml:",inline"`
	Force    bool `yaml:"force"`
}

// QueueSet is a set of queue indices.
type QueueSet uint8

// AllQueues returns {0, ..., n-1}.
func AllQueues(n int) QueueSet {
	if n >= MaxQueues {
		return 0xFF
	}
	return QueueSet(1)<<uint(n) - 1
}

func (s QueueSet) Has(q int) bool { return q >= 0 && q < MaxQueues && s&(1<<uint(q)) != 0 }

func (s QueueSet) Queues() []int {
	var out []int
	for q := 0; q < MaxQueues; q++ {
		if s.Has(q) {
			out = append(out, q)
		}
	}
	return out
}

func (s QueueSet) String() string {
	qs := s.Queues()
	parts := make([]string, len(qs))
	for i, q := range qs {
		parts[i] = strconv.Itoa(q)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ValidationError describes the first schedule field found out of bounds.
type ValidationError struct {
	Field string
	Value uint64
	Bound string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule: %s = %d, %s", e.Field, e.Value, e.Bound)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidSchedule }

// Validate checks s against the shaper limits for a device with queues
// queues.
func Validate(s Schedule, queues int) error {
	if s.CycleTimeNs < 1 || s.CycleTimeNs > MaxCycleTimeNs {
		return &ValidationError{"cycle-time-ns", uint64(s.CycleTimeNs), fmt.Sprintf("must be in [1, %d]", MaxCycleTimeNs)}
	}
	if s.BaseTime.Nsec >= 1e9 {
		return &ValidationError{"base-time.nsec", uint64(s.BaseTime.Nsec), "must be below 1000000000"}
	}
	if n := len(s.Entries); n < 1 || n > MaxEntries {
		return &ValidationError{"entries", uint64(n), fmt.Sprintf("count must be in [1, %d]", MaxEntries)}
	}
	valid := uint8(AllQueues(queues))
	var sum uint64
	for i, e := range s.Entries {
		if e.IntervalNs < 1 || e.IntervalNs > MaxIntervalNs {
			return &ValidationError{
				fmt.Sprintf("entries[%d].interval-ns", i), uint64(e.IntervalNs),
				fmt.Sprintf("must be in [1, %d]", MaxIntervalNs),
			}
		}
		if e.GateMask&^valid != 0 {
			return &ValidationError{
				fmt.Sprintf("entries[%d].gate-mask", i), uint64(e.GateMask),
				fmt.Sprintf("names queues outside %s", QueueSet(valid)),
			}
		}
		sum += uint64(e.IntervalNs)
	}
	if sum > uint64(s.CycleTimeNs) {
		return &ValidationError{"entries.interval-ns (sum)", sum, fmt.Sprintf("exceeds cycle-time-ns %d", s.CycleTimeNs)}
	}
	return nil
}
