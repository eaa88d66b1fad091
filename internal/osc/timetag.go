package osc

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidTime reports an instant that has no time tag representation.
var ErrInvalidTime = errors.New("osc: time outside time tag range")

var epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// TimeTag is an instant expressed as whole seconds since 1900-01-01 UTC plus
// a millisecond remainder. The zero value precedes every valid tag.
type TimeTag struct {
	sec uint32
	ms  uint32
}

// Immediate is the smallest valid time tag and means "as soon as possible".
var Immediate = TimeTag{sec: 0, ms: 1}

// NewTimeTag converts t, truncated to the millisecond, to a time tag.
func NewTimeTag(t time.Time) (TimeTag, error) {
	t = t.Truncate(time.Millisecond)
	if t.Before(epoch.Add(time.Millisecond)) {
		return TimeTag{}, fmt.Errorf("%w: %s is not after %s", ErrInvalidTime, t.UTC().Format(time.RFC3339Nano), epoch.Format(time.RFC3339))
	}
	d := t.Sub(epoch)
	secs := int64(d / time.Second)
	if secs > math.MaxUint32 {
		return TimeTag{}, fmt.Errorf("%w: %s overflows 32-bit seconds", ErrInvalidTime, t.UTC().Format(time.RFC3339))
	}
	return TimeTag{sec: uint32(secs), ms: uint32(d % time.Second / time.Millisecond)}, nil
}

// timeTagFromWire builds a tag from its two encoded words. Millisecond counts
// of a second or more carry into the seconds word.
func timeTagFromWire(sec, ms uint32) (TimeTag, error) {
	total := uint64(sec) + uint64(ms/1000)
	if total > math.MaxUint32 {
		return TimeTag{}, fmt.Errorf("%w: time tag %d.%d out of range", ErrMalformed, sec, ms)
	}
	return TimeTag{sec: uint32(total), ms: ms % 1000}, nil
}

// Seconds returns the whole seconds since the 1900 epoch.
func (t TimeTag) Seconds() uint32 { return t.sec }

// Millis returns the millisecond remainder.
func (t TimeTag) Millis() uint32 { return t.ms }

// Time returns the instant t represents, in UTC.
func (t TimeTag) Time() time.Time {
	return epoch.Add(time.Duration(t.sec)*time.Second + time.Duration(t.ms)*time.Millisecond)
}

// Compare returns -1, 0 or +1 as t is before, equal to or after u.
func (t TimeTag) Compare(u TimeTag) int {
	switch {
	case t.sec < u.sec:
		return -1
	case t.sec > u.sec:
		return 1
	case t.ms < u.ms:
		return -1
	case t.ms > u.ms:
		return 1
	}
	return 0
}

func (t TimeTag) Before(u TimeTag) bool { return t.Compare(u) < 0 }
func (t TimeTag) After(u TimeTag) bool  { return t.Compare(u) > 0 }
func (t TimeTag) Equal(u TimeTag) bool  { return t == u }

// IsZero reports whether t is the zero value.
func (t TimeTag) IsZero() bool { return t == TimeTag{} }

func (t TimeTag) String() string {
	if t == Immediate {
		return "immediate"
	}
	return t.Time().Format("2006-01-02T15:04:05.000Z07:00")
}
