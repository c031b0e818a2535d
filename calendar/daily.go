package calendar

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Daily excludes a time-of-day range, [RangeStart, RangeEnd] inclusive, every day.
// With Invert set it excludes everything outside the range instead.
type Daily struct {
	Base

	// RangeStart and RangeEnd are offsets from midnight.
	RangeStart time.Duration
	RangeEnd   time.Duration

	Invert bool
}

// NewDaily creates a Daily calendar excluding [start, end] each day. Both are offsets
// from midnight and end must not precede start.
func NewDaily(start, end time.Duration) (*Daily, error) {
	if start < 0 || end >= 24*time.Hour || end < start {
		return nil, errors.Newf("invalid daily range %s-%s", start, end)
	}
	return &Daily{RangeStart: start, RangeEnd: end}, nil
}

func (c *Daily) sinceMidnight(t time.Time) time.Duration {
	local := t.In(c.location())
	return local.Sub(startOfDay(local))
}

func (c *Daily) includes(t time.Time) bool {
	offset := c.sinceMidnight(t)
	inRange := offset >= c.RangeStart && offset <= c.RangeEnd
	return inRange == c.Invert
}

func (c *Daily) IsTimeIncluded(t time.Time) bool {
	return c.includes(t) && c.Base.IsTimeIncluded(t)
}

func (c *Daily) NextIncludedTime(t time.Time) time.Time {
	return c.nextIncluded(t, searchLimit, c.includes, c.nextCandidate)
}

// nextCandidate jumps past the excluded stretch containing t.
func (c *Daily) nextCandidate(t time.Time) time.Time {
	local := t.In(c.location())
	day := startOfDay(local)
	if !c.Invert {
		// Inside the range; the first instant after its end.
		return day.Add(c.RangeEnd + time.Millisecond)
	}
	if c.sinceMidnight(local) < c.RangeStart {
		return day.Add(c.RangeStart)
	}
	return startOfNextDay(local).Add(c.RangeStart)
}
