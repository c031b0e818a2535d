package calendar

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind tags a calendar in its serialized form.
type Kind string

const (
	KindBase    Kind = "base"
	KindHoliday Kind = "holiday"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindAnnual  Kind = "annual"
	KindDaily   Kind = "daily"
	KindCron    Kind = "cron"
)

// ErrUnsupported is returned when describing a calendar type this package does not
// know how to serialize.
var ErrUnsupported = errors.New("unsupported calendar type")

// Spec is the serializable form of a calendar chain. Document stores persist it as
// is; Encode and Decode wrap it in JSON.
type Spec struct {
	Kind        Kind   `json:"kind" bson:"kind"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
	TimeZone    string `json:"timeZone,omitempty" bson:"timeZone,omitempty"`

	// Dates are Holiday exclusions as YYYY-MM-DD.
	Dates []string `json:"dates,omitempty" bson:"dates,omitempty"`

	// Days are Weekly (0 = Sunday) or Monthly (1..31) exclusions.
	Days []int `json:"days,omitempty" bson:"days,omitempty"`

	// MonthDays are Annual exclusions as MM-DD.
	MonthDays []string `json:"monthDays,omitempty" bson:"monthDays,omitempty"`

	// RangeStart and RangeEnd are Daily offsets from midnight in milliseconds.
	RangeStart int64 `json:"rangeStart,omitempty" bson:"rangeStart,omitempty"`
	RangeEnd   int64 `json:"rangeEnd,omitempty" bson:"rangeEnd,omitempty"`
	Invert     bool  `json:"invert,omitempty" bson:"invert,omitempty"`

	Expression string `json:"expression,omitempty" bson:"expression,omitempty"`

	Parent *Spec `json:"parent,omitempty" bson:"parent,omitempty"`
}

// Describe converts cal and its parents into a Spec.
func Describe(cal Calendar) (*Spec, error) {
	var spec *Spec
	var base *Base
	switch c := cal.(type) {
	case *Base:
		spec, base = &Spec{Kind: KindBase}, c
	case *Holiday:
		spec, base = &Spec{Kind: KindHoliday, Dates: c.ExcludedDates()}, &c.Base
	case *Weekly:
		spec, base = &Spec{Kind: KindWeekly}, &c.Base
		for _, d := range c.ExcludedDays() {
			spec.Days = append(spec.Days, int(d))
		}
	case *Monthly:
		spec, base = &Spec{Kind: KindMonthly, Days: c.ExcludedDays()}, &c.Base
	case *Annual:
		spec, base = &Spec{Kind: KindAnnual, MonthDays: c.ExcludedDays()}, &c.Base
	case *Daily:
		spec = &Spec{
			Kind:       KindDaily,
			RangeStart: c.RangeStart.Milliseconds(),
			RangeEnd:   c.RangeEnd.Milliseconds(),
			Invert:     c.Invert,
		}
		base = &c.Base
	case *Cron:
		spec, base = &Spec{Kind: KindCron, Expression: c.Expression}, &c.Base
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%T", cal)
	}

	spec.Description = base.Description
	spec.TimeZone = base.TimeZone
	if base.Parent != nil {
		parent, err := Describe(base.Parent)
		if err != nil {
			return nil, errors.Wrap(err, "describe parent calendar")
		}
		spec.Parent = parent
	}
	return spec, nil
}

// Build reconstructs the calendar chain described by s.
func (s *Spec) Build() (Calendar, error) {
	var cal Calendar
	var base *Base
	switch s.Kind {
	case KindBase:
		c := &Base{}
		cal, base = c, c
	case KindHoliday:
		c := NewHoliday()
		for _, d := range s.Dates {
			day, err := time.Parse(dateLayout, d)
			if err != nil {
				return nil, errors.Wrapf(err, "holiday date %q", d)
			}
			c.AddExcludedDate(day)
		}
		cal, base = c, &c.Base
	case KindWeekly:
		c := &Weekly{}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return nil, errors.Newf("invalid weekday %d", d)
			}
			c.SetDayExcluded(time.Weekday(d), true)
		}
		cal, base = c, &c.Base
	case KindMonthly:
		c := NewMonthly(s.Days...)
		cal, base = c, &c.Base
	case KindAnnual:
		c := NewAnnual()
		for _, md := range s.MonthDays {
			day, err := time.Parse("01-02", md)
			if err != nil {
				return nil, errors.Wrapf(err, "annual day %q", md)
			}
			c.SetDayExcluded(day.Month(), day.Day(), true)
		}
		cal, base = c, &c.Base
	case KindDaily:
		c, err := NewDaily(time.Duration(s.RangeStart)*time.Millisecond, time.Duration(s.RangeEnd)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		c.Invert = s.Invert
		cal, base = c, &c.Base
	case KindCron:
		c, err := NewCron(s.Expression)
		if err != nil {
			return nil, err
		}
		cal, base = c, &c.Base
	default:
		return nil, errors.Wrapf(ErrUnsupported, "kind %q", s.Kind)
	}

	base.Description = s.Description
	base.TimeZone = s.TimeZone
	if s.Parent != nil {
		parent, err := s.Parent.Build()
		if err != nil {
			return nil, errors.Wrap(err, "build parent calendar")
		}
		base.Parent = parent
	}
	return cal, nil
}

// Encode serializes a calendar chain to JSON.
func Encode(cal Calendar) ([]byte, error) {
	spec, err := Describe(cal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(spec)
}

// Decode parses the output of Encode.
func Decode(data []byte) (Calendar, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrap(err, "decode calendar")
	}
	return spec.Build()
}
