package calendar

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Holiday excludes whole calendar days.
type Holiday struct {
	Base
	dates map[string]struct{}
}

// NewHoliday creates a Holiday calendar excluding the given dates.
func NewHoliday(dates ...time.Time) *Holiday {
	h := &Holiday{dates: make(map[string]struct{})}
	for _, d := range dates {
		h.AddExcludedDate(d)
	}
	return h
}

// AddExcludedDate excludes the day d falls on. Only the date part of d matters.
func (h *Holiday) AddExcludedDate(d time.Time) {
	if h.dates == nil {
		h.dates = make(map[string]struct{})
	}
	h.dates[d.Format(dateLayout)] = struct{}{}
}

// RemoveExcludedDate includes the day d falls on again.
func (h *Holiday) RemoveExcludedDate(d time.Time) {
	delete(h.dates, d.Format(dateLayout))
}

// ExcludedDates returns the excluded days in ascending order, as YYYY-MM-DD.
func (h *Holiday) ExcludedDates() []string {
	out := make([]string, 0, len(h.dates))
	for d := range h.dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (h *Holiday) includes(t time.Time) bool {
	_, excluded := h.dates[t.In(h.location()).Format(dateLayout)]
	return !excluded
}

func (h *Holiday) IsTimeIncluded(t time.Time) bool {
	return h.includes(t) && h.Base.IsTimeIncluded(t)
}

func (h *Holiday) NextIncludedTime(t time.Time) time.Time {
	return h.nextIncluded(t, searchLimit, h.includes, func(t time.Time) time.Time {
		return startOfNextDay(t.In(h.location()))
	})
}

// Weekly excludes days of the week. NewWeekly excludes Saturday and Sunday.
type Weekly struct {
	Base
	excluded [7]bool
}

// NewWeekly creates a Weekly calendar excluding weekends.
func NewWeekly() *Weekly {
	w := &Weekly{}
	w.SetDayExcluded(time.Saturday, true)
	w.SetDayExcluded(time.Sunday, true)
	return w
}

func (w *Weekly) SetDayExcluded(day time.Weekday, excluded bool) {
	w.excluded[day] = excluded
}

func (w *Weekly) IsDayExcluded(day time.Weekday) bool {
	return w.excluded[day]
}

// ExcludedDays returns the excluded weekdays, Sunday first.
func (w *Weekly) ExcludedDays() []time.Weekday {
	var out []time.Weekday
	for d, ex := range w.excluded {
		if ex {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

func (w *Weekly) allExcluded() bool {
	for _, ex := range w.excluded {
		if !ex {
			return false
		}
	}
	return true
}

func (w *Weekly) includes(t time.Time) bool {
	return !w.excluded[t.In(w.location()).Weekday()]
}

func (w *Weekly) IsTimeIncluded(t time.Time) bool {
	return w.includes(t) && w.Base.IsTimeIncluded(t)
}

func (w *Weekly) NextIncludedTime(t time.Time) time.Time {
	if w.allExcluded() {
		return time.Time{}
	}
	return w.nextIncluded(t, searchLimit, w.includes, func(t time.Time) time.Time {
		return startOfNextDay(t.In(w.location()))
	})
}

// Monthly excludes days of the month, numbered 1 to 31.
type Monthly struct {
	Base
	excluded [31]bool
}

func NewMonthly(days ...int) *Monthly {
	m := &Monthly{}
	for _, d := range days {
		m.SetDayExcluded(d, true)
	}
	return m
}

// SetDayExcluded excludes or includes day; days outside 1..31 are ignored.
func (m *Monthly) SetDayExcluded(day int, excluded bool) {
	if day < 1 || day > 31 {
		return
	}
	m.excluded[day-1] = excluded
}

func (m *Monthly) IsDayExcluded(day int) bool {
	return day >= 1 && day <= 31 && m.excluded[day-1]
}

// ExcludedDays returns the excluded days of the month in ascending order.
func (m *Monthly) ExcludedDays() []int {
	var out []int
	for i, ex := range m.excluded {
		if ex {
			out = append(out, i+1)
		}
	}
	return out
}

func (m *Monthly) allExcluded() bool {
	for _, ex := range m.excluded {
		if !ex {
			return false
		}
	}
	return true
}

func (m *Monthly) includes(t time.Time) bool {
	return !m.excluded[t.In(m.location()).Day()-1]
}

func (m *Monthly) IsTimeIncluded(t time.Time) bool {
	return m.includes(t) && m.Base.IsTimeIncluded(t)
}

func (m *Monthly) NextIncludedTime(t time.Time) time.Time {
	if m.allExcluded() {
		return time.Time{}
	}
	return m.nextIncluded(t, searchLimit, m.includes, func(t time.Time) time.Time {
		return startOfNextDay(t.In(m.location()))
	})
}

// Annual excludes the same month and day every year.
type Annual struct {
	Base
	days map[monthDay]struct{}
}

type monthDay struct {
	month time.Month
	day   int
}

func NewAnnual() *Annual {
	return &Annual{days: make(map[monthDay]struct{})}
}

// SetDayExcluded excludes or includes day of month every year.
func (a *Annual) SetDayExcluded(month time.Month, day int, excluded bool) {
	if a.days == nil {
		a.days = make(map[monthDay]struct{})
	}
	key := monthDay{month: month, day: day}
	if excluded {
		a.days[key] = struct{}{}
		return
	}
	delete(a.days, key)
}

// ExcludedDays returns the excluded days as MM-DD, in calendar order.
func (a *Annual) ExcludedDays() []string {
	out := make([]string, 0, len(a.days))
	for k := range a.days {
		out = append(out, time.Date(2000, k.month, k.day, 0, 0, 0, 0, time.UTC).Format("01-02"))
	}
	sort.Strings(out)
	return out
}

func (a *Annual) includes(t time.Time) bool {
	_, m, d := t.In(a.location()).Date()
	_, excluded := a.days[monthDay{month: m, day: d}]
	return !excluded
}

func (a *Annual) IsTimeIncluded(t time.Time) bool {
	return a.includes(t) && a.Base.IsTimeIncluded(t)
}

func (a *Annual) NextIncludedTime(t time.Time) time.Time {
	return a.nextIncluded(t, searchLimit, a.includes, func(t time.Time) time.Time {
		return startOfNextDay(t.In(a.location()))
	})
}
