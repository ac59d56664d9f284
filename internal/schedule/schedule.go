// Package schedule implements per-zone temperature schedules and the
// peak-event target adjustments (flexibility, preconditioning and
// post-event recovery ramps).
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Slot is one schedule time slot.
type Slot struct {
	TargetTempC float64 `mapstructure:"target_temp_C" yaml:"target_temp_C"`
}

// DaySchedule maps slot ranges such as "6h00-22h00" to target temperatures.
// Overnight ranges ("22h00-6h00") wrap around midnight.
type DaySchedule struct {
	TimeSlots map[string]Slot `mapstructure:"time_slots" yaml:"time_slots"`
}

// WeekSchedule carries one schedule per day type.
type WeekSchedule struct {
	Weekday DaySchedule `mapstructure:"weekday" yaml:"weekday"`
	Weekend DaySchedule `mapstructure:"weekend" yaml:"weekend"`
}

// EventWindow is the active span of a grid peak event.
type EventWindow struct {
	Start time.Time
	End   time.Time
}

const (
	preconditioningLead = 2 * time.Hour
	recoveryTail        = 1 * time.Hour

	// Ramps finish 15 minutes early so the zone reaches target before the
	// window closes.
	rampShortening = 15 * time.Minute
)

// TODO: support minute resolution in slot ranges (e.g. "10h30-15h45").
func parseSlotRange(slotRange string) (startHour, endHour int, err error) {
	parts := strings.SplitN(slotRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid slot range: %q", slotRange)
	}

	parse := func(s string) (int, error) {
		hourPart, _, found := strings.Cut(s, "h")
		if !found {
			return 0, fmt.Errorf("invalid slot boundary: %q", s)
		}
		return strconv.Atoi(hourPart)
	}

	if startHour, err = parse(parts[0]); err != nil {
		return 0, 0, err
	}
	if endHour, err = parse(parts[1]); err != nil {
		return 0, 0, err
	}
	return startHour, endHour, nil
}

func (d DaySchedule) targetAtHour(hour int) (float64, bool) {
	for slotRange, slot := range d.TimeSlots {
		start, end, err := parseSlotRange(slotRange)
		if err != nil {
			continue
		}

		if start < end {
			if start <= hour && hour < end {
				return slot.TargetTempC, true
			}
		} else {
			// overnight wrap
			if hour >= start || hour < end {
				return slot.TargetTempC, true
			}
		}
	}
	return 0, false
}

func (w WeekSchedule) day(t time.Time) DaySchedule {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return w.Weekend
	default:
		return w.Weekday
	}
}

// TargetAt returns the scheduled target temperature at t, or false when no
// slot covers the hour.
func (w WeekSchedule) TargetAt(t time.Time) (float64, bool) {
	return w.day(t).targetAtHour(t.Hour())
}

// Ramp linearly interpolates from initial to target over rampingTime,
// shortened by 15 minutes so the endpoint is reached early. Results are
// rounded to two decimals to keep thermostat writes stable.
func Ramp(rampingTime, elapsed time.Duration, initial, target float64) float64 {
	short := rampingTime - rampShortening

	if elapsed <= 0 || short <= 0 {
		return round2(initial)
	}
	if elapsed >= short {
		return round2(target)
	}

	ratio := elapsed.Seconds() / short.Seconds()
	return round2(initial + (target-initial)*ratio)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// EventAdjustedTarget computes the target temperature at now, adjusted for
// the given peak event:
//
//   - during the event the target drops by flexDown
//   - in the two hours before the event (when preconditioning is enabled)
//     the target ramps up to flexUp above the highest scheduled target of
//     the event hours
//   - in the hour after the event the target ramps back to the schedule
//
// A nil event yields the plain schedule target.
func (w WeekSchedule) EventAdjustedTarget(now time.Time, ev *EventWindow, flexUp, flexDown float64, preconditioning bool) (float64, bool) {
	initial, ok := w.TargetAt(now)
	if ev == nil {
		return initial, ok
	}

	day := w.day(now)

	precondStart := ev.Start.Add(-preconditioningLead)
	recoveryEnd := ev.End.Add(recoveryTail)

	switch {
	case !now.Before(ev.Start) && now.Before(ev.End):
		// Active event: shed load by lowering the target.
		return initial - flexDown, ok

	case preconditioning && !now.Before(precondStart) && now.Before(ev.Start):
		// Preconditioning: ramp toward the warmest scheduled target of the
		// event span plus the upward flexibility.
		maxTarget, _ := day.targetAtHour(ev.Start.Hour())
		for hour := ev.Start.Hour(); hour < ev.End.Hour(); hour++ {
			if t, found := day.targetAtHour(hour); found && t > maxTarget {
				maxTarget = t
			}
		}

		from, _ := day.targetAtHour(precondStart.Hour())
		value := Ramp(
			ev.Start.Sub(precondStart),
			now.Sub(precondStart),
			from,
			flexUp+maxTarget,
		)
		return value, true

	case !now.Before(ev.End) && now.Before(recoveryEnd):
		// Recovery: ramp back from the pre-recovery level to the schedule.
		to, found := day.targetAtHour(recoveryEnd.Hour())
		if !found {
			return initial, ok
		}

		from, _ := day.targetAtHour((recoveryEnd.Add(-recoveryTail).Hour() + 23) % 24)
		value := Ramp(
			recoveryEnd.Sub(ev.End),
			now.Sub(ev.End),
			from,
			to,
		)
		return value, true

	default:
		// Outside all event windows user comfort wins.
		return initial, ok
	}
}
