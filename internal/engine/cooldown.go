package engine

import "time"

// Cooldown windows per rule kind:
//
//	low_balance        end of the calendar day the alert was raised
//	large_transaction  never elapses; one alert per transaction id
//	spending_spike     end of the calendar day
//	new_subscription   createdAt + maxDaysBetween days
//	category_limit     end of the calendar month
//	payday_countdown   start of the payday the countdown targets
//
// Day and month boundaries are taken in the engine's configured timezone.

func dayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func endOfDay(t time.Time, loc *time.Location) time.Time {
	start := dayStart(t, loc)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
}

func monthStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

func endOfMonth(t time.Time, loc *time.Location) time.Time {
	start := monthStart(t, loc)
	return time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, loc)
}

// calendarDays counts whole days between two local midnights, ignoring DST.
func calendarDays(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// paydayIn returns the payday in the given month, clamped to the month's last day.
func paydayIn(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, loc)
}

const dayLayout = "2006-01-02"
const monthLayout = "2006-01"
