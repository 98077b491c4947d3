package work

import (
	"strings"
	"time"

	"github.com/gestia/tramite/model"
)

// nearDueWindow is the inclusive days-remaining ceiling for the NearDue flag.
const nearDueWindow = 2

// alertWindow is the inclusive days-remaining ceiling for the alert scan.
// Negative deltas (overdue steps) always qualify.
const alertWindow = 3

// ParseEstimatedDays extracts the leading integer from a free-text duration
// such as "2", "2 dias", or "3 days". Text with no leading digits carries no
// deadline at all.
func ParseEstimatedDays(text string) (int, bool) {
	text = strings.TrimSpace(text)
	days := 0
	digits := 0
	for _, r := range text {
		if r < '0' || r > '9' {
			break
		}
		days = days*10 + int(r-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	return days, true
}

// StepDeadline returns the deadline of a step instance: its start timestamp
// plus the template's estimated duration in days. Steps that have not
// started, or whose duration does not parse, have no deadline.
func StepDeadline(step model.StepInstance, tmpl model.StepTemplate) (time.Time, bool) {
	if step.StartedAt == nil {
		return time.Time{}, false
	}
	days, ok := ParseEstimatedDays(tmpl.EstimatedDuration)
	if !ok {
		return time.Time{}, false
	}
	return step.StartedAt.AddDate(0, 0, days), true
}

// daysUntil returns the calendar-date difference between the deadline and
// now: the deadline's date minus today's date in whole days. Time of day is
// ignored, so a deadline later today is 0, not a fraction.
func daysUntil(deadline, now time.Time) int {
	d := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Sub(n).Hours() / 24)
}

// DaysRemaining returns the days left before the step's deadline, clamped at
// zero. The second return is false when the step has no deadline.
func DaysRemaining(step model.StepInstance, tmpl model.StepTemplate, now time.Time) (int, bool) {
	deadline, ok := StepDeadline(step, tmpl)
	if !ok {
		return 0, false
	}
	days := daysUntil(deadline, now)
	if days < 0 {
		days = 0
	}
	return days, true
}

// NearDue reports whether an open step is within the near-due window:
// between zero and two days of remaining time.
func NearDue(step model.StepInstance, tmpl model.StepTemplate, now time.Time) bool {
	if !step.Open() {
		return false
	}
	deadline, ok := StepDeadline(step, tmpl)
	if !ok {
		return false
	}
	days := daysUntil(deadline, now)
	return days >= 0 && days <= nearDueWindow
}
