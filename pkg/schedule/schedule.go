// Package schedule decides when plugins run and when the agent checks in.
package schedule

import (
	"fmt"
	"math"
	"time"
)

const (
	// RunDelta lets a plugin run slightly early so that jitter in the
	// invocation cadence does not push it into the next cycle.
	RunDelta = 30 * time.Second

	// CheckinSlack is added to the elapsed time before comparing it with
	// the check-in interval.
	CheckinSlack = 15 * time.Second
)

// Reason explains a run decision
type Reason string

const (
	ReasonFirstRun  Reason = "first_run"
	ReasonDue       Reason = "due"
	ReasonClockSkew Reason = "clock_skew"
	ReasonNotYetDue Reason = "not_yet_due"
)

// Decision is the outcome of ShouldRun
type Decision struct {
	Run    bool
	Reason Reason
	// Remaining is how long until the plugin is due, zero when Run is set
	Remaining time.Duration
}

// ShouldRun reports whether a plugin with the given last run and interval is
// due at now. A last run in the future is treated as clock skew and runs.
func ShouldRun(lastRun *time.Time, interval time.Duration, now time.Time) Decision {
	if lastRun == nil || lastRun.IsZero() {
		return Decision{Run: true, Reason: ReasonFirstRun}
	}
	if lastRun.After(now) {
		return Decision{Run: true, Reason: ReasonClockSkew}
	}
	if interval < 0 {
		interval = 0
	}

	delta := now.Sub(lastRun.Add(interval))
	if delta >= -RunDelta {
		return Decision{Run: true, Reason: ReasonDue}
	}
	return Decision{Run: false, Reason: ReasonNotYetDue, Remaining: -delta}
}

// CheckinInput gathers what TimeToCheckin looks at
type CheckinInput struct {
	LastCheckin *time.Time
	// IntervalMinutes is the interval directive, if the server sent one
	IntervalMinutes *float64
	SleepInterval   time.Duration
	NewPlan         bool
	Force           bool
	Now             time.Time
}

// TimeToCheckin reports whether this invocation should run plugins and
// check in. Anything it cannot interpret fails open.
func TimeToCheckin(in CheckinInput) bool {
	if in.NewPlan || in.Force {
		return true
	}
	return elapsedExceeds(in.LastCheckin, in.IntervalMinutes, CheckinSlack+in.SleepInterval, in.Now)
}

// TimeToPing reports whether a ping is due given the ping interval directive
func TimeToPing(lastPing *time.Time, pingIntervalMinutes *float64, now time.Time) bool {
	return elapsedExceeds(lastPing, pingIntervalMinutes, CheckinSlack, now)
}

func elapsedExceeds(last *time.Time, intervalMinutes *float64, slack time.Duration, now time.Time) bool {
	if last == nil || last.IsZero() || intervalMinutes == nil {
		return true
	}
	minutes := *intervalMinutes
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return true
	}

	elapsed := now.Sub(*last)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	return float64(elapsed+slack) > minutes*float64(time.Minute)
}

// NextCheckin renders the time remaining before the next check-in as
// "Xmin Y sec", or "[next invocation]" when it cannot be computed.
func NextCheckin(lastCheckin *time.Time, intervalMinutes *float64, now time.Time) string {
	if lastCheckin == nil || intervalMinutes == nil {
		return "[next invocation]"
	}

	remaining := lastCheckin.Add(time.Duration(*intervalMinutes * float64(time.Minute))).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := int(remaining.Round(time.Second) / time.Second)
	return fmt.Sprintf("%dmin %d sec", secs/60, secs%60)
}
