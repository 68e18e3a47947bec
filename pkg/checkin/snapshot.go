package checkin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// processRow is one line of the process snapshot
type processRow struct {
	User       string
	PID        int32
	CPUPercent float64
	MemPercent float32
	VSZ        uint64 // KiB
	RSS        uint64 // KiB
	TTY        string
	Stat       string
	Started    time.Time
	CPUTime    time.Duration
	Command    string
}

// TakeSnapshot lists running processes in the column layout of `ps aux`,
// without the header line. Processes that vanish while being read are
// skipped.
func TakeSnapshot(ctx context.Context) (string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("list processes: %w", err)
	}

	rows := make([]processRow, 0, len(procs))
	for _, p := range procs {
		row, ok := readProcess(ctx, p)
		if ok {
			rows = append(rows, row)
		}
	}
	return renderSnapshot(rows), nil
}

func readProcess(ctx context.Context, p *process.Process) (processRow, bool) {
	row := processRow{PID: p.Pid, TTY: "?"}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return row, false
	}
	row.Command = name
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		row.Command = cmdline
	}

	if user, err := p.UsernameWithContext(ctx); err == nil {
		row.User = user
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		row.CPUPercent = pct
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		row.MemPercent = pct
	}
	if info, err := p.MemoryInfoWithContext(ctx); err == nil {
		row.VSZ = info.VMS / 1024
		row.RSS = info.RSS / 1024
	}
	if tty, err := p.TerminalWithContext(ctx); err == nil && tty != "" {
		row.TTY = strings.TrimPrefix(tty, "/dev/")
	}
	if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
		row.Stat = statusLetter(status[0])
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		row.Started = time.UnixMilli(created)
	}
	if times, err := p.TimesWithContext(ctx); err == nil {
		row.CPUTime = time.Duration((times.User + times.System) * float64(time.Second))
	}
	return row, true
}

func statusLetter(status string) string {
	switch status {
	case process.Running:
		return "R"
	case process.Sleep:
		return "S"
	case process.Stop:
		return "T"
	case process.Idle:
		return "I"
	case process.Zombie:
		return "Z"
	case process.Wait:
		return "D"
	case process.Lock:
		return "L"
	default:
		return "?"
	}
}

func renderSnapshot(rows []processRow) string {
	sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })

	now := time.Now()
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-10s %6d %4.1f %4.1f %8d %7d %-8s %-4s %5s %6s %s",
			truncate(r.User, 10), r.PID, r.CPUPercent, r.MemPercent,
			r.VSZ, r.RSS, r.TTY, r.Stat, startColumn(r.Started, now),
			cpuTimeColumn(r.CPUTime), r.Command)
	}
	return b.String()
}

// startColumn shows the clock time for processes started today and the
// month and day otherwise
func startColumn(started, now time.Time) string {
	if started.IsZero() {
		return "-"
	}
	if started.YearDay() == now.YearDay() && started.Year() == now.Year() {
		return started.Format("15:04")
	}
	return started.Format("Jan02")
}

func cpuTimeColumn(d time.Duration) string {
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "+"
}
