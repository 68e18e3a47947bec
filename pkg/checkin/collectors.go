package checkin

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector gathers one group of server metrics. prev is the state the
// collector returned on the previous run, or nil on the first run. Counters
// that need two samples are reported as rates from the second run on.
type Collector interface {
	Name() string
	Collect(ctx context.Context, prev map[string]any, now time.Time) (result, state map[string]any, err error)
}

// DefaultCollectors returns the disk, cpu, memory, network and processes collectors
func DefaultCollectors() []Collector {
	return []Collector{
		DiskCollector{},
		CPUCollector{},
		MemoryCollector{},
		NetworkCollector{},
		ProcessesCollector{},
	}
}

// DiskCollector reports usage per mounted filesystem and I/O rates per device
type DiskCollector struct{}

func (DiskCollector) Name() string { return "disk" }

func (DiskCollector) Collect(ctx context.Context, prev map[string]any, now time.Time) (map[string]any, map[string]any, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("list partitions: %w", err)
	}

	filesystems := map[string]any{}
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		filesystems[p.Mountpoint] = map[string]any{
			"device":       p.Device,
			"fstype":       p.Fstype,
			"size":         toGB(usage.Total),
			"used":         toGB(usage.Used),
			"avail":        toGB(usage.Free),
			"used_percent": round(usage.UsedPercent),
		}
	}

	state := map[string]any{"at": float64(now.Unix())}
	devices := map[string]any{}
	counters, err := disk.IOCountersWithContext(ctx)
	if err == nil {
		elapsed := sinceLast(prev, now)
		for name, c := range counters {
			state[name+".reads"] = float64(c.ReadCount)
			state[name+".writes"] = float64(c.WriteCount)
			state[name+".read_bytes"] = float64(c.ReadBytes)
			state[name+".write_bytes"] = float64(c.WriteBytes)
			if elapsed <= 0 {
				continue
			}
			devices[name] = map[string]any{
				"rps":       rate(prev, name+".reads", float64(c.ReadCount), elapsed),
				"wps":       rate(prev, name+".writes", float64(c.WriteCount), elapsed),
				"rps_kb":    rate(prev, name+".read_bytes", float64(c.ReadBytes), elapsed) / 1024,
				"wps_kb":    rate(prev, name+".write_bytes", float64(c.WriteBytes), elapsed) / 1024,
				"in_flight": float64(c.IopsInProgress),
			}
		}
	}

	return map[string]any{"filesystems": filesystems, "devices": devices}, state, nil
}

// CPUCollector reports time shares since the previous run and load averages
type CPUCollector struct{}

func (CPUCollector) Name() string { return "cpu" }

func (CPUCollector) Collect(ctx context.Context, prev map[string]any, now time.Time) (map[string]any, map[string]any, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("read cpu times: %w", err)
	}
	if len(times) == 0 {
		return nil, nil, fmt.Errorf("no cpu times reported")
	}
	t := times[0]

	state := map[string]any{
		"at":     float64(now.Unix()),
		"user":   t.User + t.Nice,
		"system": t.System + t.Irq + t.Softirq,
		"idle":   t.Idle,
		"iowait": t.Iowait,
		"steal":  t.Steal,
		"guest":  t.Guest + t.GuestNice,
	}

	result := map[string]any{}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		result["cores"] = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		result["last_minute"] = round(avg.Load1)
		result["last_five_minutes"] = round(avg.Load5)
		result["last_fifteen_minutes"] = round(avg.Load15)
	}

	if prev != nil {
		var total float64
		deltas := map[string]float64{}
		for _, k := range []string{"user", "system", "idle", "iowait", "steal", "guest"} {
			d := state[k].(float64) - number(prev[k])
			if d < 0 {
				d = 0
			}
			deltas[k] = d
			total += d
		}
		if total > 0 {
			for k, d := range deltas {
				result[k] = round(d / total * 100)
			}
		}
	}
	return result, state, nil
}

// MemoryCollector reports physical and swap memory in megabytes
type MemoryCollector struct{}

func (MemoryCollector) Name() string { return "memory" }

func (MemoryCollector) Collect(ctx context.Context, _ map[string]any, _ time.Time) (map[string]any, map[string]any, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read memory: %w", err)
	}

	result := map[string]any{
		"size":         toMB(vm.Total),
		"used":         toMB(vm.Used),
		"avail":        toMB(vm.Available),
		"used_percent": round(vm.UsedPercent),
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		result["swap_size"] = toMB(swap.Total)
		result["swap_used"] = toMB(swap.Used)
		result["swap_used_percent"] = round(swap.UsedPercent)
	}
	return result, nil, nil
}

// NetworkCollector reports per-interface throughput since the previous run
type NetworkCollector struct{}

func (NetworkCollector) Name() string { return "network" }

func (NetworkCollector) Collect(ctx context.Context, prev map[string]any, now time.Time) (map[string]any, map[string]any, error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, nil, fmt.Errorf("read network counters: %w", err)
	}

	state := map[string]any{"at": float64(now.Unix())}
	result := map[string]any{}
	elapsed := sinceLast(prev, now)
	for _, c := range counters {
		if c.Name == "lo" {
			continue
		}
		state[c.Name+".bytes_in"] = float64(c.BytesRecv)
		state[c.Name+".bytes_out"] = float64(c.BytesSent)
		state[c.Name+".packets_in"] = float64(c.PacketsRecv)
		state[c.Name+".packets_out"] = float64(c.PacketsSent)
		if elapsed <= 0 {
			continue
		}
		result[c.Name] = map[string]any{
			"bytes_in":    rate(prev, c.Name+".bytes_in", float64(c.BytesRecv), elapsed),
			"bytes_out":   rate(prev, c.Name+".bytes_out", float64(c.BytesSent), elapsed),
			"packets_in":  rate(prev, c.Name+".packets_in", float64(c.PacketsRecv), elapsed),
			"packets_out": rate(prev, c.Name+".packets_out", float64(c.PacketsSent), elapsed),
		}
	}
	return result, state, nil
}

// ProcessesCollector reports process counts
type ProcessesCollector struct{}

func (ProcessesCollector) Name() string { return "processes" }

func (ProcessesCollector) Collect(ctx context.Context, _ map[string]any, _ time.Time) (map[string]any, map[string]any, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list processes: %w", err)
	}

	result := map[string]any{"count": len(pids)}
	if misc, err := load.MiscWithContext(ctx); err == nil {
		result["running"] = misc.ProcsRunning
		result["blocked"] = misc.ProcsBlocked
		result["total"] = misc.ProcsTotal
	}
	return result, nil, nil
}

func sinceLast(prev map[string]any, now time.Time) float64 {
	if prev == nil {
		return 0
	}
	at := number(prev["at"])
	if at <= 0 {
		return 0
	}
	return float64(now.Unix()) - at
}

// rate is the per-second change of a counter. Counter resets report zero.
func rate(prev map[string]any, key string, current, elapsed float64) float64 {
	last, ok := prev[key]
	if !ok {
		return 0
	}
	d := current - number(last)
	if d < 0 {
		return 0
	}
	return round(d / elapsed)
}

// number reads a numeric state value regardless of how YAML decoded it
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case uint32:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return 0
	}
}

func round(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func toMB(b uint64) float64 { return round(float64(b) / (1 << 20)) }

func toGB(b uint64) float64 { return round(float64(b) / (1 << 30)) }
