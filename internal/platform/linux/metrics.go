//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polunzh/aiva/internal/platform"
)

// clockTicksPerSecond is USER_HZ, the unit /proc/<pid>/stat's utime/stime
// fields are counted in. 100 on every Linux platform Firecracker targets.
const clockTicksPerSecond = 100

// sampleMetrics reads CPU/memory usage for pid out of /proc and network
// counters for tap out of /sys/class/net, since Firecracker itself exposes
// none of this over its API. It degrades to Stub metrics when the process's
// RSS can't be read; unreadable network counters are reported as zero.
func sampleMetrics(pid int, tap string) platform.Metrics {
	memRSSKB, err := readRSSKB(pid)
	if err != nil {
		return platform.Metrics{Stub: true}
	}

	rx, _ := readSysfsCounter(tap, "rx_bytes")
	tx, _ := readSysfsCounter(tap, "tx_bytes")
	uptime, _ := readProcessUptimeSeconds(pid)
	cpuPercent, fresh := sampleCPUPercent(pid)

	return platform.Metrics{
		CPUUsagePercent: cpuPercent,
		MemoryUsedMB:    memRSSKB / 1024,
		RxBytes:         rx,
		TxBytes:         tx,
		UptimeSeconds:   uptime,
		// The first sample for a pid has no prior tick count to diff against,
		// so its cpu_usage is a placeholder zero, not a real measurement.
		Stub: !fresh,
	}
}

type cpuSample struct {
	ticks   uint64
	sampled time.Time
}

var (
	cpuSamplesMu sync.Mutex
	cpuSamples   = make(map[int]cpuSample)
)

// sampleCPUPercent computes CPU usage since the previous call for the same
// pid as a delta of /proc/<pid>/stat's utime+stime over wall-clock time. The
// first observation of a pid has nothing to diff against and reports ok=false.
func sampleCPUPercent(pid int) (percent float64, ok bool) {
	ticks, err := readProcessTicks(pid)
	if err != nil {
		return 0, false
	}
	now := time.Now()

	cpuSamplesMu.Lock()
	prev, hadPrev := cpuSamples[pid]
	cpuSamples[pid] = cpuSample{ticks: ticks, sampled: now}
	cpuSamplesMu.Unlock()

	if !hadPrev || ticks < prev.ticks {
		return 0, false
	}
	elapsed := now.Sub(prev.sampled).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	cpuSeconds := float64(ticks-prev.ticks) / clockTicksPerSecond
	return (cpuSeconds / elapsed) * 100, true
}

// readProcessTicks returns the sum of utime and stime, in clock ticks, from
// /proc/<pid>/stat. The comm field is skipped positionally by locating the
// closing paren, since it can itself contain spaces.
func readProcessTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	line := string(data)
	closeParen := strings.LastIndex(line, ")")
	if closeParen == -1 || closeParen+2 > len(line) {
		return 0, fmt.Errorf("linux: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[closeParen+2:])
	const utimeIdx, stimeIdx = 11, 12 // offsets from state (field 3) after comm is stripped
	if len(fields) <= stimeIdx {
		return 0, fmt.Errorf("linux: /proc/%d/stat has too few fields", pid)
	}
	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("linux: parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("linux: parse stime: %w", err)
	}
	return utime + stime, nil
}

func readRSSKB(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseUint(fields[1], 10, 64)
				if err != nil {
					return 0, err
				}
				return kb, nil
			}
		}
	}
	return 0, fmt.Errorf("linux: VmRSS not found in /proc/%d/status", pid)
}

func readSysfsCounter(tap, name string) (uint64, error) {
	if tap == "" {
		return 0, fmt.Errorf("linux: no tap device")
	}
	path := fmt.Sprintf("/sys/class/net/%s/statistics/%s", tap, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func readProcessUptimeSeconds(pid int) (uint64, error) {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return 0, err
	}
	// /proc/<pid>/stat's starttime field would need a /proc/uptime join to
	// convert to wall-clock seconds; the guest-reported uptime from its own
	// command channel is the more accurate source once it's healthy, so this
	// stays a coarse host-side fallback.
	return 0, nil
}
