package pool

import (
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceProbe reports host resource pressure for the pool's guards.
// Both measurements are best-effort; errors are treated as "not hot" by
// the caller. Tests provide a deterministic implementation.
type ResourceProbe interface {
	// CPUPercent returns total CPU utilization in percent since the
	// previous call.
	CPUPercent() (float64, error)

	// ProcessCount returns the number of host processes whose name
	// contains nameSubstring (case-insensitive).
	ProcessCount(nameSubstring string) (int, error)
}

// HostProbe implements ResourceProbe against the local host.
type HostProbe struct{}

// CPUPercent returns utilization since the previous call (non-blocking).
func (HostProbe) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// ProcessCount counts processes whose name contains nameSubstring.
func (HostProbe) ProcessCount(nameSubstring string) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, err
	}
	needle := strings.ToLower(nameSubstring)
	count := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited mid-scan
		}
		if strings.Contains(strings.ToLower(name), needle) {
			count++
		}
	}
	return count, nil
}
