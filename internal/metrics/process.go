package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is the resource usage of the running trainer.
type ProcessStats struct {
	RSS        uint64  `json:"rss_bytes"`
	VMS        uint64  `json:"vms_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// SampleProcess reads the resource usage of the current process.
func SampleProcess() (ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get process: %w", err)
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get CPU percent: %w", err)
	}

	threads, err := proc.NumThreads()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to get thread count: %w", err)
	}

	return ProcessStats{
		RSS:        memInfo.RSS,
		VMS:        memInfo.VMS,
		CPUPercent: cpuPercent,
		Threads:    threads,
	}, nil
}

// Track process resource usage
func (c *Collector) ResourceUsage(runID string, stats ProcessStats) {
	c.logger.Info().
		Str("metric", "resource_usage").
		Str("run_id", runID).
		Uint64("rss_bytes", stats.RSS).
		Uint64("vms_bytes", stats.VMS).
		Float64("cpu_percent", stats.CPUPercent).
		Int32("threads", stats.Threads).
		Msg("Resource usage metric")
}
