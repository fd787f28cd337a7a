package worker

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/nomarr/nomarr/errors"
)

// MemStats is a point-in-time snapshot of this worker process's memory,
// published into health metadata for operators watching model footprint.
type MemStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	MemPercent float32 `json:"mem_percent"`
	NumThreads int32   `json:"num_threads"`
	PID        int     `json:"pid"`
}

// SampleMemory reads the current process's memory usage.
func SampleMemory() (*MemStats, error) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open process %d", pid)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, errors.Wrap(err, "read memory info")
	}
	pct, err := proc.MemoryPercent()
	if err != nil {
		return nil, errors.Wrap(err, "read memory percent")
	}
	threads, err := proc.NumThreads()
	if err != nil {
		return nil, errors.Wrap(err, "read thread count")
	}
	return &MemStats{
		RSSBytes:   mem.RSS,
		VMSBytes:   mem.VMS,
		MemPercent: pct,
		NumThreads: threads,
		PID:        pid,
	}, nil
}
