package diagnostics

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var processStart = time.Now()

// ResourceSnapshot is the process and host state at one point in time.
// Host fields stay zero when the platform does not expose them.
type ResourceSnapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Goroutines    int           `json:"goroutines"`
	HeapAllocMB   float64       `json:"heap_alloc_mb"`
	HeapInUseMB   float64       `json:"heap_in_use_mb"`
	NumGC         uint32        `json:"num_gc"`
	ProcessUptime time.Duration `json:"process_uptime"`
	RSSMB         float64       `json:"rss_mb,omitempty"`
	OpenFDs       int32         `json:"open_fds,omitempty"`

	CPUCores       int     `json:"cpu_cores,omitempty"`
	Load1          float64 `json:"load_1,omitempty"`
	MemTotalMB     float64 `json:"mem_total_mb,omitempty"`
	MemAvailMB     float64 `json:"mem_available_mb,omitempty"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
}

const mb = 1024 * 1024

// TakeSnapshot reads runtime statistics and, where available, the host's
// memory, CPU and load figures.
func TakeSnapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := ResourceSnapshot{
		Timestamp:     time.Now().UTC(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / mb,
		HeapInUseMB:   float64(ms.HeapInuse) / mb,
		NumGC:         ms.NumGC,
		ProcessUptime: time.Since(processStart),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			s.RSSMB = float64(info.RSS) / mb
		}
		if n, err := p.NumFDs(); err == nil {
			s.OpenFDs = n
		}
	}
	if n, err := cpu.Counts(true); err == nil {
		s.CPUCores = n
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotalMB = float64(vm.Total) / mb
		s.MemAvailMB = float64(vm.Available) / mb
		s.MemUsedPercent = vm.UsedPercent
	}
	return s
}

// Warnings lists host conditions likely to slow a research run.
func (s ResourceSnapshot) Warnings() []string {
	var out []string
	if s.MemUsedPercent >= 90 {
		out = append(out, "host memory above 90% used")
	}
	if s.CPUCores > 0 && s.Load1 > float64(2*s.CPUCores) {
		out = append(out, "load average is more than twice the core count")
	}
	return out
}
