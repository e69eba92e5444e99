package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSampler tracks host-wide CPU usage and this process's Go memory
// statistics. The transport's
// accept guard consults it to shed load before the host saturates.
type SystemSampler struct {
	mu            sync.RWMutex
	cpuPercent    float64
	memoryStats   runtime.MemStats
	lastMemUpdate time.Time
}

// NewSystemSampler creates a sampler with an initial CPU reading.
func NewSystemSampler() *SystemSampler {
	sm := &SystemSampler{lastMemUpdate: time.Now()}
	sm.updateCPU(0)
	return sm
}

// Update refreshes all samples. interval is the CPU measurement
// window; zero takes an instantaneous reading.
func (sm *SystemSampler) Update(interval time.Duration) {
	sm.updateMemory()
	sm.updateCPU(interval)
}

func (sm *SystemSampler) updateMemory() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	runtime.ReadMemStats(&sm.memoryStats)
	sm.lastMemUpdate = time.Now()
}

func (sm *SystemSampler) updateCPU(interval time.Duration) {
	percents, err := cpu.Percent(interval, false)
	if err != nil || len(percents) == 0 {
		// Keep the previous value; a failed sample must not read as idle.
		return
	}
	sm.mu.Lock()
	sm.cpuPercent = percents[0]
	sm.mu.Unlock()
}

// CPUPercent returns the last sampled system CPU percentage.
func (sm *SystemSampler) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent
}

// HeapBytes returns the last sampled heap allocation.
func (sm *SystemSampler) HeapBytes() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.memoryStats.HeapAlloc
}

// Run samples on a ticker until ctx-style stop via the returned func.
func (sm *SystemSampler) Run(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sm.Update(0)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
