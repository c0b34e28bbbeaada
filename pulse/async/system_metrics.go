package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	JobsProcessed int     `json:"jobs_processed"`  // Jobs claimed since Start
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // PENDING jobs
	JobsRunning   int     `json:"jobs_running"`    // PROCESSING jobs
}

const bytesPerGB = 1024 * 1024 * 1024

// getMemoryStats returns total and available memory in bytes
var getMemoryStats = func() (total, available uint64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available
// memory. Workers mostly wait on remote providers, so each one is cheap;
// the bound is the in-memory document being assembled.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB per in-flight document
	const memoryBuffer = 1.0     // GB reserved for the rest of the host

	if availableGB < memoryBuffer {
		return 1 // Always allow at least 1 worker
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / bytesPerGB
		memUsedGB = float64(total-available) / bytesPerGB
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var queued, running int
	// Database errors leave the job counts at zero
	if stats, err := wp.queue.Stats(ctx); err == nil {
		queued, running = stats.Pending, stats.Processing
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	processed := wp.jobsProcessed
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.config.Workers,
		JobsProcessed: processed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsQueued:    queued,
		JobsRunning:   running,
	}
}

// checkMemoryPressure validates worker count against available memory.
// Returns a warning if the worker count may be too high, empty if OK.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.config.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.config.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
