package hub

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// resourceGuard gates connection admission on a hard connection cap and a CPU
// emergency brake. Admission is checked before the upgrade so overload turns
// into a clean 503 instead of a half-open socket.
type resourceGuard struct {
	maxConnections int64
	cpuThreshold   float64

	active     int64
	cpuPercent uint64 // float64 bits
	logger     zerolog.Logger
}

func newResourceGuard(maxConnections int, cpuThreshold float64, logger zerolog.Logger) *resourceGuard {
	return &resourceGuard{
		maxConnections: int64(maxConnections),
		cpuThreshold:   cpuThreshold,
		logger:         logger,
	}
}

// StartMonitoring samples CPU usage until ctx is cancelled.
func (g *resourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.PercentWithContext(ctx, 0, false)
				if err != nil || len(percents) == 0 {
					continue
				}
				atomic.StoreUint64(&g.cpuPercent, math.Float64bits(percents[0]))
			}
		}
	}()
}

func (g *resourceGuard) CPUPercent() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.cpuPercent))
}

func (g *resourceGuard) Active() int64 { return atomic.LoadInt64(&g.active) }

// Admit reserves a connection slot. Callers must Release on any exit path
// after a true return.
func (g *resourceGuard) Admit() (bool, string) {
	if cpuNow := g.CPUPercent(); g.cpuThreshold > 0 && cpuNow > g.cpuThreshold {
		return false, "cpu_overloaded"
	}
	if atomic.AddInt64(&g.active, 1) > g.maxConnections {
		atomic.AddInt64(&g.active, -1)
		return false, "max_connections"
	}
	return true, ""
}

func (g *resourceGuard) Release() {
	atomic.AddInt64(&g.active, -1)
}
