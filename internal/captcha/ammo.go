package captcha

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cerberus-gate/fortify/internal/threat"
)

// AmmoConfig configures the pre-generation pool and its disk spool tier.
type AmmoConfig struct {
	// RAMCapacity is the maximum number of CAPTCHAs held in memory.
	RAMCapacity int
	// CacheDir is the disk spool directory.
	CacheDir string
	// MaxDiskCache caps the number of CAPTCHAs spooled to disk.
	MaxDiskCache int
	// MinDiskFreeGB stops spool writes when free space drops below this.
	MinDiskFreeGB uint64
	// DumpInterval is the minimum time between surplus dumps.
	DumpInterval time.Duration
}

// DefaultAmmoConfig returns production defaults.
func DefaultAmmoConfig() AmmoConfig {
	return AmmoConfig{
		RAMCapacity:   10_000,
		CacheDir:      "/var/lib/cerberus/ammo",
		MaxDiskCache:  100_000,
		MinDiskFreeGB: 5,
		DumpInterval:  5 * time.Minute,
	}
}

// AmmoStats is a snapshot of pool counters. All counters are monotonic.
type AmmoStats struct {
	PoolSize       int    `json:"pool_size"`
	PoolCapacity   int    `json:"pool_capacity"`
	FillPercent    int    `json:"fill_percent"`
	Served         uint64 `json:"served"`
	Generated      uint64 `json:"generated"`
	LoadedFromDisk uint64 `json:"loaded_from_disk"`
	DumpedToDisk   uint64 `json:"dumped_to_disk"`
	PoolMisses     uint64 `json:"pool_misses"`
}

// AmmoBox is the two-tier CAPTCHA pre-generation pool: a bounded in-memory
// FIFO for fast dispatch, spilling to a disk spool for sustainment during
// load spikes. Push and Pop never block; a buffered channel is the bounded
// lock-free MPMC queue.
type AmmoBox struct {
	pool chan Pregen
	cfg  AmmoConfig

	served         atomic.Uint64
	generated      atomic.Uint64
	loadedFromDisk atomic.Uint64
	dumpedToDisk   atomic.Uint64
	poolMisses     atomic.Uint64

	mu       sync.Mutex
	lastDump time.Time
}

// NewAmmoBox creates an empty pool with the given configuration.
func NewAmmoBox(cfg AmmoConfig) *AmmoBox {
	if cfg.RAMCapacity <= 0 {
		cfg.RAMCapacity = DefaultAmmoConfig().RAMCapacity
	}
	return &AmmoBox{
		pool:     make(chan Pregen, cfg.RAMCapacity),
		cfg:      cfg,
		lastDump: time.Now(),
	}
}

// Capacity returns the RAM pool capacity.
func (a *AmmoBox) Capacity() int { return cap(a.pool) }

// Len returns the current pool size.
func (a *AmmoBox) Len() int { return len(a.pool) }

// FillPercent returns the RAM fill level (0-100).
func (a *AmmoBox) FillPercent() int {
	return len(a.pool) * 100 / cap(a.pool)
}

// Pop removes the oldest CAPTCHA from the pool. Returns ok=false when the
// pool is empty (caller generates inline) and counts the miss.
func (a *AmmoBox) Pop() (Pregen, bool) {
	select {
	case c := <-a.pool:
		a.served.Add(1)
		return c, true
	default:
		a.poolMisses.Add(1)
		return Pregen{}, false
	}
}

// Push inserts a CAPTCHA. When the pool is full the item is returned to
// the caller unchanged and ok is false.
func (a *AmmoBox) Push(c Pregen) bool {
	select {
	case a.pool <- c:
		return true
	default:
		return false
	}
}

// PushBatch inserts items until the pool fills, returning how many fit.
func (a *AmmoBox) PushBatch(batch []Pregen) int {
	pushed := 0
	for _, c := range batch {
		if !a.Push(c) {
			break
		}
		pushed++
	}
	return pushed
}

// GenerateBatch produces count CAPTCHAs and counts them as generated. The
// caller decides whether to push them.
func (a *AmmoBox) GenerateBatch(count int, difficulty threat.Difficulty) []Pregen {
	batch := GenerateBatch(count, difficulty)
	a.generated.Add(uint64(len(batch)))
	return batch
}

// Stats returns a counter snapshot.
func (a *AmmoBox) Stats() AmmoStats {
	return AmmoStats{
		PoolSize:       a.Len(),
		PoolCapacity:   a.Capacity(),
		FillPercent:    a.FillPercent(),
		Served:         a.served.Load(),
		Generated:      a.generated.Load(),
		LoadedFromDisk: a.loadedFromDisk.Load(),
		DumpedToDisk:   a.dumpedToDisk.Load(),
		PoolMisses:     a.poolMisses.Load(),
	}
}

func (a *AmmoBox) shouldDump() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastDump) > a.cfg.DumpInterval
}

func (a *AmmoBox) markDumped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastDump = time.Now()
}

// CPULoadFunc reports local CPU utilisation as an integer percentage.
type CPULoadFunc func() int

// Maintain runs the pool maintainer until done is closed: one action per
// one-second tick based on fill level and CPU load. On shutdown the full
// RAM pool is flushed to disk.
func (a *AmmoBox) Maintain(done <-chan struct{}, cpuLoad CPULoadFunc) {
	slog.Info("Ammo box maintainer started", "capacity", a.Capacity())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.maintainTick(cpuLoad())
		case <-done:
			slog.Info("Ammo box maintainer shutting down, flushing pool to disk")
			if _, err := a.dumpToDisk(a.Len()); err != nil {
				slog.Warn("Shutdown pool flush failed", "error", err)
			}
			return
		}
	}
}

// maintainTick applies one maintenance action. Batches are sized so a
// single tick never monopolises a scheduler thread.
func (a *AmmoBox) maintainTick(cpu int) {
	fill := a.FillPercent()

	switch {
	case fill < 10:
		// Critical: refill from whichever tier is cheap right now.
		if cpu > 80 {
			slog.Warn("Ammo critical, loading from disk", "fill_pct", fill, "cpu", cpu)
			if _, err := a.loadFromDisk(1000); err != nil {
				slog.Warn("Disk spool load failed", "error", err)
			}
		} else {
			slog.Warn("Ammo critical, generating batch", "fill_pct", fill, "cpu", cpu)
			a.PushBatch(a.GenerateBatch(500, threat.Medium))
		}

	case fill < 80:
		if cpu < 50 {
			a.PushBatch(a.GenerateBatch(100, threat.Medium))
		}

	case fill > 95 && cpu < 20:
		if a.shouldDump() {
			slog.Debug("Pool surplus, spooling to disk")
			if _, err := a.dumpToDisk(1000); err != nil {
				slog.Warn("Disk spool dump failed", "error", err)
			}
			a.markDumped()
		}
	}
}
