// Package sysload samples local CPU utilisation for load-aware decisions
// (ammo pool maintenance, gossip packets, shed targeting).
package sysload

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler keeps a recent CPU utilisation reading as an integer percentage
// (0-100). Readings are refreshed by Run; Load never blocks.
type Sampler struct {
	load atomic.Int32
}

// NewSampler returns a sampler with an initial load of 0.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Load returns the most recent CPU utilisation percentage.
func (s *Sampler) Load() int {
	return int(s.load.Load())
}

// Run refreshes the reading every interval until done is closed. Each
// refresh blocks for one interval measuring utilisation, so the reading
// lags by at most one period.
func (s *Sampler) Run(done <-chan struct{}, interval time.Duration) {
	for {
		select {
		case <-done:
			return
		default:
		}

		pcts, err := cpu.Percent(interval, false)
		if err != nil || len(pcts) == 0 {
			if err != nil {
				slog.Debug("CPU sample failed", "error", err)
			}
			s.load.Store(0)
			select {
			case <-done:
				return
			case <-time.After(interval):
			}
			continue
		}

		p := int32(pcts[0])
		if p > 100 {
			p = 100
		}
		s.load.Store(p)
	}
}

// SetForTest overrides the reading. Test helper.
func (s *Sampler) SetForTest(pct int) {
	s.load.Store(int32(pct))
}
