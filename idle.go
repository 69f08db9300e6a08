// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
)

// IdleStrategy decides what a polling loop does after a poll cycle.
type IdleStrategy interface {
	// Idle is called with the amount of work done in the last cycle.
	Idle(workCount int)
	// Reset restarts the backoff sequence.
	Reset()
}

// BackoffIdleStrategy spins, then yields the processor, then sleeps for
// exponentially longer periods up to MaxPark while there is no work.
type BackoffIdleStrategy struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration
	Clock     clock.Clock // nil means the wall clock

	spins  int
	yields int
	park   time.Duration
}

// NewBackoffIdleStrategy returns a BackoffIdleStrategy using the idle settings of cfg.
func NewBackoffIdleStrategy(cfg Config, clk clock.Clock) *BackoffIdleStrategy {
	return &BackoffIdleStrategy{
		MaxSpins:  cfg.IdleMaxSpins,
		MaxYields: cfg.IdleMaxYields,
		MinPark:   cfg.IdleMinPark,
		MaxPark:   cfg.IdleMaxPark,
		Clock:     clk,
	}
}

func (s *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		s.Reset()
		return
	}
	switch {
	case s.spins < s.MaxSpins:
		s.spins++
	case s.yields < s.MaxYields:
		s.yields++
		runtime.Gosched()
	default:
		if s.park < s.MinPark {
			s.park = s.MinPark
		}
		clk := s.Clock
		if clk == nil {
			clk = clock.New()
		}
		clk.Sleep(s.park)
		if s.park *= 2; s.park > s.MaxPark {
			s.park = s.MaxPark
		}
	}
}

func (s *BackoffIdleStrategy) Reset() {
	s.spins = 0
	s.yields = 0
	s.park = 0
}

// NextPark returns the duration the next park will sleep, or zero if the
// strategy has not parked since the last reset.
func (s *BackoffIdleStrategy) NextPark() time.Duration {
	return s.park
}
