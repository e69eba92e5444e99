package transport

import (
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fabstream/internal/metrics"
)

// AcceptGuard sheds incoming connections before the host saturates:
// a token-bucket rate limit on accepts plus a CPU ceiling sampled from
// the system.
//
// The guard enforces configured limits strictly; it does not adapt
// them at runtime.
type AcceptGuard struct {
	limiter      *rate.Limiter
	sampler      *metrics.SystemSampler
	cpuThreshold float64
	logger       zerolog.Logger
}

// NewAcceptGuard builds a guard allowing maxPerSec accepts (burst 2x)
// and rejecting while system CPU is at or above cpuThreshold percent.
func NewAcceptGuard(maxPerSec int, cpuThreshold float64, sampler *metrics.SystemSampler, logger zerolog.Logger) *AcceptGuard {
	if maxPerSec <= 0 {
		maxPerSec = 100
	}
	return &AcceptGuard{
		limiter:      rate.NewLimiter(rate.Limit(maxPerSec), maxPerSec*2),
		sampler:      sampler,
		cpuThreshold: cpuThreshold,
		logger:       logger.With().Str("component", "guard").Logger(),
	}
}

// Allow reports whether a new connection may be accepted now.
func (g *AcceptGuard) Allow() bool {
	if !g.limiter.Allow() {
		g.logger.Warn().Msg("Accept rate limit hit, rejecting connection")
		return false
	}
	if g.sampler != nil && g.cpuThreshold > 0 {
		if cpu := g.sampler.CPUPercent(); cpu >= g.cpuThreshold {
			g.logger.Warn().
				Float64("cpu", cpu).
				Float64("threshold", g.cpuThreshold).
				Msg("CPU above reject threshold, rejecting connection")
			return false
		}
	}
	return true
}
