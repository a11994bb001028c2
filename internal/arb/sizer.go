package arb

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SizerConfig holds the tunables for position sizing and the
// consecutive-loss circuit breaker (spec.md §4.2, §6 Risk group).
type SizerConfig struct {
	MaxBalancePctPerTrade decimal.Decimal
	MinShares             decimal.Decimal
	MaxShares             decimal.Decimal
	ConsecutiveLossLimit  int
	CooldownMinutes       int
}

// Sizer computes leg1 share counts from balance and price, and owns the
// consecutive-loss circuit breaker. Per spec.md §3, the sizer exclusively
// owns its consecutive-loss counter and cooldown deadline.
type Sizer struct {
	mu sync.Mutex

	cfg SizerConfig

	consecutiveLosses int
	cooldownUntil     time.Time
}

// NewSizer constructs a Sizer from the given config.
func NewSizer(cfg SizerConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// safetyRailPct is the fraction of balance no order may exceed even after
// rounding, per spec.md §4.2 step (v).
var safetyRailPct = decimal.NewFromFloat(0.95)

// CalculateShares computes the leg1 share count per spec.md §4.2's
// ordered steps. The result is either 0 or within [MinShares, MaxShares].
func (s *Sizer) CalculateShares(balance, leg1Price decimal.Decimal, now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isTradingPausedLocked(now) {
		return decimal.Zero
	}

	if leg1Price.LessThanOrEqual(decimalZero) {
		return decimal.Zero
	}

	maxRisk := balance.Mul(s.cfg.MaxBalancePctPerTrade)
	q := maxRisk.Div(leg1Price).Floor()

	if q.GreaterThan(s.cfg.MaxShares) {
		q = s.cfg.MaxShares
	}

	// Safety rail: even the clamped quantity must not exceed 95% of
	// balance in notional.
	if q.Mul(leg1Price).GreaterThan(balance.Mul(safetyRailPct)) {
		q = balance.Mul(safetyRailPct).Div(leg1Price).Floor()
	}

	if q.LessThan(s.cfg.MinShares) {
		return decimal.Zero
	}

	return q
}

// RecordResult feeds a cycle's profit back into the circuit breaker.
// Any non-negative profit resets consecutive_losses to 0; a negative
// profit increments it, and hitting the configured limit starts a
// cooldown.
func (s *Sizer) RecordResult(profit decimal.Decimal, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profit.GreaterThanOrEqual(decimalZero) {
		s.consecutiveLosses = 0
		return
	}

	s.consecutiveLosses++
	if s.cfg.ConsecutiveLossLimit > 0 && s.consecutiveLosses >= s.cfg.ConsecutiveLossLimit {
		s.cooldownUntil = now.Add(time.Duration(s.cfg.CooldownMinutes) * time.Minute)
	}
}

// IsTradingPaused reports whether the sizer is within an active cooldown.
// When the cooldown has elapsed it resets to unpaused and clears the
// consecutive-loss counter.
func (s *Sizer) IsTradingPaused(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTradingPausedLocked(now)
}

func (s *Sizer) isTradingPausedLocked(now time.Time) bool {
	if s.cooldownUntil.IsZero() {
		return false
	}
	if now.Before(s.cooldownUntil) {
		return true
	}
	s.cooldownUntil = time.Time{}
	s.consecutiveLosses = 0
	return false
}

// ConsecutiveLosses returns the current streak, for observability.
func (s *Sizer) ConsecutiveLosses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveLosses
}
