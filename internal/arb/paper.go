package arb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatorConfig holds the tunables for the deterministic paper
// simulator (spec.md §4.3).
type SimulatorConfig struct {
	StartingBalance decimal.Decimal
	SimulateFees    bool
	SimulateSlippage bool
	SlippagePct     decimal.Decimal
	FeeRate         decimal.Decimal
	LogFile         string
}

// tradeLogLine is one JSON object per line of the trade log
// (spec.md §6).
type tradeLogLine struct {
	ID            string  `json:"id"`
	Timestamp     string  `json:"timestamp"`
	Side          string  `json:"side"`
	Shares        string  `json:"shares"`
	Price         string  `json:"price"`
	Fee           string  `json:"fee"`
	OrderType     string  `json:"order_type"`
	MarketSlug    string  `json:"market_slug"`
	BalanceAfter  string  `json:"balance_after"`
}

// Simulator is the deterministic paper-trading backend: balance,
// per-(market,side) positions, a completed-cycle history, and an
// append-only trade log. Per spec.md §3, the simulator exclusively owns
// this state; the controller never mutates it directly.
type Simulator struct {
	mu sync.Mutex

	cfg       SimulatorConfig
	balance   decimal.Decimal
	positions map[positionKey]*PaperPosition
	history   []CycleResult
	bus       *EventBus

	logFile *os.File
	nextID  int64
}

type positionKey struct {
	marketID string
	side     Side
}

// NewSimulator constructs a Simulator with the configured starting
// balance. If cfg.LogFile is non-empty, the trade log is opened for
// append; a failure to open it is non-fatal (spec.md §5: log writes are
// swallowed).
func NewSimulator(cfg SimulatorConfig, bus *EventBus) *Simulator {
	s := &Simulator{
		cfg:       cfg,
		balance:   cfg.StartingBalance,
		positions: make(map[positionKey]*PaperPosition),
		bus:       bus,
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			s.logFile = f
		}
	}
	return s
}

// Close releases the trade-log file handle, if open.
func (s *Simulator) Close() error {
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// Balance returns the current simulated balance.
func (s *Simulator) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// effectiveFillPrice applies the slippage model (spec.md §4.3.1).
func (s *Simulator) effectiveFillPrice(kind OrderKind, price decimal.Decimal, qty decimal.Decimal, bestBid, bestAsk *decimal.Decimal) decimal.Decimal {
	if !s.cfg.SimulateSlippage {
		return price
	}
	switch kind {
	case OrderKindMakerLimit:
		return price
	case OrderKindTakerMarket:
		if bestBid != nil && bestAsk != nil {
			slip := price.Mul(s.cfg.SlippagePct).Mul(qty).Div(decimal.NewFromInt(50))
			eff := price.Add(bestAsk.Sub(price)).Add(slip)
			cap := bestAsk.Mul(decimal.NewFromFloat(1.02))
			if eff.GreaterThan(cap) {
				return cap
			}
			return eff
		}
	}
	return price.Mul(decimalOne.Add(s.cfg.SlippagePct))
}

// fee applies the fee model (spec.md §4.3.2).
func (s *Simulator) fee(kind OrderKind, price, qty decimal.Decimal) decimal.Decimal {
	if !s.cfg.SimulateFees {
		return decimalZero
	}
	if kind == OrderKindMakerLimit {
		return decimalZero
	}
	return TakerFeeAmount(price, qty, s.cfg.FeeRate)
}

// Buy attempts to fill leg against the simulated balance. Returns false
// (refused) if the balance cannot cover effective cost plus fee.
func (s *Simulator) Buy(ctx context.Context, leg Leg, marketID, marketSlug string) (accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	effPrice := s.effectiveFillPrice(leg.Kind, leg.Price, leg.Quantity, leg.BestBid, leg.BestAsk)
	fee := s.fee(leg.Kind, effPrice, leg.Quantity)
	cost := effPrice.Mul(leg.Quantity).Add(fee)

	if s.balance.LessThan(cost) {
		s.appendLog(tradeLogLine{
			ID: s.newID(), Timestamp: leg.FilledAt.Format(time.RFC3339Nano),
			Side: string(leg.Side), Shares: leg.Quantity.String(), Price: effPrice.String(),
			Fee: fee.String(), OrderType: string(leg.Kind), MarketSlug: marketSlug,
			BalanceAfter: s.balance.String(),
		})
		return false
	}

	s.balance = s.balance.Sub(cost)

	key := positionKey{marketID: marketID, side: leg.Side}
	pos, ok := s.positions[key]
	if !ok {
		pos = &PaperPosition{MarketID: marketID, Side: leg.Side, TokenID: leg.TokenID, OpenedAt: leg.FilledAt}
		s.positions[key] = pos
	}
	totalQty := pos.Quantity.Add(leg.Quantity)
	if totalQty.IsZero() {
		pos.AvgPrice = decimalZero
	} else {
		pos.AvgPrice = pos.AvgPrice.Mul(pos.Quantity).Add(effPrice.Mul(leg.Quantity)).Div(totalQty)
	}
	pos.Quantity = totalQty

	s.appendLog(tradeLogLine{
		ID: s.newID(), Timestamp: leg.FilledAt.Format(time.RFC3339Nano),
		Side: string(leg.Side), Shares: leg.Quantity.String(), Price: effPrice.String(),
		Fee: fee.String(), OrderType: string(leg.Kind), MarketSlug: marketSlug,
		BalanceAfter: s.balance.String(),
	})

	if s.bus != nil {
		filled := leg
		filled.Price = effPrice
		s.bus.Publish(Event{Kind: EventLog, At: leg.FilledAt, Message: fmt.Sprintf("paper buy filled: %s %s @ %s", leg.Side, leg.Quantity, effPrice)})
	}
	return true
}

// Sell executes an immediate (always-taker) sell and returns net proceeds.
// The matching position is deleted in full.
func (s *Simulator) Sell(ctx context.Context, marketID string, side Side, qty, price decimal.Decimal, at time.Time, marketSlug string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	fee := TakerFeeAmount(price, qty, s.cfg.FeeRate)
	if !s.cfg.SimulateFees {
		fee = decimalZero
	}
	proceeds := price.Mul(qty).Sub(fee)
	s.balance = s.balance.Add(proceeds)

	delete(s.positions, positionKey{marketID: marketID, side: side})

	s.appendLog(tradeLogLine{
		ID: s.newID(), Timestamp: at.Format(time.RFC3339Nano),
		Side: string(side), Shares: qty.Neg().String(), Price: price.String(),
		Fee: fee.String(), OrderType: string(OrderKindTakerMarket), MarketSlug: marketSlug,
		BalanceAfter: s.balance.String(),
	})

	return proceeds
}

// RecordExitSell appends a trade-log entry for a resting exit-sell order
// placed in paper mode. Unlike Sell, it does not fill or move the
// balance: the live exchange's resting exit-sell order is a safety net
// with no paper-mode analogue, so spec.md §4.6 only requires it be
// logged, not executed.
func (s *Simulator) RecordExitSell(marketID string, side Side, qty, price decimal.Decimal, at time.Time, marketSlug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLog(tradeLogLine{
		ID: s.newID(), Timestamp: at.Format(time.RFC3339Nano),
		Side: string(side), Shares: qty.String(), Price: price.String(),
		Fee: decimalZero.String(), OrderType: "exit_sell_paper", MarketSlug: marketSlug,
		BalanceAfter: s.balance.String(),
	})
}

// ResolveCycle credits the balance with payout and deletes every position
// for marketID on both sides. Used for a normal (non-emergency) hedge
// completion, where payout is already known to be min(leg1 qty, leg2 qty)
// regardless of which side the market eventually resolves to — exactly
// one of the two held positions pays 1.00 per share.
func (s *Simulator) ResolveCycle(marketID string, payout decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = s.balance.Add(payout)
	delete(s.positions, positionKey{marketID: marketID, side: SideUp})
	delete(s.positions, positionKey{marketID: marketID, side: SideDown})
}

// SettleRound pays 1.00 per share for positions on the winning side of
// marketID and deletes every position for that market.
func (s *Simulator) SettleRound(marketID string, winningSide Side) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	payout := decimalZero
	for key, pos := range s.positions {
		if key.marketID != marketID {
			continue
		}
		if key.side == winningSide {
			payout = payout.Add(pos.Quantity)
		}
		delete(s.positions, key)
	}
	s.balance = s.balance.Add(payout)
	return payout
}

// AbandonRound deletes every position for marketID without payout or
// refund.
func (s *Simulator) AbandonRound(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.positions {
		if key.marketID == marketID {
			delete(s.positions, key)
		}
	}
}

// RecordCycle pushes a finalized cycle result onto the in-memory history.
func (s *Simulator) RecordCycle(result CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, result)
}

// History returns a copy of the completed-cycle history.
func (s *Simulator) History() []CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CycleResult, len(s.history))
	copy(out, s.history)
	return out
}

// Position returns the current position for (marketID, side), if any.
func (s *Simulator) Position(marketID string, side Side) (PaperPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionKey{marketID: marketID, side: side}]
	if !ok {
		return PaperPosition{}, false
	}
	return *pos, true
}

func (s *Simulator) newID() string {
	s.nextID++
	return fmt.Sprintf("paper-%d", s.nextID)
}

// appendLog writes one JSON line to the trade log file. Write failures
// are swallowed and non-fatal (spec.md §5).
func (s *Simulator) appendLog(line tradeLogLine) {
	if s.logFile == nil {
		return
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = s.logFile.Write(data)
}
