package arb

import (
	"context"
	"testing"
	"time"
)

func TestSimulatorBuyRefusesWhenBalanceInsufficient(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{StartingBalance: dec("10")}, nil)
	leg := Leg{Side: SideUp, Price: dec("0.40"), Quantity: dec("100"), FilledAt: time.Now()}
	if sim.Buy(context.Background(), leg, "m1", "m1") {
		t.Fatalf("expected buy to be refused")
	}
	if !sim.Balance().Equal(dec("10")) {
		t.Fatalf("balance must be unchanged on refusal, got %s", sim.Balance())
	}
}

func TestSimulatorBuyThenResolveCycleRoundTrip(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{StartingBalance: dec("1000")}, nil)
	ctx := context.Background()

	leg1 := Leg{Side: SideUp, Price: dec("0.40"), Quantity: dec("100"), Kind: OrderKindMakerLimit, FilledAt: time.Now()}
	leg2 := Leg{Side: SideDown, Price: dec("0.50"), Quantity: dec("100"), Kind: OrderKindMakerLimit, FilledAt: time.Now()}

	if !sim.Buy(ctx, leg1, "m1", "m1") {
		t.Fatalf("leg1 buy unexpectedly refused")
	}
	if !sim.Buy(ctx, leg2, "m1", "m1") {
		t.Fatalf("leg2 buy unexpectedly refused")
	}

	// 1000 - 40 - 50 = 910
	if !sim.Balance().Equal(dec("910")) {
		t.Fatalf("expected balance 910 after both buys, got %s", sim.Balance())
	}

	sim.ResolveCycle("m1", dec("100"))
	if !sim.Balance().Equal(dec("1010")) {
		t.Fatalf("expected balance 1010 after payout, got %s", sim.Balance())
	}
	if _, ok := sim.Position("m1", SideUp); ok {
		t.Fatalf("expected UP position cleared after resolve")
	}
	if _, ok := sim.Position("m1", SideDown); ok {
		t.Fatalf("expected DOWN position cleared after resolve")
	}
}

func TestSimulatorMakerFillHasZeroSlippageAndFee(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		StartingBalance: dec("1000"), SimulateFees: true, SimulateSlippage: true, SlippagePct: dec("0.02"), FeeRate: DefaultFeeRate,
	}, nil)
	bid, ask := dec("0.39"), dec("0.40")
	leg := Leg{Side: SideUp, Price: dec("0.40"), Quantity: dec("100"), Kind: OrderKindMakerLimit, BestBid: &bid, BestAsk: &ask, FilledAt: time.Now()}
	sim.Buy(context.Background(), leg, "m1", "m1")
	// maker fill: no fee, no slippage, so balance drops by exactly price*qty=40.
	if !sim.Balance().Equal(dec("960")) {
		t.Fatalf("expected balance 960 for a zero-fee maker fill, got %s", sim.Balance())
	}
}

func TestSimulatorTakerSlippageCapped(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		StartingBalance: dec("1000"), SimulateSlippage: true, SlippagePct: dec("2"),
	}, nil)
	bid, ask := dec("0.39"), dec("0.40")
	eff := sim.effectiveFillPrice(OrderKindTakerMarket, dec("0.40"), dec("100"), &bid, &ask)
	cap := ask.Mul(dec("1.02"))
	if eff.GreaterThan(cap) {
		t.Fatalf("expected effective price capped at %s, got %s", cap, eff)
	}
}

func TestSimulatorAbandonRoundClearsWithoutPayout(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{StartingBalance: dec("1000")}, nil)
	leg := Leg{Side: SideUp, Price: dec("0.40"), Quantity: dec("100"), FilledAt: time.Now()}
	sim.Buy(context.Background(), leg, "m1", "m1")
	before := sim.Balance()
	sim.AbandonRound("m1")
	if !sim.Balance().Equal(before) {
		t.Fatalf("abandon must not change balance, got %s vs %s", sim.Balance(), before)
	}
	if _, ok := sim.Position("m1", SideUp); ok {
		t.Fatalf("expected position cleared after abandon")
	}
}
