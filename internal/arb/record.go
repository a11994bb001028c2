package arb

import "time"

// CycleRecord is the durable projection of a finalized Cycle, written by an
// event-bus subscriber into the audit store (C11) and later archived (C12).
// It carries everything CycleResult does plus the identifying fields a
// persistence row and a JSONL archive line both need; the controller itself
// never constructs or reads one.
type CycleRecord struct {
	ID         string
	MarketID   string
	Status     string
	Leg1Side   string
	Leg1Price  string
	Leg1Qty    string
	Leg2Side   string
	Leg2Price  string
	Leg2Qty    string
	Payout     string
	TotalCost  string
	Profit     string
	ProfitPct  string
	Emergency  bool
	FinalizedAt time.Time
}

// NewCycleRecord converts a finalized CycleResult into its durable
// projection, assigning id (typically a generated UUID) as the record's
// primary key.
func NewCycleRecord(id string, r CycleResult) CycleRecord {
	rec := CycleRecord{
		ID:          id,
		MarketID:    r.MarketID,
		Status:      r.Status,
		Payout:      r.Payout.String(),
		TotalCost:   r.TotalCost.String(),
		Profit:      r.Profit.String(),
		ProfitPct:   r.ProfitPct.String(),
		Emergency:   r.Emergency,
		FinalizedAt: r.At,
	}
	if r.Leg1 != nil {
		rec.Leg1Side = string(r.Leg1.Side)
		rec.Leg1Price = r.Leg1.Price.String()
		rec.Leg1Qty = r.Leg1.Quantity.String()
	}
	if r.Leg2 != nil {
		rec.Leg2Side = string(r.Leg2.Side)
		rec.Leg2Price = r.Leg2.Price.String()
		rec.Leg2Qty = r.Leg2.Quantity.String()
	}
	return rec
}
