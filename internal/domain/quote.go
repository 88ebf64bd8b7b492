package domain

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// Quote is a single venue's price for a pair. Quotes are never persisted.
type Quote struct {
	Venue     string  `json:"venue"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	Liquidity float64 `json:"liquidity"`
}

// NetPrice returns price × (1 + fee) in exact decimal arithmetic so that
// equal net prices compare equal regardless of float rounding.
func (q Quote) NetPrice() decimal.Decimal {
	return decimal.NewFromFloat(q.Price).Mul(one.Add(decimal.NewFromFloat(q.Fee)))
}

// RoutingDecision is the outcome of comparing venue quotes.
type RoutingDecision struct {
	Chosen        Quote   `json:"chosen"`
	Rejected      []Quote `json:"rejected"`
	Justification string  `json:"decision"`
}

// Execution is the result of a settled swap on a venue.
type Execution struct {
	SettlementRef string  `json:"settlementRef"`
	ExecutedPrice float64 `json:"executedPrice"`
}
