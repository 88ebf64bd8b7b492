// Package venue simulates the trading venues orders are routed to. Prices
// are derived from a deterministic per-pair base with bounded random
// spread, and both quoting and execution take a realistic amount of time.
package venue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/efreitasn/orderexec/internal/domain"
)

// Profile describes how a simulated venue prices and charges.
type Profile struct {
	Name      string
	Fee       float64
	Liquidity float64
	// Quoted prices are base × U(SpreadLow, SpreadHigh).
	SpreadLow  float64
	SpreadHigh float64
}

var (
	Raydium = Profile{Name: "raydium", Fee: 0.003, Liquidity: 1_000_000, SpreadLow: 0.98, SpreadHigh: 1.02}
	Meteora = Profile{Name: "meteora", Fee: 0.002, Liquidity: 800_000, SpreadLow: 0.97, SpreadHigh: 1.02}
)

// Options tunes the simulation.
type Options struct {
	// Latency enables the artificial quote and execution delays.
	Latency bool
	// FailureRate is the probability in [0,1] that an execution fails.
	FailureRate float64
	// QuoteFailureRate is the probability in [0,1] that a quote fails.
	QuoteFailureRate float64
	// Seed makes the random source deterministic when non-zero.
	Seed uint64
}

const (
	quoteLatencyMin    = 200 * time.Millisecond
	quoteLatencySpan   = 150 * time.Millisecond
	executeLatencyMin  = 2 * time.Second
	executeLatencySpan = time.Second
	settlementPrefix   = "MOCKTX_"
	executionSlip      = 0.01
)

// Simulated is a single simulated venue.
type Simulated struct {
	profile Profile
	opts    Options
	mu      sync.Mutex // guards rng
	rng     *rand.Rand
}

// NewSimulated creates a venue with the given profile.
func NewSimulated(p Profile, opts Options) *Simulated {
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{
		profile: p,
		opts:    opts,
		rng:     rand.New(rand.NewPCG(seed, uint64(len(p.Name)))),
	}
}

// Name returns the venue identifier.
func (s *Simulated) Name() string { return s.profile.Name }

func (s *Simulated) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulated) jitter(lo, span time.Duration) time.Duration {
	return lo + time.Duration(s.float64()*float64(span))
}

func (s *Simulated) wait(ctx context.Context, d time.Duration) error {
	if !s.opts.Latency {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Quote prices amount of tokenIn in tokenOut.
func (s *Simulated) Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (domain.Quote, error) {
	if err := s.wait(ctx, s.jitter(quoteLatencyMin, quoteLatencySpan)); err != nil {
		return domain.Quote{}, fmt.Errorf("%s quote: %w", s.profile.Name, err)
	}
	if s.opts.QuoteFailureRate > 0 && s.float64() < s.opts.QuoteFailureRate {
		return domain.Quote{}, fmt.Errorf("%s quote: venue unavailable", s.profile.Name)
	}

	spread := s.profile.SpreadLow + s.float64()*(s.profile.SpreadHigh-s.profile.SpreadLow)
	return domain.Quote{
		Venue:     s.profile.Name,
		Price:     BasePrice(tokenIn, tokenOut) * spread,
		Fee:       s.profile.Fee,
		Liquidity: s.profile.Liquidity,
	}, nil
}

// Execute settles the order on this venue.
func (s *Simulated) Execute(ctx context.Context, order domain.Order) (domain.Execution, error) {
	if err := s.wait(ctx, s.jitter(executeLatencyMin, executeLatencySpan)); err != nil {
		return domain.Execution{}, fmt.Errorf("%s execute: %w", s.profile.Name, err)
	}
	if s.opts.FailureRate > 0 && s.float64() < s.opts.FailureRate {
		return domain.Execution{}, fmt.Errorf("%w: %s rejected the swap", domain.ErrExecutionFailed, s.profile.Name)
	}

	slip := (s.float64() - 0.5) * executionSlip
	return domain.Execution{
		SettlementRef: settlementRef(),
		ExecutedPrice: BasePrice(order.TokenIn, order.TokenOut) * (1 + slip),
	}, nil
}

func settlementRef() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return settlementPrefix + id[:24]
}

// BasePrice is the deterministic reference price of a pair, in [1, 11).
// It hashes "tokenIn|tokenOut" over UTF-16 code units with 32-bit
// wrapping arithmetic.
func BasePrice(tokenIn, tokenOut string) float64 {
	var h int32
	for _, c := range utf16.Encode([]rune(tokenIn + "|" + tokenOut)) {
		h = h*31 + int32(c)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return float64(abs%1000)/100 + 1
}
