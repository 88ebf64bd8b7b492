package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
)

// Quoter prices a pair on one venue.
type Quoter interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (domain.Quote, error)
}

// Router asks every venue for a quote and picks the cheapest net of fees.
type Router struct {
	quoters []Quoter
	timeout time.Duration
	logger  *slog.Logger
}

// NewRouter creates a Router. The order of quoters is the tie-break order.
// A zero timeout leaves each quote bounded only by the caller's context.
func NewRouter(quoters []Quoter, timeout time.Duration, logger *slog.Logger) *Router {
	return &Router{
		quoters: quoters,
		timeout: timeout,
		logger:  logger,
	}
}

type quoteResult struct {
	quote domain.Quote
	err   error
}

// Route queries all venues concurrently. A venue that fails is left out;
// if every venue fails the error wraps domain.ErrNoRouteAvailable together
// with each venue's error.
func (r *Router) Route(ctx context.Context, tokenIn, tokenOut string, amount float64) (domain.RoutingDecision, error) {
	results := make([]quoteResult, len(r.quoters))

	var wg sync.WaitGroup
	for i, q := range r.quoters {
		wg.Add(1)
		go func(i int, q Quoter) {
			defer wg.Done()
			qctx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			quote, err := q.Quote(qctx, tokenIn, tokenOut, amount)
			results[i] = quoteResult{quote: quote, err: err}
		}(i, q)
	}
	wg.Wait()

	quotes := make([]domain.Quote, 0, len(results))
	errs := []error{domain.ErrNoRouteAvailable}
	for i, res := range results {
		if res.err != nil {
			r.logger.Warn("venue quote failed",
				slog.String("venue", r.quoters[i].Name()),
				slog.String("error", res.err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.quoters[i].Name(), res.err))
			continue
		}
		quotes = append(quotes, res.quote)
	}

	decision, ok := Select(quotes)
	if !ok {
		return domain.RoutingDecision{}, errors.Join(errs...)
	}
	return decision, nil
}

// Select picks the quote with the lowest price × (1 + fee). Quotes are
// considered in order and only a strictly lower net price displaces the
// current choice, so the earliest quote wins ties. It reports false when
// quotes is empty.
func Select(quotes []domain.Quote) (domain.RoutingDecision, bool) {
	if len(quotes) == 0 {
		return domain.RoutingDecision{}, false
	}

	best := 0
	bestNet := quotes[0].NetPrice()
	for i := 1; i < len(quotes); i++ {
		if net := quotes[i].NetPrice(); net.LessThan(bestNet) {
			best, bestNet = i, net
		}
	}

	rejected := make([]domain.Quote, 0, len(quotes)-1)
	for i, q := range quotes {
		if i != best {
			rejected = append(rejected, q)
		}
	}

	return domain.RoutingDecision{
		Chosen:        quotes[best],
		Rejected:      rejected,
		Justification: justify(quotes[best], rejected),
	}, true
}

func justify(chosen domain.Quote, rejected []domain.Quote) string {
	if len(rejected) == 0 {
		return fmt.Sprintf("picked %s as the only venue quoting (net price %s)",
			chosen.Venue, chosen.NetPrice().String())
	}
	others := make([]string, len(rejected))
	for i, q := range rejected {
		others[i] = q.Venue + " " + q.NetPrice().String()
	}
	return fmt.Sprintf("picked %s by lower net price (%s vs %s)",
		chosen.Venue, chosen.NetPrice().String(), strings.Join(others, ", "))
}
