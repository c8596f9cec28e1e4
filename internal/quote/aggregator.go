// Package quote fans a QuoteRequest out to every supporting venue, scores the
// answers with the risk engine and ranks them into a PositionQuote.
package quote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/metrics"
	"github.com/alanyoungcy/sentinel/internal/protocol"
	"github.com/alanyoungcy/sentinel/internal/risk"
)

// Options tunes the fan-out.
type Options struct {
	AdapterTimeout time.Duration
	OverallTimeout time.Duration
	MaxConcurrency int
	CacheTTL       time.Duration
	NetworkFeeUSD  float64
}

// OptionsFromConfig maps the [quote] config section.
func OptionsFromConfig(c config.QuoteConfig) Options {
	return Options{
		AdapterTimeout: c.AdapterTimeout.Duration,
		OverallTimeout: c.OverallTimeout.Duration,
		MaxConcurrency: c.MaxConcurrency,
		CacheTTL:       c.CacheTTL.Duration,
		NetworkFeeUSD:  c.NetworkFeeUSD,
	}
}

func (o *Options) fill() {
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 5 * time.Second
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = 10 * time.Second
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
}

// Aggregator produces ranked PositionQuotes.
type Aggregator struct {
	registry *protocol.Registry
	engine   *risk.Engine
	prices   domain.PriceSource
	cache    domain.QuoteCache
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator creates an Aggregator. cache may be nil to disable caching.
func NewAggregator(
	registry *protocol.Registry,
	engine *risk.Engine,
	prices domain.PriceSource,
	cache domain.QuoteCache,
	opts Options,
	logger *slog.Logger,
) *Aggregator {
	opts.fill()
	return &Aggregator{
		registry: registry,
		engine:   engine,
		prices:   prices,
		cache:    cache,
		opts:     opts,
		logger:   logger.With(slog.String("component", "quote_aggregator")),
		now:      time.Now,
	}
}

// venueResult is one adapter's slot in the fan-out.
type venueResult struct {
	quote domain.ProtocolQuote
	err   error
}

// Quote returns the ranked quotes for req. Venues that fail are listed in
// Diagnostics; the call itself fails only when no venue produced a quote.
// Identical requests inside the cache window return the cached result.
func (a *Aggregator) Quote(ctx context.Context, req domain.QuoteRequest) (domain.PositionQuote, error) {
	if err := validateRequest(req); err != nil {
		return domain.PositionQuote{}, err
	}

	key := Fingerprint(req)
	if a.cache != nil {
		if cached, err := a.cache.Get(ctx, key); err == nil {
			metrics.QuotesServed.WithLabelValues("hit").Inc()
			cached.Request = req
			return cached, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("quote cache read failed", slog.String("error", err.Error()))
		}
	}
	metrics.QuotesServed.WithLabelValues("miss").Inc()

	adapters := a.registry.Supporting(req)
	if len(adapters) == 0 {
		return domain.PositionQuote{}, domain.NewValidationError("protocols",
			"no venue supports %s/%s", req.CollateralToken, req.BorrowToken)
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.OverallTimeout)
	defer cancel()

	tokens := []string{req.CollateralToken, req.BorrowToken}
	if req.ProtectiveSwap != nil {
		tokens = append(tokens, req.ProtectiveSwap.ToToken)
	}
	prices, err := a.prices.Prices(ctx, tokens)
	if err != nil {
		return domain.PositionQuote{}, &domain.QuoteError{Err: fmt.Errorf("prices: %w", err)}
	}
	hvix, err := a.prices.Volatility(ctx)
	if err != nil {
		a.logger.Warn("volatility unavailable, assuming calm market", slog.String("error", err.Error()))
		hvix = 0
	}
	trend, err := a.prices.Trend(ctx, req.CollateralToken)
	if err != nil {
		a.logger.Warn("price trend unavailable", slog.String("token", req.CollateralToken), slog.String("error", err.Error()))
		trend = 0
	}

	results := make([]venueResult, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxConcurrency)
	for i, ad := range adapters {
		g.Go(func() error {
			q, err := a.quoteVenue(gctx, ad, req, prices, hvix, trend)
			results[i] = venueResult{quote: q, err: err}
			// Failures are collected per venue so one venue never cancels
			// the others.
			return nil
		})
	}
	_ = g.Wait()

	out := domain.PositionQuote{
		Request:       req,
		CurrentPrices: prices,
		Volatility:    hvix,
		Timestamp:     a.now(),
	}
	var (
		errs        []error
		validations []domain.ValidationIssue
		allInvalid  = true
	)
	for i, r := range results {
		id := adapters[i].ID()
		if r.err == nil {
			out.Quotes = append(out.Quotes, r.quote)
			continue
		}
		reason := failureReason(r.err)
		metrics.AdapterFailures.WithLabelValues(string(id), reason).Inc()
		out.Diagnostics = append(out.Diagnostics, domain.AdapterFailure{Protocol: id, Reason: r.err.Error()})
		errs = append(errs, &domain.QuoteError{Protocol: id, Err: r.err})

		var ve *domain.ValidationError
		if errors.As(r.err, &ve) {
			validations = append(validations, ve.Issues...)
		} else {
			allInvalid = false
		}
		a.logger.Warn("venue dropped from quote",
			slog.String("protocol", string(id)),
			slog.String("reason", reason),
			slog.String("error", r.err.Error()),
		)
	}

	if len(out.Quotes) == 0 {
		if allInvalid {
			return domain.PositionQuote{}, &domain.ValidationError{Issues: validations}
		}
		return domain.PositionQuote{}, &domain.QuoteError{Err: errors.Join(append([]error{domain.ErrNoQuotes}, errs...)...)}
	}

	Rank(out.Quotes, a.engine.SafetyThreshold())
	for i := range out.Quotes {
		if out.Quotes[i].IsRecommended {
			best := out.Quotes[i]
			out.BestQuote = &best
		}
	}

	a.logger.Info("quote aggregated",
		slog.String("pair", req.CollateralToken+"/"+req.BorrowToken),
		slog.Float64("leverage", req.Leverage),
		slog.Int("quotes", len(out.Quotes)),
		slog.Int("failed", len(out.Diagnostics)),
		slog.String("best", string(out.BestQuote.Protocol)),
	)

	if a.cache != nil {
		if err := a.cache.Set(ctx, key, out, a.opts.CacheTTL); err != nil {
			a.logger.Warn("quote cache write failed", slog.String("error", err.Error()))
		}
	}
	return out, nil
}

// quoteVenue fetches both markets from one venue and scores them.
func (a *Aggregator) quoteVenue(
	ctx context.Context,
	ad protocol.Adapter,
	req domain.QuoteRequest,
	prices map[string]float64,
	hvix, trend float64,
) (domain.ProtocolQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.AdapterTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.AdapterLatency.WithLabelValues(string(ad.ID())).Observe(time.Since(start).Seconds())
	}()

	coll, err := ad.MarketData(ctx, req.CollateralToken)
	if err != nil {
		return domain.ProtocolQuote{}, err
	}
	debt, err := ad.MarketData(ctx, req.BorrowToken)
	if err != nil {
		return domain.ProtocolQuote{}, err
	}

	return a.engine.Quote(risk.Input{
		CollateralAmount: req.CollateralAmount,
		CollateralPrice:  prices[req.CollateralToken],
		BorrowPrice:      prices[req.BorrowToken],
		Leverage:         req.Leverage,
		Market:           mergeMarkets(coll, debt),
		Volatility:       hvix,
		Trend:            trend,
		NetworkFeeUSD:    a.opts.NetworkFeeUSD,
	}, a.now())
}

// mergeMarkets combines the collateral reserve's supply side with the borrow
// reserve's debt side.
func mergeMarkets(coll, debt domain.MarketData) domain.MarketData {
	m := coll
	m.BorrowAPY = debt.BorrowAPY
	m.BorrowFeeBps = debt.BorrowFeeBps
	m.Utilization = debt.Utilization
	if debt.FetchedAt.Before(m.FetchedAt) {
		m.FetchedAt = debt.FetchedAt
	}
	return m
}

// Rank flags quotes below the safety threshold and marks exactly one quote as
// recommended. Among safe quotes the highest NetAPY wins, ties broken by
// higher HealthFactor and then protocol id. When no quote is safe the one with
// the highest HealthFactor is recommended with a warning. Quotes end up sorted
// by protocol id.
func Rank(quotes []domain.ProtocolQuote, threshold float64) {
	if len(quotes) == 0 {
		return
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Protocol < quotes[j].Protocol })

	best := -1
	for i := range quotes {
		q := &quotes[i]
		q.BelowSafetyThreshold = q.HealthFactor < threshold
		q.IsRecommended = false
		q.RecommendationReason = ""
		if q.BelowSafetyThreshold {
			continue
		}
		if best < 0 || betterSafe(*q, quotes[best]) {
			best = i
		}
	}
	if best >= 0 {
		q := &quotes[best]
		q.IsRecommended = true
		q.RecommendationReason = fmt.Sprintf("highest net APY %.2f%% among quotes with health factor >= %.2f",
			q.NetAPY*100, threshold)
		return
	}

	for i := range quotes {
		if best < 0 || quotes[i].HealthFactor > quotes[best].HealthFactor {
			best = i
		}
	}
	q := &quotes[best]
	q.IsRecommended = true
	q.RecommendationReason = fmt.Sprintf("no quote meets the %.2f safety threshold; least risky at health factor %s, liquidation likely on a small move",
		threshold, formatHF(q.HealthFactor))
}

// betterSafe orders safe quotes. Protocol order is already ascending, so an
// exact tie keeps the earlier quote.
func betterSafe(a, b domain.ProtocolQuote) bool {
	if a.NetAPY != b.NetAPY {
		return a.NetAPY > b.NetAPY
	}
	return a.HealthFactor > b.HealthFactor
}

func formatHF(hf float64) string {
	if hf == risk.MaxHealthFactor {
		return "inf"
	}
	return strconv.FormatFloat(hf, 'f', 3, 64)
}

// Fingerprint keys the quote cache. The wallet does not affect pricing and is
// left out.
func Fingerprint(req domain.QuoteRequest) string {
	protocols := make([]string, 0, len(req.Protocols))
	for _, p := range req.Protocols {
		protocols = append(protocols, string(p))
	}
	sort.Strings(protocols)

	var b strings.Builder
	b.WriteString(req.CollateralToken)
	b.WriteByte('|')
	b.WriteString(req.CollateralAmount.String())
	b.WriteByte('|')
	b.WriteString(req.BorrowToken)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(req.Leverage, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strings.Join(protocols, ","))
	if sw := req.ProtectiveSwap; sw != nil {
		fmt.Fprintf(&b, "|%s:%d", sw.ToToken, sw.SlippageBps)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func validateRequest(req domain.QuoteRequest) error {
	var issues []domain.ValidationIssue
	add := func(field, msg string) {
		issues = append(issues, domain.ValidationIssue{Field: field, Message: msg})
	}
	if req.CollateralToken == "" {
		add("collateral_token", "required")
	}
	if req.BorrowToken == "" {
		add("borrow_token", "required")
	}
	if req.CollateralToken != "" && req.CollateralToken == req.BorrowToken {
		add("borrow_token", "must differ from collateral_token")
	}
	if !req.CollateralAmount.IsPositive() {
		add("collateral_amount", "must be positive")
	}
	if math.IsNaN(req.Leverage) || math.IsInf(req.Leverage, 0) || req.Leverage < 1 {
		add("leverage", "must be a finite number >= 1")
	}
	if sw := req.ProtectiveSwap; sw != nil {
		if sw.ToToken == "" {
			add("protective_swap.to_token", "required")
		}
		if sw.SlippageBps <= 0 || sw.SlippageBps > 10_000 {
			add("protective_swap.slippage_bps", "must be in (0, 10000]")
		}
	}
	if len(issues) > 0 {
		return &domain.ValidationError{Issues: issues}
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case domain.IsValidation(err):
		return "validation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
