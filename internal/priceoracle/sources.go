package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"treasury-engine/internal/aggregator"
)

// usdcMint is the reference stablecoin quote() is priced against so
// PriceUSD never has to round-trip through a separately-fetched SOL/USD
// rate first.
const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// assumedMintDecimals is the base-unit scale used when quoting an
// arbitrary mint against USDC. pump.fun-style launches overwhelmingly
// mint at 6 decimals; a mint that doesn't match this gets an aggregator
// price off by a power of ten, which the oracle accepts like any other
// positive price.
const assumedMintDecimals = 6

// AggregatorQuoteSource implements priceoracle.QuoteSource over the same
// aggregator.Client the executor quotes and swaps through, so the price
// the risk gate admits a trade against is the same venue that fills it.
type AggregatorQuoteSource struct {
	agg *aggregator.Client
}

func NewAggregatorQuoteSource(agg *aggregator.Client) *AggregatorQuoteSource {
	return &AggregatorQuoteSource{agg: agg}
}

func (s *AggregatorQuoteSource) PriceUSD(ctx context.Context, mint string) (float64, error) {
	amount := uint64(math.Pow10(assumedMintDecimals))
	quote, err := s.agg.Quote(ctx, mint, usdcMint, amount, 0)
	if err != nil {
		return 0, err
	}
	return float64(quote.OutAmount) / 1e6, nil
}

// AggregatorNativeSource prices SOL itself by quoting it against USDC,
// independent of whatever mint the caller is actually pricing.
type AggregatorNativeSource struct {
	agg *aggregator.Client
}

func NewAggregatorNativeSource(agg *aggregator.Client) *AggregatorNativeSource {
	return &AggregatorNativeSource{agg: agg}
}

func (s *AggregatorNativeSource) NativePriceUSD(ctx context.Context) (float64, error) {
	quote, err := s.agg.Quote(ctx, aggregator.SOLMint, usdcMint, 1_000_000_000, 0)
	if err != nil {
		return 0, err
	}
	return float64(quote.OutAmount) / 1e6, nil
}

// DexScreenerSource implements priceoracle.DexPairSource against
// DexScreener's public token-pairs endpoint, picking the pair with the
// deepest liquidity as the aggregator's independent fallback.
type DexScreenerSource struct {
	httpClient *http.Client
	baseURL    string
}

func NewDexScreenerSource() *DexScreenerSource {
	return &DexScreenerSource{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    "https://api.dexscreener.com/latest/dex/tokens",
	}
}

type dexScreenerResponse struct {
	Pairs []struct {
		PriceUsd string `json:"priceUsd"`
		Liquidity struct {
			Usd float64 `json:"usd"`
		} `json:"liquidity"`
	} `json:"pairs"`
}

func (s *DexScreenerSource) LargestPairPriceUSD(ctx context.Context, mint string) (float64, error) {
	url := fmt.Sprintf("%s/%s", s.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("dexscreener: status %d", resp.StatusCode)
	}

	var out dexScreenerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if len(out.Pairs) == 0 {
		return 0, fmt.Errorf("dexscreener: no pairs for %s", mint)
	}

	sort.Slice(out.Pairs, func(i, j int) bool {
		return out.Pairs[i].Liquidity.Usd > out.Pairs[j].Liquidity.Usd
	})

	var price float64
	if _, err := fmt.Sscanf(out.Pairs[0].PriceUsd, "%f", &price); err != nil {
		return 0, fmt.Errorf("dexscreener: unparsable price %q", out.Pairs[0].PriceUsd)
	}
	return price, nil
}
