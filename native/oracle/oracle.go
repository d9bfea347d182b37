package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Decimals is the base precision every price is normalized to.
const Decimals = 8

var (
	ErrPriceFeedNotFound = errors.New("oracle: price feed not found")
	ErrInvalidPrice      = errors.New("oracle: invalid price")
	ErrStalePrice        = errors.New("oracle: stale price")
)

// Quote is one observation from an upstream source, in the source's own
// decimal precision.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	Timestamp time.Time
}

// Source reports the latest price for the asset it was registered under.
type Source interface {
	LatestQuote() (Quote, error)
}

// AssetPriceReader is the consumer-facing contract: an 8-decimal USD price
// per asset.
type AssetPriceReader interface {
	AssetPrice(asset common.Address) (*big.Int, error)
}

// Registry maps assets to their price sources. Queries always re-read the
// source; freshness is enforced per query against MaxAge, and assets without
// a source fall through to the optional fallback reader.
type Registry struct {
	mu       sync.RWMutex
	sources  map[common.Address]Source
	fallback AssetPriceReader
	maxAge   time.Duration
	now      func() time.Time
}

// NewRegistry constructs an empty registry. A zero maxAge disables the
// staleness check.
func NewRegistry(maxAge time.Duration) *Registry {
	return &Registry{
		sources: make(map[common.Address]Source),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetSource registers or replaces the source for an asset.
func (r *Registry) SetSource(asset common.Address, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source == nil {
		delete(r.sources, asset)
		return
	}
	r.sources[asset] = source
}

// SetFallback wires the oracle consulted for assets without a source.
func (r *Registry) SetFallback(fallback AssetPriceReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fallback
}

// SetTimeSource overrides the clock, primarily for tests.
func (r *Registry) SetTimeSource(now func() time.Time) {
	if now == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// AssetPrice reads the latest quote for the asset, rejects non-positive and
// stale values, and rescales to the 8-decimal base unit.
func (r *Registry) AssetPrice(asset common.Address) (*big.Int, error) {
	r.mu.RLock()
	source, ok := r.sources[asset]
	fallback := r.fallback
	maxAge := r.maxAge
	now := r.now
	r.mu.RUnlock()

	if !ok {
		if fallback != nil {
			return fallback.AssetPrice(asset)
		}
		return nil, ErrPriceFeedNotFound
	}
	quote, err := source.LatestQuote()
	if err != nil {
		return nil, err
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if maxAge > 0 && !quote.Timestamp.IsZero() && now().Sub(quote.Timestamp) > maxAge {
		return nil, ErrStalePrice
	}
	return rescale(quote.Price, quote.Decimals), nil
}

// rescale converts a price from the source precision to Decimals: scale up
// when the source carries fewer decimals, truncate down when it carries
// more.
func rescale(price *big.Int, decimals uint8) *big.Int {
	switch {
	case decimals == Decimals:
		return new(big.Int).Set(price)
	case decimals < Decimals:
		return new(big.Int).Mul(price, pow10(Decimals-decimals))
	default:
		return new(big.Int).Quo(price, pow10(decimals-Decimals))
	}
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// StaticSource is a fixed quote, used for test fixtures and genesis
// bootstrapping.
type StaticSource struct {
	mu    sync.RWMutex
	quote Quote
}

// NewStaticSource creates a source pinned at the supplied 8-decimal price.
func NewStaticSource(price *big.Int) *StaticSource {
	return &StaticSource{quote: Quote{Price: new(big.Int).Set(price), Decimals: Decimals}}
}

// SetQuote replaces the reported observation.
func (s *StaticSource) SetQuote(quote Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = quote
}

// SetPrice replaces the 8-decimal price, keeping the timestamp fresh.
func (s *StaticSource) SetPrice(price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = Quote{Price: new(big.Int).Set(price), Decimals: Decimals}
}

func (s *StaticSource) LatestQuote() (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote := s.quote
	if quote.Price != nil {
		quote.Price = new(big.Int).Set(quote.Price)
	}
	return quote, nil
}
