package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarketSnapshot is the read-only market view consumed by the indexing
// collaborator. Price is nil when no feed is configured for the underlying.
type MarketSnapshot struct {
	Symbol            string
	Underlying        common.Address
	TotalShares       *big.Int
	TotalBorrows      *big.Int
	TotalReserves     *big.Int
	Cash              *big.Int
	ExchangeRate      *big.Int
	BorrowIndex       *big.Int
	Utilization       *big.Int
	BorrowRatePerYear *big.Int
	SupplyRatePerYear *big.Int
	CollateralFactor  *big.Int
	IsListed          bool
	Price             *big.Int
}

// AccountPosition is one market's slice of an account snapshot.
type AccountPosition struct {
	Symbol           string
	Shares           *big.Int
	SupplyUnderlying *big.Int
	BorrowBalance    *big.Int
	ExchangeRate     *big.Int
	Price            *big.Int
}

// AccountSnapshot aggregates an account's positions with its solvency
// figures. Liquidity and Shortfall are 8-decimal USD; HealthFactor is
// weighted collateral over debt, nil while the account owes nothing.
type AccountSnapshot struct {
	Account      common.Address
	Positions    []AccountPosition
	Liquidity    *big.Int
	Shortfall    *big.Int
	IsHealthy    bool
	HealthFactor *big.Rat
}

// ProtocolSummary totals the protocol in 8-decimal USD.
type ProtocolSummary struct {
	TotalSupplyUSD     *big.Int
	TotalBorrowUSD     *big.Int
	TotalCollateralUSD *big.Int
}

// MarketSnapshot renders the current state of one market.
func (e *Engine) MarketSnapshot(symbol string) (*MarketSnapshot, error) {
	var snapshot *MarketSnapshot
	err := e.withRead(func(s TxState) error {
		built, err := e.buildMarketSnapshot(s, symbol)
		if err != nil {
			return err
		}
		snapshot = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ListMarkets renders every listed market.
func (e *Engine) ListMarkets() ([]*MarketSnapshot, error) {
	var snapshots []*MarketSnapshot
	err := e.withRead(func(s TxState) error {
		symbols, err := s.MarketList()
		if err != nil {
			return err
		}
		for _, symbol := range symbols {
			built, err := e.buildMarketSnapshot(s, symbol)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, built)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// AccountSnapshot renders an account's positions and solvency figures.
func (e *Engine) AccountSnapshot(addr common.Address) (*AccountSnapshot, error) {
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	snapshot := &AccountSnapshot{Account: addr}
	err := e.withRead(func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		symbols, err := s.MarketList()
		if err != nil {
			return err
		}
		weightedCollateral := new(big.Int)
		totalDebt := new(big.Int)
		for _, symbol := range symbols {
			market, err := s.Market(symbol)
			if err != nil {
				return err
			}
			if market == nil {
				continue
			}
			ensureMarketDefaults(market)
			pos, err := e.loadPosition(s, symbol, addr)
			if err != nil {
				return err
			}
			if pos.Shares.Sign() == 0 && pos.Borrow.Principal.Sign() == 0 {
				continue
			}
			rate, err := exchangeRate(s, market)
			if err != nil {
				return err
			}
			underlying, err := wadMul(pos.Shares, rate)
			if err != nil {
				return err
			}
			debt, err := borrowBalance(pos, market)
			if err != nil {
				return err
			}
			price, _ := e.assetPrice(market.Underlying)
			snapshot.Positions = append(snapshot.Positions, AccountPosition{
				Symbol:           symbol,
				Shares:           clone(pos.Shares),
				SupplyUnderlying: underlying,
				BorrowBalance:    debt,
				ExchangeRate:     rate,
				Price:            price,
			})
			if price == nil {
				continue
			}
			priceWad := new(big.Int).Mul(price, priceToWad)
			cfg, err := s.MarketConfig(symbol)
			if err != nil {
				return err
			}
			if cfg != nil && cfg.Listed && cfg.CollateralFactor != nil {
				value, err := wadMul(underlying, priceWad)
				if err != nil {
					return err
				}
				weighted, err := wadMul(value, cfg.CollateralFactor)
				if err != nil {
					return err
				}
				weightedCollateral.Add(weightedCollateral, weighted)
			}
			debtValue, err := wadMul(debt, priceWad)
			if err != nil {
				return err
			}
			totalDebt.Add(totalDebt, debtValue)
		}
		liq, short, err := risk.hypotheticalLiquidity(addr, "", big.NewInt(0), big.NewInt(0))
		if err != nil {
			return err
		}
		snapshot.Liquidity = usdWadToPrice(liq)
		snapshot.Shortfall = usdWadToPrice(short)
		snapshot.IsHealthy = short.Sign() == 0
		if totalDebt.Sign() > 0 {
			snapshot.HealthFactor = new(big.Rat).SetFrac(weightedCollateral, totalDebt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ProtocolSummary totals supply, borrows, and collateral-weighted value
// across every market with a configured price feed.
func (e *Engine) ProtocolSummary() (*ProtocolSummary, error) {
	summary := &ProtocolSummary{
		TotalSupplyUSD:     new(big.Int),
		TotalBorrowUSD:     new(big.Int),
		TotalCollateralUSD: new(big.Int),
	}
	err := e.withRead(func(s TxState) error {
		symbols, err := s.MarketList()
		if err != nil {
			return err
		}
		supply := new(big.Int)
		borrow := new(big.Int)
		collateral := new(big.Int)
		for _, symbol := range symbols {
			market, err := s.Market(symbol)
			if err != nil {
				return err
			}
			if market == nil {
				continue
			}
			ensureMarketDefaults(market)
			price, err := e.assetPrice(market.Underlying)
			if err != nil {
				continue
			}
			priceWad := new(big.Int).Mul(price, priceToWad)
			rate, err := exchangeRate(s, market)
			if err != nil {
				return err
			}
			supplied, err := wadMul(market.TotalShares, rate)
			if err != nil {
				return err
			}
			suppliedValue, err := wadMul(supplied, priceWad)
			if err != nil {
				return err
			}
			supply.Add(supply, suppliedValue)
			borrowValue, err := wadMul(market.TotalBorrows, priceWad)
			if err != nil {
				return err
			}
			borrow.Add(borrow, borrowValue)
			cfg, err := s.MarketConfig(symbol)
			if err != nil {
				return err
			}
			if cfg != nil && cfg.Listed && cfg.CollateralFactor != nil {
				weighted, err := wadMul(suppliedValue, cfg.CollateralFactor)
				if err != nil {
					return err
				}
				collateral.Add(collateral, weighted)
			}
		}
		summary.TotalSupplyUSD = usdWadToPrice(supply)
		summary.TotalBorrowUSD = usdWadToPrice(borrow)
		summary.TotalCollateralUSD = usdWadToPrice(collateral)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (e *Engine) buildMarketSnapshot(s State, symbol string) (*MarketSnapshot, error) {
	market, err := e.loadMarket(s, symbol)
	if err != nil {
		return nil, err
	}
	poolCash, err := cash(s, market)
	if err != nil {
		return nil, err
	}
	rate, err := exchangeRate(s, market)
	if err != nil {
		return nil, err
	}
	util, err := e.model.Utilisation(poolCash, market.TotalBorrows, market.TotalReserves)
	if err != nil {
		return nil, err
	}
	borrowRate, err := e.model.BorrowRate(poolCash, market.TotalBorrows, market.TotalReserves)
	if err != nil {
		return nil, err
	}
	supplyRate, err := e.model.SupplyRate(poolCash, market.TotalBorrows, market.TotalReserves, market.ReserveFactor)
	if err != nil {
		return nil, err
	}
	snapshot := &MarketSnapshot{
		Symbol:            market.Symbol,
		Underlying:        market.Underlying,
		TotalShares:       clone(market.TotalShares),
		TotalBorrows:      clone(market.TotalBorrows),
		TotalReserves:     clone(market.TotalReserves),
		Cash:              poolCash,
		ExchangeRate:      rate,
		BorrowIndex:       clone(market.BorrowIndex),
		Utilization:       util,
		BorrowRatePerYear: borrowRate,
		SupplyRatePerYear: supplyRate,
	}
	cfg, err := s.MarketConfig(symbol)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		snapshot.IsListed = cfg.Listed
		snapshot.CollateralFactor = clone(cfg.CollateralFactor)
	}
	if price, err := e.assetPrice(market.Underlying); err == nil {
		snapshot.Price = price
	}
	return snapshot, nil
}
