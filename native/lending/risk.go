package lending

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dlend/native/oracle"
)

// riskManager owns the market registry, the per-account collateral
// membership set, and the cross-market solvency algorithm. It is constructed
// per operation over the operation's transaction so every check observes one
// consistent snapshot.
type riskManager struct {
	state  State
	oracle PriceOracle
}

func (r riskManager) assetPrice(asset common.Address) (*big.Int, error) {
	if r.oracle == nil {
		return nil, oracle.ErrPriceFeedNotFound
	}
	return r.oracle.AssetPrice(asset)
}

func (r riskManager) params() (*RiskParams, error) {
	params, err := r.state.RiskParams()
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = &RiskParams{}
	}
	ensureRiskDefaults(params)
	return params, nil
}

func (r riskManager) listedConfig(symbol string) (*MarketConfig, error) {
	cfg, err := r.state.MarketConfig(symbol)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Listed {
		return nil, ErrMarketNotListed
	}
	if cfg.CollateralFactor == nil {
		cfg.CollateralFactor = big.NewInt(0)
	}
	return cfg, nil
}

func (r riskManager) guard(symbol string) error {
	params, err := r.params()
	if err != nil {
		return err
	}
	if params.Paused {
		return ErrPaused
	}
	if _, err := r.listedConfig(symbol); err != nil {
		return err
	}
	return nil
}

func (r riskManager) isMember(addr common.Address, symbol string) (bool, error) {
	members, err := r.state.Membership(addr)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == symbol {
			return true, nil
		}
	}
	return false, nil
}

func (r riskManager) enterMarket(addr common.Address, symbol string) error {
	if err := r.guard(symbol); err != nil {
		return err
	}
	members, err := r.state.Membership(addr)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == symbol {
			return nil
		}
	}
	members = append(members, symbol)
	sort.Strings(members)
	return r.state.PutMembership(addr, members)
}

// exitMarket removes a membership entry. It is rejected while the account
// still owes the market or while the withdrawal of the entry's collateral
// weight would leave the account undercollateralized.
func (r riskManager) exitMarket(addr common.Address, symbol string) error {
	if err := r.guard(symbol); err != nil {
		return err
	}
	member, err := r.isMember(addr, symbol)
	if err != nil {
		return err
	}
	if !member {
		return nil
	}
	pos, err := r.state.Position(symbol, addr)
	if err != nil {
		return err
	}
	if pos != nil && pos.Borrow.Principal != nil && pos.Borrow.Principal.Sign() > 0 {
		return ErrExitMarketNotAllowed
	}
	redeem := big.NewInt(0)
	if pos != nil && pos.Shares != nil {
		redeem = clone(pos.Shares)
	}
	_, shortfall, err := r.hypotheticalLiquidity(addr, symbol, redeem, big.NewInt(0))
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrExitMarketNotAllowed
	}
	members, err := r.state.Membership(addr)
	if err != nil {
		return err
	}
	filtered := members[:0]
	for _, m := range members {
		if m != symbol {
			filtered = append(filtered, m)
		}
	}
	return r.state.PutMembership(addr, filtered)
}

func (r riskManager) allowDeposit(symbol string) error {
	return r.guard(symbol)
}

func (r riskManager) allowWithdraw(addr common.Address, symbol string, redeemShares *big.Int) error {
	if err := r.guard(symbol); err != nil {
		return err
	}
	member, err := r.isMember(addr, symbol)
	if err != nil {
		return err
	}
	// Non-collateral deposits redeem freely.
	if !member {
		return nil
	}
	_, shortfall, err := r.hypotheticalLiquidity(addr, symbol, redeemShares, big.NewInt(0))
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrInsufficientCollateral
	}
	return nil
}

func (r riskManager) allowBorrow(addr common.Address, symbol string, borrowDelta *big.Int) error {
	if err := r.guard(symbol); err != nil {
		return err
	}
	_, shortfall, err := r.hypotheticalLiquidity(addr, symbol, big.NewInt(0), borrowDelta)
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrInsufficientCollateral
	}
	return nil
}

// allowLiquidate validates the liquidation preconditions: a real shortfall,
// no self-dealing, and a repay amount within the close factor of live debt.
func (r riskManager) allowLiquidate(liquidator, borrower common.Address, symbol string, repayAmount, debt *big.Int) error {
	if err := r.guard(symbol); err != nil {
		return err
	}
	if liquidator == borrower {
		return ErrSelfLiquidation
	}
	_, shortfall, err := r.hypotheticalLiquidity(borrower, "", big.NewInt(0), big.NewInt(0))
	if err != nil {
		return err
	}
	if shortfall.Sign() == 0 {
		return ErrNotLiquidatable
	}
	params, err := r.params()
	if err != nil {
		return err
	}
	maxRepay, err := wadMul(debt, params.CloseFactor)
	if err != nil {
		return err
	}
	if repayAmount.Cmp(maxRepay) > 0 {
		return ErrLiquidationAmountTooHigh
	}
	return nil
}

// hypotheticalLiquidity walks every listed market and values the account's
// position. Collateral counts only for markets in the membership set,
// weighted by exchange rate, price, and collateral factor; debt counts in
// every market. The modified market's redeemShares are subtracted from
// collateral and borrowDelta is added to debt before comparing. Both return
// values are WAD-scaled USD; exactly one is non-zero.
func (r riskManager) hypotheticalLiquidity(addr common.Address, modified string, redeemShares, borrowDelta *big.Int) (*big.Int, *big.Int, error) {
	symbols, err := r.state.MarketList()
	if err != nil {
		return nil, nil, err
	}
	collateral := big.NewInt(0)
	debt := big.NewInt(0)
	for _, symbol := range symbols {
		cfg, err := r.state.MarketConfig(symbol)
		if err != nil {
			return nil, nil, err
		}
		if cfg == nil || !cfg.Listed {
			continue
		}
		market, err := r.state.Market(symbol)
		if err != nil {
			return nil, nil, err
		}
		if market == nil {
			continue
		}
		ensureMarketDefaults(market)
		pos, err := r.state.Position(symbol, addr)
		if err != nil {
			return nil, nil, err
		}
		if pos == nil {
			pos = &Position{Address: addr}
		}
		ensurePositionDefaults(pos)

		hasShares := pos.Shares.Sign() > 0 || (modified == symbol && redeemShares.Sign() > 0)
		hasDebt := pos.Borrow.Principal.Sign() > 0 || (modified == symbol && borrowDelta.Sign() > 0)
		if !hasShares && !hasDebt {
			continue
		}
		member := false
		if hasShares {
			member, err = r.isMember(addr, symbol)
			if err != nil {
				return nil, nil, err
			}
		}
		// Only member collateral and debt need a price; a plain deposit in a
		// feedless market must not abort the walk.
		if !(member && hasShares) && !hasDebt {
			continue
		}

		price, err := r.assetPrice(market.Underlying)
		if err != nil {
			return nil, nil, err
		}
		priceWad := new(big.Int).Mul(price, priceToWad)

		if member && hasShares {
			shares := clone(pos.Shares)
			if modified == symbol && redeemShares.Sign() > 0 {
				shares.Sub(shares, redeemShares)
				if shares.Sign() < 0 {
					shares.SetInt64(0)
				}
			}
			rate, err := exchangeRate(r.state, market)
			if err != nil {
				return nil, nil, err
			}
			underlying, err := wadMul(shares, rate)
			if err != nil {
				return nil, nil, err
			}
			value, err := wadMul(underlying, priceWad)
			if err != nil {
				return nil, nil, err
			}
			weighted, err := wadMul(value, cfg.CollateralFactor)
			if err != nil {
				return nil, nil, err
			}
			collateral.Add(collateral, weighted)
		}
		if hasDebt {
			owed, err := borrowBalance(pos, market)
			if err != nil {
				return nil, nil, err
			}
			if modified == symbol && borrowDelta.Sign() > 0 {
				owed.Add(owed, borrowDelta)
			}
			value, err := wadMul(owed, priceWad)
			if err != nil {
				return nil, nil, err
			}
			debt.Add(debt, value)
		}
	}
	if collateral.Cmp(debt) >= 0 {
		return new(big.Int).Sub(collateral, debt), big.NewInt(0), nil
	}
	return big.NewInt(0), new(big.Int).Sub(debt, collateral), nil
}

// seizeShares prices the repaid debt, applies the liquidation incentive, and
// converts the resulting collateral value into shares of the collateral
// market at its current exchange rate.
func (r riskManager) seizeShares(borrowedSymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, error) {
	borrowed, err := r.state.Market(borrowedSymbol)
	if err != nil {
		return nil, err
	}
	collateralMkt, err := r.state.Market(collateralSymbol)
	if err != nil {
		return nil, err
	}
	if borrowed == nil || collateralMkt == nil {
		return nil, ErrMarketNotListed
	}
	ensureMarketDefaults(borrowed)
	ensureMarketDefaults(collateralMkt)

	params, err := r.params()
	if err != nil {
		return nil, err
	}
	borrowedPrice, err := r.assetPrice(borrowed.Underlying)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := r.assetPrice(collateralMkt.Underlying)
	if err != nil {
		return nil, err
	}

	repayValue, err := wadMul(repayAmount, new(big.Int).Mul(borrowedPrice, priceToWad))
	if err != nil {
		return nil, err
	}
	seizeValue, err := wadMul(repayValue, params.LiquidationIncentive)
	if err != nil {
		return nil, err
	}
	seizeUnderlying, err := wadDiv(seizeValue, new(big.Int).Mul(collateralPrice, priceToWad))
	if err != nil {
		return nil, err
	}
	rate, err := exchangeRate(r.state, collateralMkt)
	if err != nil {
		return nil, err
	}
	return wadDiv(seizeUnderlying, rate)
}
