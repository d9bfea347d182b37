package lending

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// ListingParams describes a market being registered.
type ListingParams struct {
	Symbol     string
	Underlying common.Address
	// CollateralFactor is WAD in [0, 1].
	CollateralFactor *big.Int
	// ReserveFactor is WAD in [0, 1].
	ReserveFactor *big.Int
	// InitialExchangeRate seeds the share price; zero means 1 WAD.
	InitialExchangeRate *big.Int
}

func (e *Engine) requireAuthority(s State, caller common.Address) (*RiskParams, error) {
	params, err := s.RiskParams()
	if err != nil {
		return nil, err
	}
	if params == nil {
		return nil, ErrUnauthorized
	}
	ensureRiskDefaults(params)
	if params.Authority == (common.Address{}) || caller != params.Authority {
		return nil, ErrUnauthorized
	}
	return params, nil
}

// RegisterMarket creates and lists a market. Markets are never deleted, only
// delisted through SetCollateralFactor and the pause switch.
func (e *Engine) RegisterMarket(caller common.Address, listing ListingParams) error {
	if err := validateAddress(caller); err != nil {
		return err
	}
	if listing.Symbol == "" || listing.Underlying == (common.Address{}) {
		return ErrInvalidAmount
	}
	if listing.CollateralFactor != nil && listing.CollateralFactor.Cmp(wad) > 0 {
		return ErrInvalidCollateralFactor
	}
	return e.withTx("register_market", listing.Symbol, func(s TxState) error {
		if _, err := e.requireAuthority(s, caller); err != nil {
			return err
		}
		cfg, err := s.MarketConfig(listing.Symbol)
		if err != nil {
			return err
		}
		if cfg != nil && cfg.Listed {
			return ErrMarketAlreadyListed
		}
		market := &MarketState{
			Symbol:              listing.Symbol,
			Underlying:          listing.Underlying,
			ModuleAddress:       MarketModuleAddress(listing.Symbol),
			AccrualTime:         uint64(e.now().Unix()),
			ReserveFactor:       clone(listing.ReserveFactor),
			InitialExchangeRate: clone(listing.InitialExchangeRate),
		}
		ensureMarketDefaults(market)
		if err := s.PutMarket(market); err != nil {
			return err
		}
		if err := s.PutMarketConfig(listing.Symbol, &MarketConfig{
			Listed:           true,
			CollateralFactor: clone(listing.CollateralFactor),
		}); err != nil {
			return err
		}
		symbols, err := s.MarketList()
		if err != nil {
			return err
		}
		for _, existing := range symbols {
			if existing == listing.Symbol {
				return nil
			}
		}
		symbols = append(symbols, listing.Symbol)
		sort.Strings(symbols)
		if err := s.PutMarketList(symbols); err != nil {
			return err
		}
		e.emit(eventMarketListed(listing.Symbol, listing.Underlying))
		return nil
	})
}

// SetCollateralFactor updates a listed market's collateral weight.
func (e *Engine) SetCollateralFactor(caller common.Address, symbol string, factor *big.Int) error {
	if factor == nil || factor.Sign() < 0 || factor.Cmp(wad) > 0 {
		return ErrInvalidCollateralFactor
	}
	return e.withTx("set_collateral_factor", symbol, func(s TxState) error {
		if _, err := e.requireAuthority(s, caller); err != nil {
			return err
		}
		cfg, err := s.MarketConfig(symbol)
		if err != nil {
			return err
		}
		if cfg == nil || !cfg.Listed {
			return ErrMarketNotListed
		}
		cfg.CollateralFactor = clone(factor)
		return s.PutMarketConfig(symbol, cfg)
	})
}

// SetCloseFactor bounds the debt fraction repayable per liquidation.
func (e *Engine) SetCloseFactor(caller common.Address, factor *big.Int) error {
	if factor == nil || factor.Sign() < 0 || factor.Cmp(wad) > 0 {
		return ErrInvalidCloseFactor
	}
	return e.withTx("set_close_factor", "", func(s TxState) error {
		params, err := e.requireAuthority(s, caller)
		if err != nil {
			return err
		}
		params.CloseFactor = clone(factor)
		return s.PutRiskParams(params)
	})
}

// SetLiquidationIncentive sets the >= 1 WAD liquidator bonus multiplier.
func (e *Engine) SetLiquidationIncentive(caller common.Address, incentive *big.Int) error {
	if incentive == nil || incentive.Cmp(wad) < 0 {
		return ErrInvalidLiquidationIncentive
	}
	return e.withTx("set_liquidation_incentive", "", func(s TxState) error {
		params, err := e.requireAuthority(s, caller)
		if err != nil {
			return err
		}
		params.LiquidationIncentive = clone(incentive)
		return s.PutRiskParams(params)
	})
}

// SetPaused flips the global pause switch covering every market operation.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	return e.withTx("set_paused", "", func(s TxState) error {
		params, err := e.requireAuthority(s, caller)
		if err != nil {
			return err
		}
		params.Paused = paused
		if err := s.PutRiskParams(params); err != nil {
			return err
		}
		e.logger.Info("pause state changed", "paused", paused)
		return nil
	})
}

// SetPriceOracle swaps the oracle reference used for every valuation.
func (e *Engine) SetPriceOracle(caller common.Address, oracle PriceOracle) error {
	if oracle == nil {
		return ErrInvalidImplementation
	}
	err := e.withTx("set_price_oracle", "", func(s TxState) error {
		_, err := e.requireAuthority(s, caller)
		return err
	})
	if err != nil {
		return err
	}
	// Assigned only once the authorization committed, so a failed
	// transaction never leaves the swap applied.
	e.oracle = oracle
	return nil
}

// AuthorizeUpgrade validates a proposed implementation hash and bumps the
// protocol version. Returns the new version.
func (e *Engine) AuthorizeUpgrade(caller common.Address, implementation common.Hash) (uint64, error) {
	if implementation == (common.Hash{}) {
		return 0, ErrInvalidImplementation
	}
	var version uint64
	err := e.withTx("authorize_upgrade", "", func(s TxState) error {
		params, err := e.requireAuthority(s, caller)
		if err != nil {
			return err
		}
		params.Version++
		version = params.Version
		if err := s.PutRiskParams(params); err != nil {
			return err
		}
		e.emit(eventUpgradeAuthorized(implementation, version))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}
