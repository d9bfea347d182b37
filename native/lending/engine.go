package lending

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dlend/core/types"
	nativecommon "dlend/native/common"
	priceoracle "dlend/native/oracle"
	"dlend/observability"
)

// Engine orchestrates every state transition of the protocol. Each public
// operation runs as a single atomic unit: it opens a transaction, accrues
// interest, consults the risk manager, applies the balance changes, and
// commits only when every check passed. Operations are serialized by a
// single protocol-wide writer so cross-market computations always observe a
// consistent snapshot.
type Engine struct {
	opener StateOpener
	oracle PriceOracle
	model  *InterestRateModel
	logger *slog.Logger
	sink   func(types.Event)
	now    func() time.Time

	mu    sync.Mutex
	guard nativecommon.ReentrancyGuard

	events []types.Event
}

// NewEngine constructs an engine over the supplied state opener.
func NewEngine(opener StateOpener) *Engine {
	return &Engine{
		opener: opener,
		model:  DefaultInterestRateModel(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// SetOracle wires the price oracle at construction time. Runtime swaps go
// through the governed SetPriceOracle.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil || oracle == nil {
		return
	}
	e.oracle = oracle
}

// SetInterestRateModel replaces the rate model used during accrual.
func (e *Engine) SetInterestRateModel(model *InterestRateModel) {
	if e == nil || model == nil {
		return
	}
	e.model = model.Clone()
}

// SetLogger wires the engine to a structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetEventSink registers a consumer for committed events.
func (e *Engine) SetEventSink(sink func(types.Event)) {
	if e == nil {
		return
	}
	e.sink = sink
}

// SetTimeSource overrides the clock, primarily for tests.
func (e *Engine) SetTimeSource(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Bootstrap persists the initial risk parameters. It only succeeds while no
// parameters are stored; afterwards the admin setters are the sole mutation
// path.
func (e *Engine) Bootstrap(params RiskParams) error {
	return e.withTx("bootstrap", "", func(s TxState) error {
		stored, err := s.RiskParams()
		if err != nil {
			return err
		}
		if stored != nil {
			return ErrUnauthorized
		}
		if err := validateRiskBounds(&params); err != nil {
			return err
		}
		ensureRiskDefaults(&params)
		return s.PutRiskParams(&params)
	})
}

// Deposit moves underlying from the caller into the pool and mints shares at
// the current exchange rate. Returns the minted share amount.
func (e *Engine) Deposit(caller common.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if err := validateAddress(caller); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	minted := new(big.Int)
	err := e.withTx("deposit", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		if err := risk.allowDeposit(symbol); err != nil {
			return err
		}
		market, err := e.loadMarket(s, symbol)
		if err != nil {
			return err
		}
		if err := e.accrue(s, market); err != nil {
			return err
		}
		rate, err := exchangeRate(s, market)
		if err != nil {
			return err
		}
		shares, err := wadDiv(amount, rate)
		if err != nil {
			return err
		}
		if shares.Sign() == 0 {
			return ErrInvalidAmount
		}
		if err := transferUnderlying(s, market.Underlying, caller, market.ModuleAddress, amount); err != nil {
			return err
		}
		pos, err := e.loadPosition(s, symbol, caller)
		if err != nil {
			return err
		}
		pos.Shares = new(big.Int).Add(pos.Shares, shares)
		market.TotalShares = new(big.Int).Add(market.TotalShares, shares)
		if err := s.PutPosition(symbol, pos); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		minted.Set(shares)
		e.emit(eventDeposit(symbol, caller, amount, shares))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns shares and releases the corresponding underlying back to
// the caller. Returns the redeemed underlying amount.
func (e *Engine) Withdraw(caller common.Address, symbol string, shares *big.Int) (*big.Int, error) {
	if err := validateAddress(caller); err != nil {
		return nil, err
	}
	if err := validateAmount(shares); err != nil {
		return nil, err
	}
	redeemed := new(big.Int)
	err := e.withTx("withdraw", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		market, err := e.loadMarket(s, symbol)
		if err != nil {
			return err
		}
		if err := e.accrue(s, market); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		pos, err := e.loadPosition(s, symbol, caller)
		if err != nil {
			return err
		}
		if pos.Shares.Cmp(shares) < 0 {
			return ErrInsufficientBalance
		}
		if err := risk.allowWithdraw(caller, symbol, shares); err != nil {
			return err
		}
		rate, err := exchangeRate(s, market)
		if err != nil {
			return err
		}
		amount, err := wadMul(shares, rate)
		if err != nil {
			return err
		}
		poolCash, err := cash(s, market)
		if err != nil {
			return err
		}
		if poolCash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		if err := transferUnderlying(s, market.Underlying, market.ModuleAddress, caller, amount); err != nil {
			return err
		}
		pos.Shares = new(big.Int).Sub(pos.Shares, shares)
		market.TotalShares = new(big.Int).Sub(market.TotalShares, shares)
		if err := s.PutPosition(symbol, pos); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		redeemed.Set(amount)
		e.emit(eventWithdraw(symbol, caller, amount, shares))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

// Borrow draws underlying from the pool against the caller's collateral.
func (e *Engine) Borrow(caller common.Address, symbol string, amount *big.Int) error {
	if err := validateAddress(caller); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	return e.withTx("borrow", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		market, err := e.loadMarket(s, symbol)
		if err != nil {
			return err
		}
		if err := e.accrue(s, market); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		if err := risk.allowBorrow(caller, symbol, amount); err != nil {
			return err
		}
		poolCash, err := cash(s, market)
		if err != nil {
			return err
		}
		if poolCash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		pos, err := e.loadPosition(s, symbol, caller)
		if err != nil {
			return err
		}
		if _, err := settleBorrow(pos, market); err != nil {
			return err
		}
		pos.Borrow.Principal = new(big.Int).Add(pos.Borrow.Principal, amount)
		market.TotalBorrows = new(big.Int).Add(market.TotalBorrows, amount)
		if err := transferUnderlying(s, market.Underlying, market.ModuleAddress, caller, amount); err != nil {
			return err
		}
		if err := s.PutPosition(symbol, pos); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		e.emit(eventBorrow(symbol, caller, amount))
		return nil
	})
}

// Repay settles accrued interest and reduces the caller's debt by
// min(amount, currentDebt). Returns the amount actually applied.
func (e *Engine) Repay(caller common.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if err := validateAddress(caller); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return e.repay(caller, symbol, amount, false)
}

// RepayAll settles the caller's debt exactly, never pulling more than the
// live balance. Returns the amount applied.
func (e *Engine) RepayAll(caller common.Address, symbol string) (*big.Int, error) {
	if err := validateAddress(caller); err != nil {
		return nil, err
	}
	return e.repay(caller, symbol, nil, true)
}

func (e *Engine) repay(caller common.Address, symbol string, amount *big.Int, all bool) (*big.Int, error) {
	applied := new(big.Int)
	err := e.withTx("repay", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		if err := risk.guard(symbol); err != nil {
			return err
		}
		market, err := e.loadMarket(s, symbol)
		if err != nil {
			return err
		}
		if err := e.accrue(s, market); err != nil {
			return err
		}
		pos, err := e.loadPosition(s, symbol, caller)
		if err != nil {
			return err
		}
		debt, err := settleBorrow(pos, market)
		if err != nil {
			return err
		}
		repayAmount := debt
		if !all {
			repayAmount = minBig(clone(amount), debt)
		}
		if repayAmount.Sign() > 0 {
			if err := transferUnderlying(s, market.Underlying, caller, market.ModuleAddress, repayAmount); err != nil {
				return err
			}
			pos.Borrow.Principal = new(big.Int).Sub(pos.Borrow.Principal, repayAmount)
			remaining := new(big.Int).Sub(market.TotalBorrows, repayAmount)
			if remaining.Sign() < 0 {
				remaining.SetInt64(0)
			}
			market.TotalBorrows = remaining
		}
		if err := s.PutPosition(symbol, pos); err != nil {
			return err
		}
		if err := s.PutMarket(market); err != nil {
			return err
		}
		applied.Set(repayAmount)
		if repayAmount.Sign() > 0 {
			e.emit(eventRepay(symbol, caller, repayAmount))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Liquidate lets a third party repay part of an undercollateralized
// borrower's debt in exchange for a discounted share transfer from the
// borrower's collateral market. Returns the seized share amount.
func (e *Engine) Liquidate(liquidator, borrower common.Address, borrowedSymbol string, repayAmount *big.Int, collateralSymbol string) (*big.Int, error) {
	if err := validateAddress(liquidator); err != nil {
		return nil, err
	}
	if err := validateAddress(borrower); err != nil {
		return nil, err
	}
	if err := validateAmount(repayAmount); err != nil {
		return nil, err
	}
	seized := new(big.Int)
	err := e.withTx("liquidate", borrowedSymbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		if err := risk.guard(collateralSymbol); err != nil {
			return err
		}
		borrowed, err := e.loadMarket(s, borrowedSymbol)
		if err != nil {
			return err
		}
		if err := e.accrue(s, borrowed); err != nil {
			return err
		}
		if err := s.PutMarket(borrowed); err != nil {
			return err
		}
		collateralMkt := borrowed
		if collateralSymbol != borrowedSymbol {
			collateralMkt, err = e.loadMarket(s, collateralSymbol)
			if err != nil {
				return err
			}
			if err := e.accrue(s, collateralMkt); err != nil {
				return err
			}
			if err := s.PutMarket(collateralMkt); err != nil {
				return err
			}
		}

		borrowerPos, err := e.loadPosition(s, borrowedSymbol, borrower)
		if err != nil {
			return err
		}
		debt, err := settleBorrow(borrowerPos, borrowed)
		if err != nil {
			return err
		}
		if err := risk.allowLiquidate(liquidator, borrower, borrowedSymbol, repayAmount, debt); err != nil {
			return err
		}

		shares, err := risk.seizeShares(borrowedSymbol, collateralSymbol, repayAmount)
		if err != nil {
			return err
		}

		collateralPos := borrowerPos
		if collateralSymbol != borrowedSymbol {
			collateralPos, err = e.loadPosition(s, collateralSymbol, borrower)
			if err != nil {
				return err
			}
		}
		if collateralPos.Shares.Cmp(shares) < 0 {
			return ErrInsufficientCollateral
		}

		// Debt side: liquidator funds the pool, borrower's principal shrinks.
		if err := transferUnderlying(s, borrowed.Underlying, liquidator, borrowed.ModuleAddress, repayAmount); err != nil {
			return err
		}
		borrowerPos.Borrow.Principal = new(big.Int).Sub(borrowerPos.Borrow.Principal, repayAmount)
		remaining := new(big.Int).Sub(borrowed.TotalBorrows, repayAmount)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
		borrowed.TotalBorrows = remaining

		// Collateral side: a pure share transfer, no underlying moves.
		liquidatorPos, err := e.loadPosition(s, collateralSymbol, liquidator)
		if err != nil {
			return err
		}
		collateralPos.Shares = new(big.Int).Sub(collateralPos.Shares, shares)
		liquidatorPos.Shares = new(big.Int).Add(liquidatorPos.Shares, shares)

		if err := s.PutPosition(borrowedSymbol, borrowerPos); err != nil {
			return err
		}
		if collateralSymbol != borrowedSymbol {
			if err := s.PutPosition(collateralSymbol, collateralPos); err != nil {
				return err
			}
		}
		if err := s.PutPosition(collateralSymbol, liquidatorPos); err != nil {
			return err
		}
		if err := s.PutMarket(borrowed); err != nil {
			return err
		}
		if collateralSymbol != borrowedSymbol {
			if err := s.PutMarket(collateralMkt); err != nil {
				return err
			}
		}
		seized.Set(shares)
		e.emit(eventLiquidate(borrowedSymbol, collateralSymbol, liquidator, borrower, repayAmount, shares))
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Lending().RecordLiquidation(borrowedSymbol)
	return seized, nil
}

// EnterMarket opts the caller's deposit in a market into their collateral
// set.
func (e *Engine) EnterMarket(caller common.Address, symbol string) error {
	if err := validateAddress(caller); err != nil {
		return err
	}
	return e.withTx("enter_market", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		return risk.enterMarket(caller, symbol)
	})
}

// ExitMarket removes a market from the caller's collateral set. It fails
// while the caller has outstanding debt there or would become
// undercollateralized by exiting.
func (e *Engine) ExitMarket(caller common.Address, symbol string) error {
	if err := validateAddress(caller); err != nil {
		return err
	}
	return e.withTx("exit_market", symbol, func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		return risk.exitMarket(caller, symbol)
	})
}

// AccountLiquidity values the account across every listed market and returns
// (liquidity, shortfall) in 8-decimal USD units. At most one is non-zero.
func (e *Engine) AccountLiquidity(addr common.Address) (*big.Int, *big.Int, error) {
	if err := validateAddress(addr); err != nil {
		return nil, nil, err
	}
	liquidity := new(big.Int)
	shortfall := new(big.Int)
	err := e.withRead(func(s TxState) error {
		risk := riskManager{state: s, oracle: e.oracle}
		liq, short, err := risk.hypotheticalLiquidity(addr, "", big.NewInt(0), big.NewInt(0))
		if err != nil {
			return err
		}
		liquidity.Set(usdWadToPrice(liq))
		shortfall.Set(usdWadToPrice(short))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return liquidity, shortfall, nil
}

func (e *Engine) assetPrice(asset common.Address) (*big.Int, error) {
	if e.oracle == nil {
		return nil, priceoracle.ErrPriceFeedNotFound
	}
	return e.oracle.AssetPrice(asset)
}

func (e *Engine) loadMarket(s State, symbol string) (*MarketState, error) {
	market, err := s.Market(symbol)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, ErrMarketNotListed
	}
	ensureMarketDefaults(market)
	return market, nil
}

func (e *Engine) loadPosition(s State, symbol string, addr common.Address) (*Position, error) {
	pos, err := s.Position(symbol, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Address: addr}
	}
	ensurePositionDefaults(pos)
	return pos, nil
}

func (e *Engine) accrue(s State, market *MarketState) error {
	interest, err := accrueInterest(s, market, e.model, uint64(e.now().Unix()))
	if err != nil {
		return err
	}
	if interest.Sign() > 0 {
		wei, _ := new(big.Float).SetInt(interest).Float64()
		observability.Lending().RecordInterest(market.Symbol, wei)
	}
	return nil
}

// withTx arms the reentrancy guard for the whole operation, runs fn inside a
// buffered transaction, and commits only when fn succeeds; any failure
// discards every buffered write. The guard is checked before the write mutex
// so a call re-entering the engine mid-operation fails immediately instead of
// blocking on the lock it already holds, and it stays armed while committed
// events are delivered so a sink callback cannot re-enter either.
func (e *Engine) withTx(op, symbol string, fn func(s TxState) error) error {
	start := time.Now()
	if err := e.guard.Enter(); err != nil {
		e.logger.Error("reentrant call rejected", "op", op, "market", symbol)
		observability.Lending().RecordRejection(op, "reentrant_call")
		return ErrReentrantCall
	}
	defer e.guard.Exit()

	committed, err := e.runTx(op, symbol, fn)
	if err != nil {
		return err
	}
	metrics := observability.Lending()
	metrics.RecordOperation(symbol, op, "ok")
	metrics.ObserveLatency(op, time.Since(start).Seconds())
	if e.sink != nil {
		for _, evt := range committed {
			e.sink(evt)
		}
	}
	return nil
}

// runTx holds the write mutex for the transactional window only; event
// delivery happens in withTx after the lock is released.
func (e *Engine) runTx(op, symbol string, fn func(s TxState) error) ([]types.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = e.events[:0]
	s, err := e.opener.Begin()
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		s.Discard()
		e.observeFailure(op, symbol, err)
		return nil, err
	}
	if err := s.Commit(); err != nil {
		return nil, err
	}
	committed := make([]types.Event, len(e.events))
	copy(committed, e.events)
	e.events = e.events[:0]
	return committed, nil
}

// withRead runs fn against a transaction that is always discarded.
func (e *Engine) withRead(fn func(s TxState) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.opener.Begin()
	if err != nil {
		return err
	}
	defer s.Discard()
	return fn(s)
}

func (e *Engine) emit(evt types.Event) {
	e.events = append(e.events, evt)
}

func (e *Engine) observeFailure(op, symbol string, err error) {
	reason := rejectionReason(err)
	metrics := observability.Lending()
	metrics.RecordOperation(symbol, op, "rejected")
	metrics.RecordRejection(op, reason)
	// Unauthorized calls are attack or misconfiguration signals, unlike
	// ordinary user-facing rejections.
	if errors.Is(err, ErrUnauthorized) {
		e.logger.Error("unauthorized call rejected", "op", op, "market", symbol)
		return
	}
	e.logger.Info("operation rejected", "op", op, "market", symbol, "reason", reason)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrZeroAddress):
		return "zero_address"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrMarketNotListed):
		return "market_not_listed"
	case errors.Is(err, ErrMarketAlreadyListed):
		return "market_already_listed"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrExitMarketNotAllowed):
		return "exit_not_allowed"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrLiquidationAmountTooHigh):
		return "liquidation_amount_too_high"
	case errors.Is(err, ErrSelfLiquidation):
		return "self_liquidation"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, priceoracle.ErrPriceFeedNotFound):
		return "price_feed_not_found"
	case errors.Is(err, priceoracle.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, priceoracle.ErrStalePrice):
		return "stale_price"
	default:
		return "internal"
	}
}

func validateAddress(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return ErrZeroAmount
	}
	return nil
}

func validateRiskBounds(params *RiskParams) error {
	if params.CloseFactor != nil && params.CloseFactor.Cmp(wad) > 0 {
		return ErrInvalidCloseFactor
	}
	if params.LiquidationIncentive != nil && params.LiquidationIncentive.Sign() != 0 && params.LiquidationIncentive.Cmp(wad) < 0 {
		return ErrInvalidLiquidationIncentive
	}
	return nil
}

// usdWadToPrice converts an 18-decimal USD value to the oracle's 8-decimal
// base unit.
func usdWadToPrice(value *big.Int) *big.Int {
	return new(big.Int).Quo(value, priceToWad)
}
