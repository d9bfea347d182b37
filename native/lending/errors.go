package lending

import "errors"

// Every failure below aborts the whole operation with no partial state
// change; none of them is retried internally.
var (
	// Input validation.
	ErrZeroAddress   = errors.New("lending: zero address")
	ErrZeroAmount    = errors.New("lending: amount must be non-zero")
	ErrInvalidAmount = errors.New("lending: invalid amount")

	// Registry.
	ErrMarketNotListed     = errors.New("lending: market not listed")
	ErrMarketAlreadyListed = errors.New("lending: market already listed")

	// Solvency.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrExitMarketNotAllowed   = errors.New("lending: exit market not allowed")
	ErrInsufficientBalance    = errors.New("lending: insufficient balance")

	// Liquidation.
	ErrNotLiquidatable          = errors.New("lending: borrower not eligible for liquidation")
	ErrLiquidationAmountTooHigh = errors.New("lending: repay amount exceeds close factor")
	ErrSelfLiquidation          = errors.New("lending: borrower cannot liquidate themselves")

	// Control.
	ErrPaused                = errors.New("lending: protocol paused")
	ErrUnauthorized          = errors.New("lending: unauthorized")
	ErrReentrantCall         = errors.New("lending: reentrancy guard reentrant call")
	ErrInvalidImplementation = errors.New("lending: invalid implementation")

	// Math preconditions.
	ErrDivisionByZero  = errors.New("lending: division by zero")
	ErrNegativeOperand = errors.New("lending: negative operand")

	// Parameter bounds.
	ErrInvalidCollateralFactor     = errors.New("lending: collateral factor exceeds one")
	ErrInvalidCloseFactor          = errors.New("lending: close factor exceeds one")
	ErrInvalidLiquidationIncentive = errors.New("lending: liquidation incentive below one")
)
