package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dlend/core/types"
)

const (
	EventTypeDeposit           = "lending.deposit"
	EventTypeWithdraw          = "lending.withdraw"
	EventTypeBorrow            = "lending.borrow"
	EventTypeRepay             = "lending.repay"
	EventTypeLiquidate         = "lending.liquidate"
	EventTypeMarketListed      = "lending.market_listed"
	EventTypeUpgradeAuthorized = "lending.upgrade_authorized"
)

func eventDeposit(symbol string, account common.Address, amount, shares *big.Int) types.Event {
	return types.Event{Type: EventTypeDeposit, Attributes: map[string]string{
		"market":  symbol,
		"account": account.Hex(),
		"amount":  amount.String(),
		"shares":  shares.String(),
	}}
}

func eventWithdraw(symbol string, account common.Address, amount, shares *big.Int) types.Event {
	return types.Event{Type: EventTypeWithdraw, Attributes: map[string]string{
		"market":  symbol,
		"account": account.Hex(),
		"amount":  amount.String(),
		"shares":  shares.String(),
	}}
}

func eventBorrow(symbol string, account common.Address, amount *big.Int) types.Event {
	return types.Event{Type: EventTypeBorrow, Attributes: map[string]string{
		"market":  symbol,
		"account": account.Hex(),
		"amount":  amount.String(),
	}}
}

func eventRepay(symbol string, account common.Address, amount *big.Int) types.Event {
	return types.Event{Type: EventTypeRepay, Attributes: map[string]string{
		"market":  symbol,
		"account": account.Hex(),
		"amount":  amount.String(),
	}}
}

func eventLiquidate(borrowedSymbol, collateralSymbol string, liquidator, borrower common.Address, repaid, seizedShares *big.Int) types.Event {
	return types.Event{Type: EventTypeLiquidate, Attributes: map[string]string{
		"borrowed_market":   borrowedSymbol,
		"collateral_market": collateralSymbol,
		"liquidator":        liquidator.Hex(),
		"borrower":          borrower.Hex(),
		"repaid":            repaid.String(),
		"seized_shares":     seizedShares.String(),
	}}
}

func eventMarketListed(symbol string, underlying common.Address) types.Event {
	return types.Event{Type: EventTypeMarketListed, Attributes: map[string]string{
		"market":     symbol,
		"underlying": underlying.Hex(),
	}}
}

func eventUpgradeAuthorized(implementation common.Hash, version uint64) types.Event {
	return types.Event{Type: EventTypeUpgradeAuthorized, Attributes: map[string]string{
		"implementation": implementation.Hex(),
		"version":        new(big.Int).SetUint64(version).String(),
	}}
}
