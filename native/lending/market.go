package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MarketModuleAddress derives the deterministic ledger account that holds a
// market's cash.
func MarketModuleAddress(symbol string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("lending/market/" + symbol))[12:])
}

// cash returns the underlying balance held by the market's module account.
func cash(s State, market *MarketState) (*big.Int, error) {
	return s.Balance(market.Underlying, market.ModuleAddress)
}

// exchangeRate is the WAD underlying-per-share conversion factor:
// (cash + totalBorrows - totalReserves) / totalShares, or the configured
// initial rate while no shares exist.
func exchangeRate(s State, market *MarketState) (*big.Int, error) {
	if market.TotalShares.Sign() == 0 {
		return clone(market.InitialExchangeRate), nil
	}
	poolCash, err := cash(s, market)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Add(poolCash, market.TotalBorrows)
	value.Sub(value, market.TotalReserves)
	if value.Sign() < 0 {
		value.SetInt64(0)
	}
	return wadDiv(value, market.TotalShares)
}

// accrueInterest brings the market ledger current. Elapsed seconds since the
// last accrual compound the RAY borrow index via rayPow(1 + perSecondRate);
// the interest delta is added to totalBorrows, with the reserve-factor share
// routed into totalReserves. Returns the interest accumulated.
func accrueInterest(s State, market *MarketState, model *InterestRateModel, now uint64) (*big.Int, error) {
	if now <= market.AccrualTime {
		return big.NewInt(0), nil
	}
	elapsed := now - market.AccrualTime
	market.AccrualTime = now
	if market.TotalBorrows.Sign() == 0 {
		return big.NewInt(0), nil
	}

	poolCash, err := cash(s, market)
	if err != nil {
		return nil, err
	}
	perSecond, err := model.perSecondBorrowRate(poolCash, market.TotalBorrows, market.TotalReserves)
	if err != nil {
		return nil, err
	}
	if perSecond.Sign() == 0 {
		return big.NewInt(0), nil
	}

	factor, err := rayPow(new(big.Int).Add(ray, perSecond), elapsed)
	if err != nil {
		return nil, err
	}
	newIndex, err := rayMul(market.BorrowIndex, factor)
	if err != nil {
		return nil, err
	}
	// The index never moves backwards, even under degenerate rounding.
	if newIndex.Cmp(market.BorrowIndex) > 0 {
		market.BorrowIndex = newIndex
	}

	growth := new(big.Int).Sub(factor, ray)
	interest, err := rayMul(market.TotalBorrows, growth)
	if err != nil {
		return nil, err
	}
	if interest.Sign() == 0 {
		return big.NewInt(0), nil
	}
	market.TotalBorrows = new(big.Int).Add(market.TotalBorrows, interest)

	reserveShare, err := wadMul(interest, market.ReserveFactor)
	if err != nil {
		return nil, err
	}
	if reserveShare.Sign() > 0 {
		market.TotalReserves = new(big.Int).Add(market.TotalReserves, reserveShare)
	}
	return interest, nil
}

// settleBorrow folds accrued interest into the snapshot principal and stamps
// it with the current borrow index. Returns the live debt.
func settleBorrow(pos *Position, market *MarketState) (*big.Int, error) {
	if pos.Borrow.Principal.Sign() == 0 {
		pos.Borrow.InterestIndex = clone(market.BorrowIndex)
		return big.NewInt(0), nil
	}
	grown, err := rayMul(pos.Borrow.Principal, market.BorrowIndex)
	if err != nil {
		return nil, err
	}
	debt, err := rayDiv(grown, pos.Borrow.InterestIndex)
	if err != nil {
		return nil, err
	}
	pos.Borrow.Principal = debt
	pos.Borrow.InterestIndex = clone(market.BorrowIndex)
	return clone(debt), nil
}

// borrowBalance computes the live debt without mutating the snapshot.
func borrowBalance(pos *Position, market *MarketState) (*big.Int, error) {
	if pos == nil || pos.Borrow.Principal == nil || pos.Borrow.Principal.Sign() == 0 {
		return big.NewInt(0), nil
	}
	grown, err := rayMul(pos.Borrow.Principal, market.BorrowIndex)
	if err != nil {
		return nil, err
	}
	return rayDiv(grown, pos.Borrow.InterestIndex)
}

// transferUnderlying moves underlying between ledger accounts, failing the
// whole operation when the sender lacks funds.
func transferUnderlying(s State, asset, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := s.Balance(asset, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := s.Balance(asset, to)
	if err != nil {
		return err
	}
	if err := s.SetBalance(asset, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return s.SetBalance(asset, to, new(big.Int).Add(toBal, amount))
}
