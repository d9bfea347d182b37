package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarketState is the per-asset ledger. Amounts are WAD-scaled underlying
// units stored as big integers; the borrow index is RAY-scaled so interest
// compounds with more precision than the balances it is applied to.
type MarketState struct {
	// Symbol is the registry identifier for the market.
	Symbol string
	// Underlying identifies the deposited token contract.
	Underlying common.Address
	// ModuleAddress is the ledger account holding the pool's cash.
	ModuleAddress common.Address
	// TotalShares is the outstanding claim units against the pool.
	TotalShares *big.Int
	// TotalBorrows tracks outstanding principal plus accrued interest.
	TotalBorrows *big.Int
	// TotalReserves is the interest retained for the protocol.
	TotalReserves *big.Int
	// BorrowIndex is the monotonically non-decreasing RAY accumulator.
	BorrowIndex *big.Int
	// AccrualTime is the unix second interest was last compounded to.
	AccrualTime uint64
	// ReserveFactor is the WAD fraction of interest routed to reserves.
	ReserveFactor *big.Int
	// InitialExchangeRate seeds the share price while TotalShares is zero.
	InitialExchangeRate *big.Int
}

// BorrowSnapshot records an account's debt principal together with the
// borrow index at which it was last settled. Multiplying the principal by
// currentIndex/InterestIndex yields the live debt.
type BorrowSnapshot struct {
	Principal     *big.Int
	InterestIndex *big.Int
}

// Position is an account's stake in a single market.
type Position struct {
	Address common.Address
	Shares  *big.Int
	Borrow  BorrowSnapshot
}

// MarketConfig is the registry entry the risk manager keeps per market.
type MarketConfig struct {
	Listed bool
	// CollateralFactor is the WAD fraction of deposited value usable as
	// borrowing power.
	CollateralFactor *big.Int
}

// RiskParams groups the governance-controlled protocol parameters.
type RiskParams struct {
	// CloseFactor caps the debt fraction repayable in one liquidation (WAD).
	CloseFactor *big.Int
	// LiquidationIncentive is the >= 1 WAD bonus multiplier for liquidators.
	LiquidationIncentive *big.Int
	// Paused halts every mutating operation when set.
	Paused bool
	// Authority is the governance principal allowed to call admin surfaces.
	Authority common.Address
	// Version increments on every authorized upgrade.
	Version uint64
}

// State is the persistence contract the engine runs against. Absent records
// are reported as nil values, not errors.
type State interface {
	MarketList() ([]string, error)
	PutMarketList(symbols []string) error
	Market(symbol string) (*MarketState, error)
	PutMarket(market *MarketState) error
	MarketConfig(symbol string) (*MarketConfig, error)
	PutMarketConfig(symbol string, cfg *MarketConfig) error
	Position(symbol string, addr common.Address) (*Position, error)
	PutPosition(symbol string, pos *Position) error
	Membership(addr common.Address) ([]string, error)
	PutMembership(addr common.Address, symbols []string) error
	RiskParams() (*RiskParams, error)
	PutRiskParams(params *RiskParams) error
	Balance(asset, addr common.Address) (*big.Int, error)
	SetBalance(asset, addr common.Address, amount *big.Int) error
}

// TxState is a State whose writes stay buffered until Commit. Discard drops
// the buffer; after either call the transaction is spent.
type TxState interface {
	State
	Commit() error
	Discard()
}

// StateOpener hands the engine a fresh transaction per operation, giving
// every mutating call all-or-nothing semantics.
type StateOpener interface {
	Begin() (TxState, error)
}

// PriceOracle resolves an asset to its USD price in 8-decimal fixed point.
type PriceOracle interface {
	AssetPrice(asset common.Address) (*big.Int, error)
}

func ensureMarketDefaults(m *MarketState) {
	if m.TotalShares == nil {
		m.TotalShares = big.NewInt(0)
	}
	if m.TotalBorrows == nil {
		m.TotalBorrows = big.NewInt(0)
	}
	if m.TotalReserves == nil {
		m.TotalReserves = big.NewInt(0)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(ray)
	}
	if m.ReserveFactor == nil {
		m.ReserveFactor = big.NewInt(0)
	}
	if m.InitialExchangeRate == nil || m.InitialExchangeRate.Sign() == 0 {
		m.InitialExchangeRate = new(big.Int).Set(wad)
	}
}

func ensurePositionDefaults(p *Position) {
	if p.Shares == nil {
		p.Shares = big.NewInt(0)
	}
	if p.Borrow.Principal == nil {
		p.Borrow.Principal = big.NewInt(0)
	}
	if p.Borrow.InterestIndex == nil || p.Borrow.InterestIndex.Sign() == 0 {
		p.Borrow.InterestIndex = new(big.Int).Set(ray)
	}
}

func ensureRiskDefaults(p *RiskParams) {
	if p.CloseFactor == nil {
		p.CloseFactor = new(big.Int).Set(wad)
	}
	if p.LiquidationIncentive == nil || p.LiquidationIncentive.Sign() == 0 {
		p.LiquidationIncentive = new(big.Int).Set(wad)
	}
}
