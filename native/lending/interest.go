package lending

import "math/big"

// DefaultSecondsPerYear is the accrual time base used when a model does not
// configure its own. It matches the deployment constant most rate models
// advertise on-chain.
const DefaultSecondsPerYear = 31_536_000

// InterestRateModel is the kinked ("jump") borrow-rate curve. All parameters
// are WAD-scaled per-year rates except Kink, which is a WAD utilisation
// ratio. Given the same cash/borrows/reserves the model is pure: it holds no
// state and never reads the clock.
type InterestRateModel struct {
	// BaseRate is the borrow rate at zero utilisation.
	BaseRate *big.Int
	// Multiplier is the rate increase per unit of utilisation below the kink.
	Multiplier *big.Int
	// JumpMultiplier is the steeper slope applied above the kink.
	JumpMultiplier *big.Int
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Int
	// SecondsPerYear converts per-year rates into per-second accrual factors.
	SecondsPerYear uint64
}

// NewInterestRateModel constructs a model from WAD-scaled parameters.
func NewInterestRateModel(baseRate, multiplier, jumpMultiplier, kink *big.Int) *InterestRateModel {
	return &InterestRateModel{
		BaseRate:       clone(baseRate),
		Multiplier:     clone(multiplier),
		JumpMultiplier: clone(jumpMultiplier),
		Kink:           clone(kink),
		SecondsPerYear: DefaultSecondsPerYear,
	}
}

// Clone returns a deep copy of the model.
func (m *InterestRateModel) Clone() *InterestRateModel {
	if m == nil {
		return nil
	}
	return &InterestRateModel{
		BaseRate:       clone(m.BaseRate),
		Multiplier:     clone(m.Multiplier),
		JumpMultiplier: clone(m.JumpMultiplier),
		Kink:           clone(m.Kink),
		SecondsPerYear: m.SecondsPerYear,
	}
}

func (m *InterestRateModel) secondsPerYear() uint64 {
	if m == nil || m.SecondsPerYear == 0 {
		return DefaultSecondsPerYear
	}
	return m.SecondsPerYear
}

// Utilisation computes borrows / (cash + borrows - reserves) as a WAD ratio,
// zero when the denominator is zero or negative.
func (m *InterestRateModel) Utilisation(cash, borrows, reserves *big.Int) (*big.Int, error) {
	if borrows == nil || borrows.Sign() == 0 {
		return big.NewInt(0), nil
	}
	denom := new(big.Int).Add(clone(cash), borrows)
	denom.Sub(denom, clone(reserves))
	if denom.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return wadDiv(borrows, denom)
}

// BorrowRate returns the WAD per-year borrow rate at the supplied pool state.
func (m *InterestRateModel) BorrowRate(cash, borrows, reserves *big.Int) (*big.Int, error) {
	util, err := m.Utilisation(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	kink := clone(m.Kink)
	if kink.Sign() == 0 || util.Cmp(kink) <= 0 {
		slope, err := wadMul(util, clone(m.Multiplier))
		if err != nil {
			return nil, err
		}
		return slope.Add(slope, clone(m.BaseRate)), nil
	}
	normal, err := wadMul(kink, clone(m.Multiplier))
	if err != nil {
		return nil, err
	}
	excess := new(big.Int).Sub(util, kink)
	jump, err := wadMul(excess, clone(m.JumpMultiplier))
	if err != nil {
		return nil, err
	}
	rate := new(big.Int).Add(clone(m.BaseRate), normal)
	return rate.Add(rate, jump), nil
}

// SupplyRate returns the WAD per-year supply rate:
// borrowRate * utilisation * (1 - reserveFactor).
func (m *InterestRateModel) SupplyRate(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error) {
	borrowRate, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	util, err := m.Utilisation(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	oneMinusReserve := new(big.Int).Sub(wad, clone(reserveFactor))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	weighted, err := wadMul(borrowRate, util)
	if err != nil {
		return nil, err
	}
	return wadMul(weighted, oneMinusReserve)
}

// perSecondBorrowRate converts the per-year borrow rate into a RAY-scaled
// per-second rate for index compounding.
func (m *InterestRateModel) perSecondBorrowRate(cash, borrows, reserves *big.Int) (*big.Int, error) {
	rate, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	perSecond := new(big.Int).Mul(rate, wadToRay)
	seconds := new(big.Int).SetUint64(m.secondsPerYear())
	perSecond.Add(perSecond, new(big.Int).Rsh(seconds, 1))
	return perSecond.Quo(perSecond, seconds), nil
}

// DefaultInterestRateModel mirrors a conservative mainnet deployment: 2%
// base, 15% slope to an 80% kink, 60% jump slope beyond it.
func DefaultInterestRateModel() *InterestRateModel {
	return NewInterestRateModel(
		mustBigInt("20000000000000000"),
		mustBigInt("150000000000000000"),
		mustBigInt("600000000000000000"),
		mustBigInt("800000000000000000"),
	)
}
