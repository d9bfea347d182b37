package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dlend/native/lending"
	"dlend/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(storage.NewMemDB())
	require.NoError(t, err)
	return manager
}

func testMarket() *lending.MarketState {
	ray, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	wad, _ := new(big.Int).SetString("1000000000000000000", 10)
	return &lending.MarketState{
		Symbol:              "WETH",
		Underlying:          common.HexToAddress("0x00000000000000000000000000000000000000e1"),
		ModuleAddress:       common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		TotalShares:         big.NewInt(1_000),
		TotalBorrows:        big.NewInt(250),
		TotalReserves:       big.NewInt(3),
		BorrowIndex:         ray,
		AccrualTime:         1_700_000_000,
		ReserveFactor:       big.NewInt(0),
		InitialExchangeRate: wad,
	}
}

func TestSchemaStamp(t *testing.T) {
	db := storage.NewMemDB()
	_, err := NewManager(db)
	require.NoError(t, err)

	// Reopening against the same stamp succeeds.
	_, err = NewManager(db)
	require.NoError(t, err)

	// A database from a newer build is refused.
	encoded, err := db.Get(schemaKey)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
	require.NoError(t, db.Put(schemaKey, []byte{0x63})) // RLP for 99
	_, err = NewManager(db)
	require.ErrorIs(t, err, ErrSchemaVersion)
}

func TestMarketRoundTrip(t *testing.T) {
	manager := newTestManager(t)

	tx, err := manager.Begin()
	require.NoError(t, err)
	missing, err := tx.Market("WETH")
	require.NoError(t, err)
	require.Nil(t, missing)

	market := testMarket()
	require.NoError(t, tx.PutMarket(market))
	require.NoError(t, tx.PutMarketList([]string{"WETH"}))
	require.NoError(t, tx.Commit())

	tx, err = manager.Begin()
	require.NoError(t, err)
	got, err := tx.Market("WETH")
	require.NoError(t, err)
	require.Equal(t, market.Symbol, got.Symbol)
	require.Equal(t, market.Underlying, got.Underlying)
	require.Zero(t, market.TotalShares.Cmp(got.TotalShares))
	require.Zero(t, market.BorrowIndex.Cmp(got.BorrowIndex))
	require.Equal(t, market.AccrualTime, got.AccrualTime)

	list, err := tx.MarketList()
	require.NoError(t, err)
	require.Equal(t, []string{"WETH"}, list)
	tx.Discard()
}

func TestPositionAndMembershipRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := common.HexToAddress("0x0000000000000000000000000000000000000001")

	tx, err := manager.Begin()
	require.NoError(t, err)
	pos := &lending.Position{
		Address: addr,
		Shares:  big.NewInt(500),
		Borrow: lending.BorrowSnapshot{
			Principal:     big.NewInt(120),
			InterestIndex: big.NewInt(1),
		},
	}
	require.NoError(t, tx.PutPosition("WETH", pos))
	require.NoError(t, tx.PutMembership(addr, []string{"USDC", "WETH"}))
	require.NoError(t, tx.Commit())

	tx, err = manager.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	got, err := tx.Position("WETH", addr)
	require.NoError(t, err)
	require.Equal(t, addr, got.Address)
	require.Zero(t, got.Shares.Cmp(big.NewInt(500)))
	require.Zero(t, got.Borrow.Principal.Cmp(big.NewInt(120)))

	other, err := tx.Position("USDC", addr)
	require.NoError(t, err)
	require.Nil(t, other)

	members, err := tx.Membership(addr)
	require.NoError(t, err)
	require.Equal(t, []string{"USDC", "WETH"}, members)
}

func TestConfigAndRiskParamsRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	authority := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tx, err := manager.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.PutMarketConfig("WETH", &lending.MarketConfig{
		Listed:           true,
		CollateralFactor: big.NewInt(750),
	}))
	require.NoError(t, tx.PutRiskParams(&lending.RiskParams{
		CloseFactor:          big.NewInt(500),
		LiquidationIncentive: big.NewInt(1050),
		Paused:               true,
		Authority:            authority,
		Version:              3,
	}))
	require.NoError(t, tx.Commit())

	tx, err = manager.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	cfg, err := tx.MarketConfig("WETH")
	require.NoError(t, err)
	require.True(t, cfg.Listed)
	require.Zero(t, cfg.CollateralFactor.Cmp(big.NewInt(750)))

	params, err := tx.RiskParams()
	require.NoError(t, err)
	require.True(t, params.Paused)
	require.Equal(t, authority, params.Authority)
	require.Equal(t, uint64(3), params.Version)
}

func TestBalances(t *testing.T) {
	manager := newTestManager(t)
	asset := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	holder := common.HexToAddress("0x0000000000000000000000000000000000000002")

	tx, err := manager.Begin()
	require.NoError(t, err)
	zero, err := tx.Balance(asset, holder)
	require.NoError(t, err)
	require.Zero(t, zero.Sign())

	require.NoError(t, tx.SetBalance(asset, holder, big.NewInt(77)))
	require.NoError(t, tx.Commit())

	tx, err = manager.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	got, err := tx.Balance(asset, holder)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(big.NewInt(77)))
}

func TestDiscardDropsWrites(t *testing.T) {
	manager := newTestManager(t)

	tx, err := manager.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.PutMarketList([]string{"WETH"}))

	// The transaction observes its own buffer.
	list, err := tx.MarketList()
	require.NoError(t, err)
	require.Equal(t, []string{"WETH"}, list)
	tx.Discard()

	tx, err = manager.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	list, err = tx.MarketList()
	require.NoError(t, err)
	require.Nil(t, list)
}

func TestSpentTransactionRejected(t *testing.T) {
	manager := newTestManager(t)

	tx, err := manager.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())
	require.Error(t, tx.PutMarketList([]string{"WETH"}))
	_, err = tx.MarketList()
	require.Error(t, err)
}

// recordingDB counts how writes reach the backing store.
type recordingDB struct {
	*storage.MemDB
	puts    int
	batches int
}

func (db *recordingDB) Put(key, value []byte) error {
	db.puts++
	return db.MemDB.Put(key, value)
}

func (db *recordingDB) WriteBatch(writes map[string][]byte) error {
	db.batches++
	return db.MemDB.WriteBatch(writes)
}

func TestCommitFlushesAsSingleBatch(t *testing.T) {
	db := &recordingDB{MemDB: storage.NewMemDB()}
	manager, err := NewManager(db)
	require.NoError(t, err)
	schemaPuts := db.puts

	tx, err := manager.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.PutMarketList([]string{"USDC", "WETH"}))
	require.NoError(t, tx.PutMarket(testMarket()))
	require.NoError(t, tx.Commit())

	// Multi-record commits must not reach the store as individual puts, or a
	// crash mid-commit would persist half an operation.
	require.Equal(t, 1, db.batches)
	require.Equal(t, schemaPuts, db.puts)

	tx, err = manager.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	list, err := tx.MarketList()
	require.NoError(t, err)
	require.Equal(t, []string{"USDC", "WETH"}, list)
}
