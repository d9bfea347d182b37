package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dlend/native/lending"
	"dlend/storage"
)

// schemaVersion tags the on-disk layout. Databases written by a newer build
// are rejected instead of being silently reinterpreted.
const schemaVersion uint64 = 1

var ErrSchemaVersion = errors.New("state: database schema is newer than this build")

var (
	marketListKey = ethcrypto.Keccak256([]byte("lending/market-list"))
	riskParamsKey = ethcrypto.Keccak256([]byte("lending/risk-params"))
	schemaKey     = ethcrypto.Keccak256([]byte("lending/schema"))

	marketPrefix     = []byte("market:")
	configPrefix     = []byte("market-config:")
	positionPrefix   = []byte("position:")
	membershipPrefix = []byte("membership:")
	balancePrefix    = []byte("balance:")
)

func marketKey(symbol string) []byte {
	return prefixedKey(marketPrefix, []byte(symbol))
}

func configKey(symbol string) []byte {
	return prefixedKey(configPrefix, []byte(symbol))
}

func positionKey(symbol string, addr common.Address) []byte {
	buf := make([]byte, 0, len(symbol)+1+common.AddressLength)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	buf = append(buf, addr.Bytes()...)
	return prefixedKey(positionPrefix, buf)
}

func membershipKey(addr common.Address) []byte {
	return prefixedKey(membershipPrefix, addr.Bytes())
}

func balanceKey(asset, addr common.Address) []byte {
	buf := make([]byte, 0, 2*common.AddressLength+1)
	buf = append(buf, asset.Bytes()...)
	buf = append(buf, ':')
	buf = append(buf, addr.Bytes()...)
	return prefixedKey(balancePrefix, buf)
}

func prefixedKey(prefix, rest []byte) []byte {
	buf := make([]byte, len(prefix)+len(rest))
	copy(buf, prefix)
	copy(buf[len(prefix):], rest)
	return ethcrypto.Keccak256(buf)
}

// Manager persists protocol records in a key-value database, RLP-encoded
// under hashed keys. It hands out buffered transactions so a failed operation
// never leaves partial writes behind; commits flush through a single batched
// write under the manager's lock.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager opens a manager over the database, stamping the schema version
// on first use.
func NewManager(db storage.Database) (*Manager, error) {
	m := &Manager{db: db}
	stored, err := m.storedSchema()
	if err != nil {
		return nil, err
	}
	if stored > schemaVersion {
		return nil, fmt.Errorf("%w: disk %d, build %d", ErrSchemaVersion, stored, schemaVersion)
	}
	if stored == 0 {
		encoded, err := rlp.EncodeToBytes(schemaVersion)
		if err != nil {
			return nil, err
		}
		if err := db.Put(schemaKey, encoded); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) storedSchema() (uint64, error) {
	data, err := m.db.Get(schemaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version uint64
	if err := rlp.DecodeBytes(data, &version); err != nil {
		return 0, err
	}
	return version, nil
}

var (
	_ lending.StateOpener = (*Manager)(nil)
	_ lending.TxState     = (*Tx)(nil)
)

// Begin starts a buffered transaction.
func (m *Manager) Begin() (lending.TxState, error) {
	return &Tx{m: m, db: m.db, writes: make(map[string][]byte)}, nil
}

// Tx buffers writes over the database until Commit. Reads observe the
// buffer first, so an operation sees its own uncommitted updates.
type Tx struct {
	m      *Manager
	db     storage.Database
	writes map[string][]byte
	spent  bool
}

var errTxSpent = errors.New("state: transaction already committed or discarded")

func (t *Tx) get(key []byte) ([]byte, error) {
	if t.spent {
		return nil, errTxSpent
	}
	if data, ok := t.writes[string(key)]; ok {
		return data, nil
	}
	data, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *Tx) put(key []byte, value interface{}) error {
	if t.spent {
		return errTxSpent
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.writes[string(key)] = encoded
	return nil
}

// Commit flushes every buffered write as one atomic batch under the
// manager's write lock, then spends the transaction.
func (t *Tx) Commit() error {
	if t.spent {
		return errTxSpent
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.db.WriteBatch(t.writes); err != nil {
		return err
	}
	t.spent = true
	return nil
}

// Discard drops the buffer and spends the transaction.
func (t *Tx) Discard() {
	t.writes = nil
	t.spent = true
}

func (t *Tx) MarketList() ([]string, error) {
	data, err := t.get(marketListKey)
	if err != nil || data == nil {
		return nil, err
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (t *Tx) PutMarketList(symbols []string) error {
	return t.put(marketListKey, symbols)
}

func (t *Tx) Market(symbol string) (*lending.MarketState, error) {
	data, err := t.get(marketKey(symbol))
	if err != nil || data == nil {
		return nil, err
	}
	market := new(lending.MarketState)
	if err := rlp.DecodeBytes(data, market); err != nil {
		return nil, err
	}
	return market, nil
}

func (t *Tx) PutMarket(market *lending.MarketState) error {
	return t.put(marketKey(market.Symbol), market)
}

func (t *Tx) MarketConfig(symbol string) (*lending.MarketConfig, error) {
	data, err := t.get(configKey(symbol))
	if err != nil || data == nil {
		return nil, err
	}
	cfg := new(lending.MarketConfig)
	if err := rlp.DecodeBytes(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (t *Tx) PutMarketConfig(symbol string, cfg *lending.MarketConfig) error {
	return t.put(configKey(symbol), cfg)
}

func (t *Tx) Position(symbol string, addr common.Address) (*lending.Position, error) {
	data, err := t.get(positionKey(symbol, addr))
	if err != nil || data == nil {
		return nil, err
	}
	pos := new(lending.Position)
	if err := rlp.DecodeBytes(data, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (t *Tx) PutPosition(symbol string, pos *lending.Position) error {
	return t.put(positionKey(symbol, pos.Address), pos)
}

func (t *Tx) Membership(addr common.Address) ([]string, error) {
	data, err := t.get(membershipKey(addr))
	if err != nil || data == nil {
		return nil, err
	}
	var symbols []string
	if err := rlp.DecodeBytes(data, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

func (t *Tx) PutMembership(addr common.Address, symbols []string) error {
	return t.put(membershipKey(addr), symbols)
}

func (t *Tx) RiskParams() (*lending.RiskParams, error) {
	data, err := t.get(riskParamsKey)
	if err != nil || data == nil {
		return nil, err
	}
	params := new(lending.RiskParams)
	if err := rlp.DecodeBytes(data, params); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *Tx) PutRiskParams(params *lending.RiskParams) error {
	return t.put(riskParamsKey, params)
}

func (t *Tx) Balance(asset, addr common.Address) (*big.Int, error) {
	data, err := t.get(balanceKey(asset, addr))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (t *Tx) SetBalance(asset, addr common.Address, amount *big.Int) error {
	return t.put(balanceKey(asset, addr), amount)
}
