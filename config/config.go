package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

const bpsScale = 10_000

// wadPerBps converts basis points to an 18-decimal fraction.
var wadPerBps = big.NewInt(100_000_000_000_000)

type Config struct {
	DataDir        string `toml:"DataDir"`
	MetricsAddress string `toml:"MetricsAddress"`
	Environment    string `toml:"Environment"`
	Authority      string `toml:"Authority"`

	Telemetry     Telemetry     `toml:"Telemetry"`
	Protocol      Protocol      `toml:"Protocol"`
	InterestModel InterestModel `toml:"InterestModel"`
	Oracle        Oracle        `toml:"Oracle"`
	Markets       []MarketEntry `toml:"Markets"`
}

type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

type Protocol struct {
	CloseFactorBps          uint64 `toml:"CloseFactorBps"`
	LiquidationIncentiveBps uint64 `toml:"LiquidationIncentiveBps"`
}

type InterestModel struct {
	BaseRateBps       uint64 `toml:"BaseRateBps"`
	MultiplierBps     uint64 `toml:"MultiplierBps"`
	JumpMultiplierBps uint64 `toml:"JumpMultiplierBps"`
	KinkBps           uint64 `toml:"KinkBps"`
}

type Oracle struct {
	MaxAgeSeconds uint64      `toml:"MaxAgeSeconds"`
	Feeds         []PriceFeed `toml:"Feeds"`
}

// PriceFeed pins a static 8-decimal USD price for an asset. Production
// deployments replace these with live sources at wiring time.
type PriceFeed struct {
	Asset    string `toml:"Asset"`
	PriceUSD string `toml:"PriceUSD"`
}

type MarketEntry struct {
	Symbol              string `toml:"Symbol"`
	Underlying          string `toml:"Underlying"`
	CollateralFactorBps uint64 `toml:"CollateralFactorBps"`
	ReserveFactorBps    uint64 `toml:"ReserveFactorBps"`
}

// Load reads the configuration at path, writing a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./dlend-data"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.Protocol.CloseFactorBps == 0 {
		cfg.Protocol.CloseFactorBps = 5_000
	}
	if cfg.Protocol.LiquidationIncentiveBps == 0 {
		cfg.Protocol.LiquidationIncentiveBps = 10_500
	}
	if cfg.InterestModel.KinkBps == 0 {
		cfg.InterestModel = InterestModel{
			BaseRateBps:       200,
			MultiplierBps:     1_500,
			JumpMultiplierBps: 6_000,
			KinkBps:           8_000,
		}
	}
	if cfg.Oracle.MaxAgeSeconds == 0 {
		cfg.Oracle.MaxAgeSeconds = 3_600
	}
}

// Validate rejects parameter combinations the engine would refuse at
// bootstrap.
func (c *Config) Validate() error {
	if c.Protocol.CloseFactorBps > bpsScale {
		return fmt.Errorf("config: CloseFactorBps %d exceeds %d", c.Protocol.CloseFactorBps, bpsScale)
	}
	if c.Protocol.LiquidationIncentiveBps < bpsScale {
		return fmt.Errorf("config: LiquidationIncentiveBps %d is below par (%d)", c.Protocol.LiquidationIncentiveBps, bpsScale)
	}
	if c.InterestModel.KinkBps > bpsScale {
		return fmt.Errorf("config: KinkBps %d exceeds %d", c.InterestModel.KinkBps, bpsScale)
	}
	if c.Authority != "" && !common.IsHexAddress(c.Authority) {
		return fmt.Errorf("config: Authority %q is not a hex address", c.Authority)
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for _, market := range c.Markets {
		symbol := strings.TrimSpace(market.Symbol)
		if symbol == "" {
			return fmt.Errorf("config: market entry with empty symbol")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("config: duplicate market %q", symbol)
		}
		seen[symbol] = struct{}{}
		if !common.IsHexAddress(market.Underlying) {
			return fmt.Errorf("config: market %q underlying %q is not a hex address", symbol, market.Underlying)
		}
		if market.CollateralFactorBps > bpsScale {
			return fmt.Errorf("config: market %q CollateralFactorBps %d exceeds %d", symbol, market.CollateralFactorBps, bpsScale)
		}
		if market.ReserveFactorBps > bpsScale {
			return fmt.Errorf("config: market %q ReserveFactorBps %d exceeds %d", symbol, market.ReserveFactorBps, bpsScale)
		}
	}
	for _, feed := range c.Oracle.Feeds {
		if !common.IsHexAddress(feed.Asset) {
			return fmt.Errorf("config: price feed asset %q is not a hex address", feed.Asset)
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(feed.PriceUSD), 10); !ok {
			return fmt.Errorf("config: price feed for %s has non-integer PriceUSD %q", feed.Asset, feed.PriceUSD)
		}
	}
	return nil
}

// AuthorityAddress parses the configured governance address; the zero
// address means governance is unset.
func (c *Config) AuthorityAddress() common.Address {
	if !common.IsHexAddress(c.Authority) {
		return common.Address{}
	}
	return common.HexToAddress(c.Authority)
}

// BpsToWad converts basis points to the 18-decimal fixed-point fraction the
// engine consumes.
func BpsToWad(bps uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(bps), wadPerBps)
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
