package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlend/config"
	"dlend/core/state"
	"dlend/core/types"
	"dlend/native/lending"
	"dlend/native/oracle"
	"dlend/observability/logging"
	"dlend/observability/otel"
	"dlend/storage"
)

const envVar = "DLEND_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("dlend", env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "dlend",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager, err := state.NewManager(db)
	if err != nil {
		logger.Error("Failed to open state manager", slog.Any("error", err))
		os.Exit(1)
	}

	engine := lending.NewEngine(manager)
	engine.SetLogger(logger)
	engine.SetOracle(buildOracle(cfg))
	engine.SetInterestRateModel(lending.NewInterestRateModel(
		config.BpsToWad(cfg.InterestModel.BaseRateBps),
		config.BpsToWad(cfg.InterestModel.MultiplierBps),
		config.BpsToWad(cfg.InterestModel.JumpMultiplierBps),
		config.BpsToWad(cfg.InterestModel.KinkBps),
	))
	engine.SetEventSink(func(evt types.Event) {
		logger.Info("protocol event", slog.String("type", evt.Type), slog.Any("attributes", evt.Attributes))
	})

	if err := bootstrap(engine, cfg, logger); err != nil {
		logger.Error("Failed to bootstrap protocol state", slog.Any("error", err))
		os.Exit(1)
	}

	server := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux()}
	go func() {
		logger.Info("metrics server listening", slog.String("address", cfg.MetricsAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("dlend started", slog.String("data_dir", cfg.DataDir), slog.Int("markets", len(cfg.Markets)))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", slog.Any("error", err))
	}
	logger.Info("dlend stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func buildOracle(cfg *config.Config) *oracle.Registry {
	registry := oracle.NewRegistry(time.Duration(cfg.Oracle.MaxAgeSeconds) * time.Second)
	for _, feed := range cfg.Oracle.Feeds {
		price, ok := new(big.Int).SetString(strings.TrimSpace(feed.PriceUSD), 10)
		if !ok {
			continue
		}
		registry.SetSource(common.HexToAddress(feed.Asset), oracle.NewStaticSource(price))
	}
	return registry
}

// bootstrap seeds risk parameters and lists the configured markets. Both
// steps are idempotent across restarts.
func bootstrap(engine *lending.Engine, cfg *config.Config, logger *slog.Logger) error {
	authority := cfg.AuthorityAddress()
	params := lending.RiskParams{
		CloseFactor:          config.BpsToWad(cfg.Protocol.CloseFactorBps),
		LiquidationIncentive: config.BpsToWad(cfg.Protocol.LiquidationIncentiveBps),
		Authority:            authority,
	}
	if err := engine.Bootstrap(params); err != nil && !errors.Is(err, lending.ErrUnauthorized) {
		return err
	}
	if authority == (common.Address{}) {
		if len(cfg.Markets) > 0 {
			logger.Warn("Authority unset, skipping market registration", slog.Int("markets", len(cfg.Markets)))
		}
		return nil
	}
	for _, entry := range cfg.Markets {
		listing := lending.ListingParams{
			Symbol:           entry.Symbol,
			Underlying:       common.HexToAddress(entry.Underlying),
			CollateralFactor: config.BpsToWad(entry.CollateralFactorBps),
			ReserveFactor:    config.BpsToWad(entry.ReserveFactorBps),
		}
		err := engine.RegisterMarket(authority, listing)
		switch {
		case errors.Is(err, lending.ErrMarketAlreadyListed):
			continue
		case err != nil:
			return fmt.Errorf("register market %s: %w", entry.Symbol, err)
		default:
			logger.Info("market listed", slog.String("symbol", entry.Symbol))
		}
	}
	return nil
}
