package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	s3blob "github.com/fzheng/polymarket-arb15/internal/blob/s3"
	"github.com/fzheng/polymarket-arb15/internal/cache/redis"
	"github.com/fzheng/polymarket-arb15/internal/config"
	"github.com/fzheng/polymarket-arb15/internal/crypto"
	"github.com/fzheng/polymarket-arb15/internal/domain"
	"github.com/fzheng/polymarket-arb15/internal/platform/polymarket"
	"github.com/fzheng/polymarket-arb15/internal/store/postgres"
)

// defaultWSURL and defaultRPCURL fill the two live-mode endpoints spec.md
// §6's flat configuration surface has no field for: the CLOB's realtime
// subscription socket and a Polygon RPC endpoint for on-chain USDC balance
// queries. See DESIGN.md "Open Question decisions" for why these are
// constants here rather than new config fields.
const (
	defaultWSURL  = "wss://ws-subscriptions-clob.polymarket.com/ws/"
	defaultRPCURL = "https://polygon-rpc.com"
)

// Dependencies bundles every dependency the application's control loop
// needs to operate, plus whatever optional satellites were wired in.
// Postgres, Redis, and S3 fields are nil unless their config group was
// present (spec.md §6: all three are optional).
type Dependencies struct {
	Source     arb.SignalSource
	Exchange   arb.Exchange // nil in paper mode
	Paper      *arb.Simulator // nil in live mode
	Sizer      *arb.Sizer
	Aggregator *arb.Aggregator
	Bus        *arb.EventBus
	Controller *arb.Controller

	Postgres   *postgres.Client
	Records    *postgres.CycleRecordStore
	AuditStore domain.AuditStore

	Redis        *redis.Client
	SignalBus    domain.SignalBus
	PriceCache   domain.PriceCache
	OrderbookCache domain.OrderbookCache
	LockManager  domain.LockManager

	S3       *s3blob.Client
	Archiver *s3blob.Archiver
}

// Wire constructs every concrete dependency implied by cfg and returns them
// together with a cleanup function that releases resources in reverse
// registration order.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if cfg.Postgres != nil {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{DSN: cfg.Postgres.DSN})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Postgres = pgClient
		deps.Records = postgres.NewCycleRecordStore(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.OrderbookCache = redis.NewOrderbookCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
	}

	if cfg.S3 != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Bucket: cfg.S3.Bucket,
			Region: cfg.S3.Region,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.S3 = s3Client
		writer := s3blob.NewWriter(s3Client)
		tradeLogPath := ""
		if cfg.Paper.Enabled {
			tradeLogPath = cfg.Paper.LogFile
		}
		// deps.Records is a typed nil when Postgres isn't configured; pass an
		// explicit untyped nil interface instead so the archiver's own
		// `a.records != nil` guard actually skips the cycle-record source.
		var recordSource s3blob.CycleRecordSource
		if deps.Records != nil {
			recordSource = deps.Records
		}
		deps.Archiver = s3blob.NewArchiver(writer, recordSource, tradeLogPath, deps.AuditStore)
	}

	bus := arb.NewEventBus()
	deps.Bus = bus

	gamma := polymarket.NewGammaClient(cfg.API.GammaEndpoint)

	signalCfg := polymarket.ArbSignalSourceConfig{
		Asset:                firstAsset(cfg.Trading.Assets),
		DipThreshold:          decimal.NewFromFloat(cfg.Trading.DefaultDipThreshold),
		DumpWindow:            time.Duration(cfg.Trading.DumpWindowMs) * time.Millisecond,
		RotationPollInterval: time.Duration(cfg.Trading.GTCPollIntervalMs) * time.Millisecond,
		WSURL:                defaultWSURL,
	}
	source := polymarket.NewArbSignalSource(signalCfg, gamma, logger)
	deps.Source = source

	sizer := arb.NewSizer(arb.SizerConfig{
		MaxBalancePctPerTrade: decimal.NewFromFloat(cfg.Risk.MaxBalancePctPerTrade),
		MinShares:             decimal.NewFromInt(int64(cfg.Risk.MinShares)),
		MaxShares:             decimal.NewFromInt(int64(cfg.Risk.MaxShares)),
		ConsecutiveLossLimit:  cfg.Risk.ConsecutiveLossLimit,
		CooldownMinutes:       cfg.Risk.CooldownMinutes,
	})
	deps.Sizer = sizer

	var exch arb.Exchange
	var paper *arb.Simulator
	if cfg.Paper.Enabled {
		paper = arb.NewSimulator(arb.SimulatorConfig{
			StartingBalance:   decimal.NewFromFloat(cfg.Paper.StartingBalance),
			SlippagePct:       decimal.NewFromFloat(cfg.Paper.SlippagePct),
			FeeRate:           decimal.NewFromFloat(cfg.Trading.TakerFeeRate),
			SimulateFees:      cfg.Paper.SimulateFees,
			SimulateSlippage:  cfg.Paper.SimulateSlippage,
			LogFile:           cfg.Paper.LogFile,
		}, bus)
		deps.Paper = paper
	} else {
		privateKey, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    os.Getenv("WALLET_PRIVATE_KEY"),
			EncryptedKeyPath: os.Getenv("WALLET_KEYSTORE_PATH"),
			KeyPassword:      os.Getenv("WALLET_KEYSTORE_PASSWORD"),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: resolve wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(privateKey, cfg.API.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		clob := polymarket.NewClobClient(cfg.API.ClobEndpoint, signer, nil)
		if err := clob.DeriveAPIKey(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: derive clob api key: %w", err)
		}
		arbExch := polymarket.NewArbExchange(clob, signer, defaultRPCURL)
		exch = arbExch
		deps.Exchange = arbExch
	}

	agg := arb.NewAggregator(arb.AggregatorConfig{
		PollInterval:      time.Duration(cfg.Trading.GTCPollIntervalMs) * time.Millisecond,
		RESTFallbackEvery: 5 * time.Second,
		HistoryWindow:     time.Duration(cfg.Trading.WindowMinutes) * time.Minute,
	}, source, exch, bus, deps.PriceCache, deps.OrderbookCache, logger)
	deps.Aggregator = agg

	controller := arb.NewController(arb.ControllerConfig{
		SumTarget:               decimal.NewFromFloat(cfg.Trading.DefaultSumTarget),
		UseMakerOrders:          cfg.Trading.UseMakerOrders,
		MakerFallbackToTaker:    cfg.Trading.MakerFallbackToTaker,
		TakerFeeRate:            decimal.NewFromFloat(cfg.Trading.TakerFeeRate),
		FillTimeout:             time.Duration(cfg.Trading.GTCFillTimeoutMs) * time.Millisecond,
		PollInterval:            time.Duration(cfg.Trading.GTCPollIntervalMs) * time.Millisecond,
		ExitBeforeExpiryMinutes: cfg.Risk.ExitBeforeExpiryMinutes,
		ExitSellPrice:           decimal.NewFromFloat(0.99),
		MaxCycles:               cfg.Trading.MaxCycles,
	}, source, exch, paper, sizer, agg, bus, deps.LockManager, logger)
	deps.Controller = controller

	return deps, cleanup, nil
}

func firstAsset(assets []string) string {
	if len(assets) == 0 {
		return "BTC"
	}
	return assets[0]
}
