// Command tradecore runs the trading control-plane core: event bus, order/
// position/account managers, risk manager, and strategy executor, wired
// against a broker adapter (paper by default) per spec §6's CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/tradecore/internal/account"
	"github.com/atlas-desktop/tradecore/internal/broker"
	"github.com/atlas-desktop/tradecore/internal/config"
	"github.com/atlas-desktop/tradecore/internal/eventbus"
	"github.com/atlas-desktop/tradecore/internal/orders"
	"github.com/atlas-desktop/tradecore/internal/positions"
	"github.com/atlas-desktop/tradecore/internal/risk"
	"github.com/atlas-desktop/tradecore/internal/strategyexec"
	"github.com/atlas-desktop/tradecore/internal/tradingtime"
	"github.com/atlas-desktop/tradecore/internal/workers"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run())
}

func run() int {
	root, flags := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return flags.exitCode
}

// cliFlags collects bound flag values plus the exit code the command sets
// once it has run.
type cliFlags struct {
	configPath            string
	backtest              bool
	startDate             string
	endDate               string
	logLevel              string
	debug                 bool
	profile               bool
	generateConfig        bool
	maxRetries            int
	retryInterval         time.Duration
	disableMetrics        bool
	disableCircuitBreaker bool
	circuitBreakerThresh  float64
	forceTrading          bool
	containerMode         bool

	exitCode int
}

func newRootCommand() (*cobra.Command, *cliFlags) {
	flags := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "tradecore",
		Short: "Trading control-plane core",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.exitCode = execute(flags)
			if flags.exitCode != 0 {
				return fmt.Errorf("exit code %d", flags.exitCode)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "config.yaml", "path to configuration file")
	f.BoolVar(&flags.backtest, "backtest", false, "run in backtest mode")
	f.StringVar(&flags.startDate, "start-date", "", "backtest start date (YYYY-MM-DD)")
	f.StringVar(&flags.endDate, "end-date", "", "backtest end date (YYYY-MM-DD)")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warning, error, critical")
	f.BoolVar(&flags.debug, "debug", false, "enable debug mode")
	f.BoolVar(&flags.profile, "profile", false, "enable profiling")
	f.BoolVar(&flags.generateConfig, "generate-config", false, "write a default configuration and exit")
	f.IntVar(&flags.maxRetries, "max-retries", 3, "max broker reconnect attempts")
	f.DurationVar(&flags.retryInterval, "retry-interval", time.Second, "broker reconnect backoff interval")
	f.BoolVar(&flags.disableMetrics, "disable-metrics", false, "disable metrics collectors")
	f.BoolVar(&flags.disableCircuitBreaker, "disable-circuit-breaker", false, "disable the event bus circuit breaker")
	f.Float64Var(&flags.circuitBreakerThresh, "circuit-breaker-threshold", 3, "consecutive failures before the breaker trips")
	f.BoolVar(&flags.forceTrading, "force-trading", false, "trade outside configured sessions")
	f.BoolVar(&flags.containerMode, "container-mode", false, "run without an interactive terminal")

	v := viper.New()
	_ = v.BindPFlags(f)

	return cmd, flags
}

func execute(flags *cliFlags) int {
	logger := newLogger(flags.logLevel, flags.debug)
	defer logger.Sync()

	if flags.generateConfig {
		if err := config.Write(flags.configPath, config.Default()); err != nil {
			logger.Error("failed to write default configuration", zap.Error(err))
			return 1
		}
		logger.Info("wrote default configuration", zap.String("path", flags.configPath))
		return 0
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}
	if flags.forceTrading {
		cfg.Trading.ForceTrading = true
	}
	if flags.disableCircuitBreaker {
		cfg.EventBus.DisableCircuitBreaker = true
	}
	if flags.circuitBreakerThresh > 0 {
		cfg.EventBus.BreakerThreshold = int(flags.circuitBreakerThresh)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap(ctx, logger, *cfg, flags)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer app.stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, stopping")
	return 0
}

func newLogger(level string, debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level, debug))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func parseLevel(level string, debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "critical":
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// application holds every wired component so main can stop them in
// reverse dependency order on shutdown.
type application struct {
	logger   *zap.Logger
	bus      *eventbus.Bus
	brokerA  broker.Adapter
	accountM *account.Manager
	ordersM  *orders.Manager
	posM     *positions.Manager
	riskM    *risk.Manager
	pool     *workers.Pool
	execr    *strategyexec.Executor
}

func bootstrap(ctx context.Context, logger *zap.Logger, cfg types.AppConfig, flags *cliFlags) (*application, error) {
	bus := eventbus.New(eventbus.FromAppConfig(cfg.EventBus), logger)
	if err := bus.Start(ctx); err != nil {
		return nil, fmt.Errorf("start event bus: %w", err)
	}

	paperAcct := types.AccountSnapshot{
		AccountID: cfg.Account.AccountID,
		Balance:   decimal.NewFromInt(100000),
		Available: decimal.NewFromInt(100000),
		UpdatedAt: time.Now(),
	}
	brokerAdapter := broker.NewPaperAdapter(logger, paperAcct)
	if err := brokerAdapter.Connect(ctx); err != nil {
		bus.Stop()
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	acctMgr := account.New(logger, account.DefaultConfig(), brokerAdapter)
	acctMgr.Start(ctx)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("risk-eval"))
	pool.Start()

	riskCfg := risk.DefaultConfig()
	riskCfg.ParallelEvaluation = cfg.Risk.ParallelEvaluation
	if cfg.Risk.SaveInterval > 0 {
		riskCfg.SaveInterval = cfg.Risk.SaveInterval
	}
	riskCfg.PersistPath = cfg.Risk.PersistPath
	riskCfg.EmergencyAutoClearAfter = cfg.Risk.EmergencyAutoClearAfter
	riskMgr := risk.New(logger, riskCfg, bus, pool)
	if riskCfg.PersistPath != "" {
		if err := riskMgr.Load(); err != nil {
			logger.Warn("failed to load persisted risk state", zap.Error(err))
		}
	}
	for _, ruleCfg := range cfg.Risk.Rules {
		rule, err := risk.BuildRule(ruleCfg)
		if err != nil {
			logger.Error("invalid risk rule in config", zap.String("rule_id", ruleCfg.RuleID), zap.Error(err))
			continue
		}
		riskMgr.AddRule(rule)
	}

	gate := &tradingGate{cfg: cfg, forced: flags.forceTrading}

	ordersMgr := orders.New(logger, orders.DefaultConfig(), brokerAdapter, riskMgr, acctMgr, gate, bus)
	ordersMgr.Start(ctx)

	posMgr := positions.New(logger, positions.DefaultConfig(), positions.DefaultRiskLimits(),
		brokerAdapter, ordersMgr, acctMgr, bus)
	posMgr.Start(ctx)

	registry := strategyexec.NewRegistry()
	execCfg := strategyexec.DefaultConfig()
	execCfg.StrategyDir = cfg.StrategiesDir
	execCfg.KillSwitch = cfg.KillSwitch
	executor := strategyexec.New(logger, execCfg, registry, bus, brokerAdapter, nil)
	executor.Start(ctx)

	logger.Info("tradecore started",
		zap.String("account_id", cfg.Account.AccountID),
		zap.Bool("container_mode", flags.containerMode),
	)

	return &application{
		logger:   logger,
		bus:      bus,
		brokerA:  brokerAdapter,
		accountM: acctMgr,
		ordersM:  ordersMgr,
		posM:     posMgr,
		riskM:    riskMgr,
		pool:     pool,
		execr:    executor,
	}, nil
}

func (a *application) stop() {
	a.execr.Stop()
	a.posM.Stop()
	a.ordersM.Stop()
	a.accountM.Stop()
	if err := a.riskM.Save(); err != nil {
		a.logger.Warn("failed to persist risk state on shutdown", zap.Error(err))
	}
	_ = a.pool.Stop()
	_ = a.brokerA.Disconnect(context.Background())
	_ = a.bus.Stop()
}

// tradingGate answers orders.TradingGate: trading is enabled only inside a
// configured session unless force-trading overrides it.
type tradingGate struct {
	cfg    types.AppConfig
	forced bool
}

func (g *tradingGate) TradingEnabled() bool {
	if g.forced || g.cfg.Trading.ForceTrading {
		return true
	}
	return tradingtime.IsTradingTime(time.Now(), g.cfg.Trading.Sessions, nil)
}

func (g *tradingGate) OpensRestricted() bool {
	return !g.cfg.Trading.EnableRiskLimits
}
