package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"roostoo-bot/internal/api"
	"roostoo-bot/internal/backtest"
	"roostoo-bot/internal/engine"
	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/config"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/logger"
)

const usage = `usage: roostoo-bot [command] [flags]

commands:
  run            start the trading engine and operator API (default)
  backtest       replay recorded ticks through the strategies
  token          print an operator API token
  hash-password  print a bcrypt hash for ADMIN_PASSWORD_HASH
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runBot(args)
	case "backtest":
		err = runBacktest(args, os.Stdout)
	case "token":
		err = printToken(args, os.Stdout)
	case "hash-password":
		err = hashPassword(args, os.Stdout)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errs.IsFatal(err) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func runBot(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting roostoo-bot",
		zap.String("version", engine.Version),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("db", cfg.DBPath))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := engine.New(cfg, engine.Options{DB: database, Log: log})
	if err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		return err
	}

	mon := &monitor.Monitor{Bus: bot.Bus, Sink: monitor.LogSink{Log: log}, Log: log}
	mon.Start(ctx)

	srv := api.NewServer(bot.Service, bot.Bus, bot.Metrics, api.Options{
		JWTSecret:    cfg.JWTSecret,
		PasswordHash: cfg.AdminPasswordHash,
		RateLimit:    rate.Limit(20),
		Timeout:      cfg.RequestTimeout * 3,
	}, log)
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty; protected API routes will refuse every request")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, ":"+cfg.Port) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func runBacktest(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	ticksPath := fs.String("ticks", "", "CSV file with time,symbol,bid,ask,last columns")
	recording := fs.String("recording", "", "directory written by RECORD_DIR")
	outPath := fs.String("out", "", "trace output file (JSON lines); empty discards the trace")
	balanceFlag := fs.Float64("balance", 0, "initial quote balance (default DRY_RUN_BALANCE)")
	slippage := fs.Float64("slippage-bps", 0, "paper fill slippage in basis points")
	seed := fs.Int64("seed", 1, "paper exchange random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*ticksPath == "") == (*recording == "") {
		return errs.Config("exactly one of -ticks or -recording is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var ticks []market.Tick
	if *ticksPath != "" {
		ticks, err = backtest.LoadFile(*ticksPath)
	} else {
		ticks, err = backtest.LoadRecording(*recording)
	}
	if err != nil {
		return fmt.Errorf("load ticks: %w", err)
	}

	all, err := strategy.LoadConfig(cfg.StrategiesFile)
	if err != nil {
		return err
	}
	selected, err := strategy.Select(all, cfg.Strategies)
	if err != nil {
		return err
	}

	quote := gateway.QuoteAsset(cfg)
	initial := *balanceFlag
	if initial <= 0 {
		initial = cfg.DryRunBalance
	}
	btCfg := backtest.Config{
		Symbols:        cfg.Symbols,
		Quote:          quote,
		InitialBalance: initial,
		FeeRate:        cfg.FeeBuffer,
		SlippageBps:    *slippage,
		Seed:           *seed,
		OrderTTL:       cfg.OrderTTL,
		Risk: risk.Config{
			Symbols:          cfg.Symbols,
			MaxPosition:      cfg.MaxPosition,
			MaxCapitalAtRisk: cfg.MaxCapitalAtRisk,
			MinOrderQty:      cfg.MinOrderQty,
			MaxOrderQty:      cfg.MaxOrderQty,
			FeeBuffer:        cfg.FeeBuffer,
			Quote:            quote,
		},
		Strategies: selected,
	}

	trace := io.Discard
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		trace = f
	}

	res, err := backtest.Run(context.Background(), btCfg, ticks, trace, log)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func printToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	operator := fs.String("operator", "admin", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errs.Config("JWT_SECRET is required to issue tokens")
	}
	token, err := api.IssueToken(*operator, cfg.JWTSecret, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func hashPassword(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: roostoo-bot hash-password <password>")
	}
	hash, err := api.HashPassword(fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}
