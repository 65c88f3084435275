package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quantbox/internal/app"
	"quantbox/internal/backtest"
	qbcfg "quantbox/internal/config"
	"quantbox/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (defaults to $QUANTBOX_CONFIG or configs/config.yaml)")
		mode       = flag.String("mode", "live", "live | backtest")
		strat      = flag.String("strategy", "", "strategy name (backtest mode)")
		symbol     = flag.String("symbol", "", "instrument symbol (backtest mode)")
		timeframe  = flag.String("timeframe", "1d", "bar timeframe (backtest mode)")
		from       = flag.String("from", "", "range start, RFC3339 or unix ms (backtest mode)")
		to         = flag.String("to", "", "range end, RFC3339 or unix ms (backtest mode)")
		balance    = flag.Float64("balance", 0, "initial balance override (backtest mode)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("initializing log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, strategies=%s)", cfg.App.Env, cfg.Strategies.Dir)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("initializing app failed: %v", err)
	}

	switch *mode {
	case "live":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := application.Run(ctx); err != nil {
			log.Fatalf("live run failed: %v", err)
		}
	case "backtest":
		defer application.Close()
		if err := runBacktest(application, *strat, *symbol, *timeframe, *from, *to, *balance); err != nil {
			log.Fatalf("backtest failed: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q (want live or backtest)", *mode)
	}
}

func loadConfig(path string) (*qbcfg.Config, error) {
	if path == "" {
		path = os.Getenv("QUANTBOX_CONFIG")
	}
	if path == "" {
		path = "configs/config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return qbcfg.Default(), nil
		}
	}
	return qbcfg.Load(path)
}

func runBacktest(application *app.App, strat, symbol, timeframe, from, to string, balance float64) error {
	if strat == "" || symbol == "" {
		return fmt.Errorf("-strategy and -symbol are required in backtest mode")
	}
	startTS, err := parseTimestamp(from)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	endTS, err := parseTimestamp(to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}

	result, err := application.Backtests().RunOnce(context.Background(), backtest.RunParams{
		Strategy:       strat,
		Symbol:         symbol,
		Timeframe:      timeframe,
		StartTS:        startTS,
		EndTS:          endTS,
		InitialBalance: balance,
	})
	if err != nil {
		return err
	}
	printSummary(result)
	return nil
}

// parseTimestamp accepts RFC3339, a bare date or epoch milliseconds.
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

func printSummary(result *backtest.Result) {
	m := result.Metrics
	run := result.Run
	fmt.Printf("run %s: %s %s %s\n", run.ID, run.Strategy, run.Symbol, run.Timeframe)
	fmt.Printf("  balance        %.2f -> %.2f\n", run.InitialBalance, run.FinalBalance)
	fmt.Printf("  total_return   %.4f\n", m.TotalReturn)
	fmt.Printf("  cagr           %.4f\n", m.CAGR)
	fmt.Printf("  sharpe         %.4f\n", m.Sharpe)
	fmt.Printf("  sortino        %.4f\n", m.Sortino)
	fmt.Printf("  vol_annual     %.4f\n", m.VolAnnual)
	fmt.Printf("  max_drawdown   %.4f\n", m.MaxDrawdown)
	fmt.Printf("  calmar         %.4f\n", m.Calmar)
	fmt.Printf("  trades         %d\n", m.NumTrades)
	fmt.Printf("  win_rate       %.4f\n", m.WinRate)
	if math.IsInf(m.ProfitFactor, 1) {
		fmt.Printf("  profit_factor  inf\n")
	} else {
		fmt.Printf("  profit_factor  %.4f\n", m.ProfitFactor)
	}
	fmt.Printf("  expectancy     %.4f\n", m.Expectancy)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
