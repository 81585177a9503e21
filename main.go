package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"bot_hybrid/config"
	"bot_hybrid/internal/ai"
	"bot_hybrid/internal/engine"
	"bot_hybrid/internal/exchange"
	"bot_hybrid/internal/journal"
	"bot_hybrid/internal/metrics"
	"bot_hybrid/internal/telegram"
	"bot_hybrid/internal/web"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogFile)

	log.Info("🚀 starting DCA bot...")

	strat, err := config.LoadStrategy(cfg.StrategyFile)
	if err != nil {
		log.Fatalf("strategy config: %v", err)
	}

	client := buildClient(cfg, strat)

	j, err := journal.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	eng := engine.New(strat, client, j, m)

	aiClient := ai.NewMistralClient(cfg.MistralAPIKey)

	bot, err := telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, eng, aiClient, strat)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	eng.SetNotifier(bot)
	eng.SetDailyReporter(bot)

	web.NewServer(eng, registry, cfg.Port).Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("engine start: %v", err)
	}

	go bot.Start()

	log.Infof("✅ all systems up: %s, mode %s, dashboard http://localhost:%s",
		strat.Symbol, cfg.RunMode, cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("🛑 shutting down...")
	cancel()
	eng.Stop()
	bot.Stop()
	log.Info("👋 goodbye")
}

// buildClient picks the trading venue: real futures in LIVE, the
// emulator (fed live market data when keys are present) in PAPER.
func buildClient(cfg *config.Config, strat *config.Strategy) exchange.ExchangeClient {
	ctx := context.Background()

	if cfg.RunMode == config.ModeLive {
		fc := exchange.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, false)
		if err := fc.LoadMarkets(ctx); err != nil {
			log.Fatalf("load markets: %v", err)
		}
		log.Infof("💰 LIVE mode: trading %s with real funds", strat.Symbol)
		return fc
	}

	var feed exchange.ExchangeClient
	if cfg.BinanceAPIKey != "" {
		fc := exchange.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, true)
		if err := fc.LoadMarkets(ctx); err != nil {
			log.Warnf("⚠️ load markets: %v, emulator will synthesize data", err)
		} else {
			feed = fc
		}
	}
	log.Info("🧪 PAPER mode: emulated fills, balance 5000 USDT")
	return exchange.NewEmulatorClient(5000.0, feed)
}

func setupLogging(logFile string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(log.DebugLevel)
	}

	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}
