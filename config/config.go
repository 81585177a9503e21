package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type RunMode string

const (
	ModeLive  RunMode = "LIVE"
	ModePaper RunMode = "PAPER"
)

// Config carries secrets and runtime wiring loaded from the environment.
// Strategy parameters live in the YAML strategy file, see strategy.go.
type Config struct {
	TelegramToken    string
	BinanceAPIKey    string
	BinanceSecretKey string
	AuthorizedUserID int64
	MistralAPIKey    string
	Port             string
	RunMode          RunMode
	StrategyFile     string
	DataDir          string
	LogFile          string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn("⚠️ .env file not found, using environment variables")
	}

	userID, err := strconv.ParseInt(os.Getenv("AUTHORIZED_USER_ID"), 10, 64)
	if err != nil {
		log.Fatal("Invalid AUTHORIZED_USER_ID")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mode := ModePaper
	if os.Getenv("RUN_MODE") == "LIVE" {
		mode = ModeLive
	}

	strategyFile := os.Getenv("STRATEGY_FILE")
	if strategyFile == "" {
		strategyFile = "strategy.yaml"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "logs/bot.log"
	}

	return &Config{
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		AuthorizedUserID: userID,
		MistralAPIKey:    os.Getenv("MISTRAL_API_KEY"),
		Port:             port,
		RunMode:          mode,
		StrategyFile:     strategyFile,
		DataDir:          dataDir,
		LogFile:          logFile,
	}
}
