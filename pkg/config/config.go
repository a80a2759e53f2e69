package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine process.
type Config struct {
	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceBaseURL   string

	// Storage
	DataDir string // per-instrument state and candle snapshots
	DBPath  string // sqlite journal; empty disables it

	// Logging / metrics
	LogLevel    string
	LogPretty   bool
	MetricsAddr string // empty disables the /metrics listener

	// Control API
	ControlAddr  string // empty disables it
	ControlToken string // bearer token required on mutating routes when set

	// Instruments
	InstrumentsFile      string
	InterInstrumentDelay time.Duration

	// Gateway resilience
	GatewayTimeout   time.Duration
	GatewayRetries   int
	GatewayRate      float64 // requests per second shared by all instruments
	GatewayBurst     int
	CircuitThreshold int
	CircuitCooldown  time.Duration

	// Execution
	FeeRate          float64 // used when the exchange reports fees in a third asset
	DustThreshold    float64 // quote value under which a balance is not a position
	MinNotionalFloor float64
	ReconcileEvery   time.Duration
	SellRetryDelay   time.Duration

	// Ledger
	LedgerRetention   time.Duration
	LedgerMaxRetained int

	// Notifications
	NotifyQueueSize int

	Instruments []InstrumentConfig
}

// Load reads environment variables (optionally via .env) and the instruments file.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	cfg := &Config{
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		BinanceBaseURL:       os.Getenv("BINANCE_BASE_URL"),
		DataDir:              dataDir,
		DBPath:               getEnv("DB_PATH", filepath.Join(dataDir, "journal.db")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogPretty:            getEnv("LOG_PRETTY", "false") == "true",
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		ControlAddr:          os.Getenv("CONTROL_ADDR"),
		ControlToken:         os.Getenv("CONTROL_TOKEN"),
		InstrumentsFile:      getEnv("INSTRUMENTS_FILE", "./config/instruments.yaml"),
		InterInstrumentDelay: getEnvDuration("INTER_INSTRUMENT_DELAY", 2*time.Second),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		GatewayRetries:       getEnvInt("GATEWAY_RETRIES", 4),
		GatewayRate:          getEnvFloat("GATEWAY_RATE", 10),
		GatewayBurst:         getEnvInt("GATEWAY_BURST", 20),
		CircuitThreshold:     getEnvInt("CIRCUIT_THRESHOLD", 5),
		CircuitCooldown:      getEnvDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		FeeRate:              getEnvFloat("FEE_RATE", 0.001),
		DustThreshold:        getEnvFloat("DUST_THRESHOLD", 1.0),
		MinNotionalFloor:     getEnvFloat("MIN_NOTIONAL_FLOOR", 10),
		ReconcileEvery:       getEnvDuration("RECONCILE_EVERY", 5*time.Minute),
		SellRetryDelay:       getEnvDuration("SELL_RETRY_DELAY", 2*time.Second),
		LedgerRetention:      getEnvDuration("LEDGER_RETENTION", 7*24*time.Hour),
		LedgerMaxRetained:    getEnvInt("LEDGER_MAX_RETAINED", 1000),
		NotifyQueueSize:      getEnvInt("NOTIFY_QUEUE_SIZE", 256),
	}

	instruments, err := LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return nil, err
	}
	cfg.Instruments = instruments
	return cfg, nil
}

// Instrument returns the config for symbol.
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	for _, ic := range c.Instruments {
		if strings.EqualFold(ic.Symbol, symbol) {
			return ic, true
		}
	}
	return InstrumentConfig{}, false
}

// StatePath is where an instrument's trading state lives.
func (c *Config) StatePath(symbol string) string {
	return filepath.Join(c.DataDir, "state", strings.ToUpper(symbol)+".json")
}

// CandlePath is where an instrument's candle window snapshot lives.
func (c *Config) CandlePath(symbol, interval string) string {
	return filepath.Join(c.DataDir, "candles", fmt.Sprintf("%s_%s.json", strings.ToUpper(symbol), interval))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
