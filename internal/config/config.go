// Package config loads the flat configuration surface described in
// spec.md §6 from environment variables, following the teacher's
// getEnv/getEnvBool/getEnvDecimal helper pattern and joho/godotenv
// bootstrap.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EntryMode selects how the entry flow falls back when a LIMIT order
// doesn't fill in time (spec.md §4.11).
type EntryMode string

const (
	EntryLimitOnly       EntryMode = "LIMIT_ONLY"
	EntryLimitThenMarket EntryMode = "LIMIT_THEN_MARKET"
	EntryMarketOnly      EntryMode = "MARKET_ONLY"
)

// PlanBDeviationRule resolves the §9 Open Question: the source
// combined two deviation guards (PLANB_MAX_DEV_USD,
// PLANB_MAX_DEV_R_MULT) without specifying whether either or both must
// trip. This implementation makes the rule an explicit config choice
// rather than guessing.
type PlanBDeviationRule string

const (
	PlanBDeviationEither PlanBDeviationRule = "EITHER"
	PlanBDeviationBoth   PlanBDeviationRule = "BOTH"
)

// TrailSource selects which feed the swing trailing engine reads.
type TrailSource string

const (
	TrailSourceAgg  TrailSource = "AGG"
	TrailSourceBook TrailSource = "BOOK"
)

// Config is the complete flat configuration surface (spec.md §6).
type Config struct {
	// Instrument & sizing
	Symbol      string
	QtyUSD      decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal

	// Exit pricing
	SLPct     decimal.Decimal
	TPRList   []decimal.Decimal // R-multiples, e.g. [2, 4] for TP1/TP2
	SwingMins int

	// Entry
	EntryOffsetUSD      decimal.Decimal
	EntryMode           EntryMode
	LiveEntryTimeoutSec int
	PlanBMaxDevUSD      decimal.Decimal
	PlanBMaxDevRMult    decimal.Decimal
	PlanBDeviationRule  PlanBDeviationRule

	// Tick & throttle
	PollSec               int
	CooldownSec           int
	LockSec               int
	ManageEverySec        int
	TrailUpdateEverySec   int
	ExitsRetryEverySec    int
	FailsafeExitsMaxTries int
	FailsafeFlatten       bool

	// Trailing
	TrailSource           TrailSource
	TrailSwingLookback    int
	TrailSwingLR          int // radius
	TrailSwingBufferUSD   decimal.Decimal
	TrailConfirmBufferUSD decimal.Decimal
	TrailStepUSD          decimal.Decimal

	// Margin
	TradeMode             string // spot|margin
	MarginIsolated        bool
	MarginBorrowMode      string // auto|manual
	MarginBorrowBufferPct decimal.Decimal

	// Invariants
	InvarEnabled     bool
	InvarEverySec    int
	InvarThrottleSec int
	InvarGraceSec    int
	I13GraceSec      int
	I13EscalateSec   int
	I13KillOnDebt    bool

	// Break-even / watchdogs
	TP1BEMaxAttempts     int
	TP1BECooldownSec     int
	SLReconFreshSec      int
	SLWatchdogGraceSec   int
	SLWatchdogRetrySec   int
	CloseCleanupRetrySec int
	SnapshotMinSec       int
	SyncThrottleSec      int

	// Dedup
	DedupPriceDecimals int32
	SeenKeysMax        int
	StrictSource       bool

	// Logs
	LogMaxLines   int
	TailLines     int
	MaxPeakAgeSec int

	// Webhook
	WebhookURL  string
	WebhookUser string
	WebhookPass string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Paths
	SignalLogPath            string
	BarCSVPath                string
	StatePath                 string
	EventLogPath              string
	DetectorMetaPath          string
	TradeReportsDSN           string
	EmergencyFlagPath         string
	WakeUpFlagPath            string
	EmergencyBackupStatePath  string

	// Exchange credentials
	ExchangeBaseURL string
	ExchangeWSURL   string
	APIKey          string
	APISecret       string
	DryRun          bool

	Debug bool
}

// Load reads .env (if present) and then the process environment,
// applying defaults for every key spec.md §6 recognizes.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config: failed to load .env")
	}

	tpRList, err := parseDecimalList(getEnv("TP_R_LIST", "2,4"))
	if err != nil {
		return nil, fmt.Errorf("config: TP_R_LIST: %w", err)
	}

	cfg := &Config{
		Symbol:      getEnv("SYMBOL", "BTCUSDT"),
		QtyUSD:      getEnvDecimal("QTY_USD", decimal.NewFromInt(100)),
		QtyStep:     getEnvDecimal("QTY_STEP", decimal.NewFromFloat(0.001)),
		TickSize:    getEnvDecimal("TICK_SIZE", decimal.NewFromFloat(0.01)),
		MinQty:      getEnvDecimal("MIN_QTY", decimal.NewFromFloat(0.001)),
		MinNotional: getEnvDecimal("MIN_NOTIONAL", decimal.NewFromInt(10)),

		SLPct:     getEnvDecimal("SL_PCT", decimal.NewFromFloat(0.002)),
		TPRList:   tpRList,
		SwingMins: getEnvInt("SWING_MINS", 15),

		EntryOffsetUSD:      getEnvDecimal("ENTRY_OFFSET_USD", decimal.NewFromFloat(0.5)),
		EntryMode:           EntryMode(getEnv("ENTRY_MODE", string(EntryLimitThenMarket))),
		LiveEntryTimeoutSec: getEnvInt("LIVE_ENTRY_TIMEOUT_SEC", 30),
		PlanBMaxDevUSD:      getEnvDecimal("PLANB_MAX_DEV_USD", decimal.NewFromInt(20)),
		PlanBMaxDevRMult:    getEnvDecimal("PLANB_MAX_DEV_R_MULT", decimal.NewFromFloat(0.5)),
		PlanBDeviationRule:  PlanBDeviationRule(getEnv("PLANB_DEVIATION_RULE", string(PlanBDeviationEither))),

		PollSec:               getEnvInt("POLL_SEC", 2),
		CooldownSec:           getEnvInt("COOLDOWN_SEC", 300),
		LockSec:               getEnvInt("LOCK_SEC", 60),
		ManageEverySec:        getEnvInt("MANAGE_EVERY_SEC", 5),
		TrailUpdateEverySec:   getEnvInt("TRAIL_UPDATE_EVERY_SEC", 30),
		ExitsRetryEverySec:    getEnvInt("EXITS_RETRY_EVERY_SEC", 10),
		FailsafeExitsMaxTries: getEnvInt("FAILSAFE_EXITS_MAX_TRIES", 5),
		FailsafeFlatten:       getEnvBool("FAILSAFE_FLATTEN", true),

		TrailSource:           TrailSource(getEnv("TRAIL_SOURCE", string(TrailSourceAgg))),
		TrailSwingLookback:    getEnvInt("TRAIL_SWING_LOOKBACK", 60),
		TrailSwingLR:          getEnvInt("TRAIL_SWING_LR", 3),
		TrailSwingBufferUSD:   getEnvDecimal("TRAIL_SWING_BUFFER_USD", decimal.NewFromFloat(5)),
		TrailConfirmBufferUSD: getEnvDecimal("TRAIL_CONFIRM_BUFFER_USD", decimal.NewFromFloat(2)),
		TrailStepUSD:          getEnvDecimal("TRAIL_STEP_USD", decimal.NewFromFloat(10)),

		TradeMode:             getEnv("TRADE_MODE", "spot"),
		MarginIsolated:        getEnvBool("MARGIN_ISOLATED", false),
		MarginBorrowMode:      getEnv("MARGIN_BORROW_MODE", "auto"),
		MarginBorrowBufferPct: getEnvDecimal("MARGIN_BORROW_BUFFER_PCT", decimal.NewFromFloat(0.003)),

		InvarEnabled:     getEnvBool("INVAR_ENABLED", true),
		InvarEverySec:    getEnvInt("INVAR_EVERY_SEC", 30),
		InvarThrottleSec: getEnvInt("INVAR_THROTTLE_SEC", 300),
		InvarGraceSec:    getEnvInt("INVAR_GRACE_SEC", 10),
		I13GraceSec:      getEnvInt("I13_GRACE_SEC", 60),
		I13EscalateSec:   getEnvInt("I13_ESCALATE_SEC", 600),
		I13KillOnDebt:    getEnvBool("I13_KILL_ON_DEBT", false),

		TP1BEMaxAttempts:     getEnvInt("TP1_BE_MAX_ATTEMPTS", 5),
		TP1BECooldownSec:     getEnvInt("TP1_BE_COOLDOWN_SEC", 3600),
		SLReconFreshSec:      getEnvInt("SL_RECON_FRESH_SEC", 30),
		SLWatchdogGraceSec:   getEnvInt("SL_WATCHDOG_GRACE_SEC", 15),
		SLWatchdogRetrySec:   getEnvInt("SL_WATCHDOG_RETRY_SEC", 10),
		CloseCleanupRetrySec: getEnvInt("CLOSE_CLEANUP_RETRY_SEC", 30),
		SnapshotMinSec:       getEnvInt("SNAPSHOT_MIN_SEC", 5),
		SyncThrottleSec:      getEnvInt("SYNC_BINANCE_THROTTLE_SEC", 20),

		DedupPriceDecimals: int32(getEnvInt("DEDUP_PRICE_DECIMALS", 2)),
		SeenKeysMax:        getEnvInt("SEEN_KEYS_MAX", 500),
		StrictSource:       getEnvBool("STRICT_SOURCE", true),

		LogMaxLines:   getEnvInt("LOG_MAX_LINES", 200),
		TailLines:     getEnvInt("TAIL_LINES", 50),
		MaxPeakAgeSec: getEnvInt("MAX_PEAK_AGE_SEC", 120),

		WebhookURL:  getEnv("WEBHOOK_URL", ""),
		WebhookUser: getEnv("WEBHOOK_USER", ""),
		WebhookPass: getEnv("WEBHOOK_PASS", ""),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),

		SignalLogPath:            getEnv("SIGNAL_LOG_PATH", "data/signals.jsonl"),
		BarCSVPath:               getEnv("BAR_CSV_PATH", "data/bars.csv"),
		StatePath:                getEnv("STATE_PATH", "data/state.json"),
		EventLogPath:             getEnv("EVENT_LOG_PATH", "data/events.jsonl"),
		DetectorMetaPath:         getEnv("DETECTOR_META_PATH", "data/detector_meta.json"),
		TradeReportsDSN:          getEnv("TRADE_REPORTS_DSN", "data/reports.db"),
		EmergencyFlagPath:        getEnv("EMERGENCY_FLAG_PATH", "data/emergency_shutdown.flag"),
		WakeUpFlagPath:           getEnv("WAKE_UP_FLAG_PATH", "data/wake_up.flag"),
		EmergencyBackupStatePath: getEnv("EMERGENCY_BACKUP_STATE_PATH", "data/state.emergency-backup.json"),

		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeWSURL:   getEnv("EXCHANGE_WS_URL", ""),
		APIKey:          getEnv("API_KEY", ""),
		APISecret:       getEnv("API_SECRET", ""),
		DryRun:          getEnvBool("DRY_RUN", true),

		Debug: getEnvBool("DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the programmer/operator-error invariants that are
// fatal at startup (spec.md §7): non-positive steps, unrecognized
// enums, mixed margin modes.
func (c *Config) Validate() error {
	if c.QtyStep.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: QTY_STEP must be positive")
	}
	if c.TickSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: TICK_SIZE must be positive")
	}
	switch c.EntryMode {
	case EntryLimitOnly, EntryLimitThenMarket, EntryMarketOnly:
	default:
		return fmt.Errorf("config: unrecognized ENTRY_MODE %q", c.EntryMode)
	}
	switch c.PlanBDeviationRule {
	case PlanBDeviationEither, PlanBDeviationBoth:
	default:
		return fmt.Errorf("config: unrecognized PLANB_DEVIATION_RULE %q", c.PlanBDeviationRule)
	}
	if c.TradeMode != "spot" && c.TradeMode != "margin" {
		return fmt.Errorf("config: unrecognized TRADE_MODE %q", c.TradeMode)
	}
	if c.TradeMode == "margin" && c.MarginBorrowMode != "auto" && c.MarginBorrowMode != "manual" {
		return fmt.Errorf("config: unrecognized MARGIN_BORROW_MODE %q", c.MarginBorrowMode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseDecimalList(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			part := raw[start:i]
			if part != "" {
				d, err := decimal.NewFromString(part)
				if err != nil {
					return nil, fmt.Errorf("bad decimal %q: %w", part, err)
				}
				out = append(out, d)
			}
			start = i + 1
		}
	}
	return out, nil
}
