package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/peakrunner/internal/alert"
	"github.com/web3guy0/peakrunner/internal/config"
	"github.com/web3guy0/peakrunner/internal/eventlog"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/margin"
	"github.com/web3guy0/peakrunner/internal/reports"
	"github.com/web3guy0/peakrunner/internal/signalsrc"
	"github.com/web3guy0/peakrunner/internal/snapshot"
	"github.com/web3guy0/peakrunner/internal/statestore"
	"github.com/web3guy0/peakrunner/internal/tick"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msgf("peakrunner %s starting for %s (dry_run=%v, trade_mode=%s)", version, cfg.Symbol, cfg.DryRun, cfg.TradeMode)

	// ═══════════════════════════════════════════════════════════════
	// LAYER 1: EXCHANGE + PERSISTENCE
	// ═══════════════════════════════════════════════════════════════

	adapter := exchange.NewClient(cfg.ExchangeBaseURL, cfg.APIKey, cfg.APISecret, cfg.DryRun)

	stateStore := statestore.New(cfg.StatePath)
	detectorStore := statestore.New(cfg.DetectorMetaPath)

	var reportsStore *reports.Store
	if cfg.TradeReportsDSN != "" {
		reportsStore, err = reports.New(cfg.TradeReportsDSN)
		if err != nil {
			log.Warn().Err(err).Msg("trade reports store unavailable, continuing without it")
		}
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 2: FEEDS + SNAPSHOTS
	// ═══════════════════════════════════════════════════════════════

	signals := signalsrc.New(cfg.SignalLogPath, cfg.TailLines, cfg.DedupPriceDecimals, time.Duration(cfg.MaxPeakAgeSec)*time.Second)
	openOrders := snapshot.NewOpenOrders(adapter, time.Duration(cfg.SnapshotMinSec)*time.Second)
	mid := snapshot.NewMidPrice(adapter, time.Duration(cfg.SnapshotMinSec)*time.Second)

	var userStream *exchange.UserStream
	if cfg.ExchangeWSURL != "" {
		userStream = exchange.NewUserStream(cfg.ExchangeWSURL)
		go userStream.Run()
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 3: ALERTS + MARGIN
	// ═══════════════════════════════════════════════════════════════

	notifiers := []alert.Notifier{alert.NewWebhook(cfg.WebhookURL, cfg.WebhookUser, cfg.WebhookPass)}
	if tg, err := alert.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID); err != nil {
		log.Warn().Err(err).Msg("telegram notifier unavailable")
	} else if tg != nil {
		notifiers = append(notifiers, tg)
	}
	notifier := alert.NewMulti(notifiers...)

	events := eventlog.New(cfg.EventLogPath, cfg.LogMaxLines)

	// ═══════════════════════════════════════════════════════════════
	// LAYER 4: TICK ENGINE
	// ═══════════════════════════════════════════════════════════════

	t := tick.New(tick.Deps{
		Cfg:           cfg,
		Adapter:       adapter,
		Store:         stateStore,
		DetectorStore: detectorStore,
		Events:        events,
		Notifier:      notifier,
		Reports:       reportsStore,
		OpenOrders:    openOrders,
		Mid:           mid,
		Signals:       signals,
		UserStream:    userStream,
	})

	now := time.Now().UTC()
	t.Boot(now)

	// Margin requires the ledger Boot just loaded, so it's wired after
	// the tick is built rather than passed in through Deps.
	marginCoord, err := margin.New(margin.Config{
		TradeMode:       cfg.TradeMode,
		Isolated:        cfg.MarginIsolated,
		BorrowMode:      margin.Mode(cfg.MarginBorrowMode),
		BorrowBufferPct: cfg.MarginBorrowBufferPct,
	}, adapter, t.State.MarginLedger)
	if err != nil {
		log.Fatal().Err(err).Msg("margin config invalid")
	}
	t.Margin = marginCoord

	notifier.Notify("STARTUP", "peakrunner "+version+" online for "+cfg.Symbol)

	// ═══════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ManageEverySec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Run(time.Now().UTC())
			case <-stop:
				return
			}
		}
	}()

	log.Info().Msg("peakrunner running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received, stopping tick loop")
	close(stop)
	if userStream != nil {
		userStream.Stop()
	}
	notifier.Notify("SHUTDOWN", "peakrunner "+version+" shutting down for "+cfg.Symbol)
}
