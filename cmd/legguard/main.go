package main

import (
	"context"
	"legguard/internal/attribution"
	"legguard/internal/config"
	"legguard/internal/engine"
	"legguard/internal/exchange"
	"legguard/internal/exchange/deribit"
	"legguard/internal/ledger"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"legguard/internal/status"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})
	log.WithFields(logrus.Fields{
		"strategy": cfg.Strategy.ID,
		"dry_run":  cfg.Runtime.DryRun,
		"build_id": cfg.Status.BuildID,
	}).Info("Сервис запущен.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mirror ledger.Mirror
	var trades ledger.TradeStore
	if cfg.Ledger.SQLitePath != "" {
		store, err := ledger.OpenSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			log.WithError(err).Fatal("Не удалось открыть зеркало журнала.")
		}
		defer store.Close()
		mirror, trades = store, store
	}

	wal, err := ledger.Open(ledger.Options{
		Path:        cfg.Ledger.Path,
		Durable:     cfg.Ledger.RequireFsyncBeforeDispatch,
		MaxInFlight: cfg.Ledger.MaxInFlight,
		Mirror:      mirror,
		Log:         log,
	})
	if err != nil {
		log.WithError(err).Fatal("Не удалось открыть журнал.")
	}
	defer wal.Close()

	if store, ok := trades.(*ledger.SQLiteStore); ok {
		pending, err := store.NonTerminal(ctx)
		if err != nil {
			log.WithError(err).Warn("Зеркало журнала недоступно для сверки.")
		} else if n := len(wal.InFlight()); n != len(pending) {
			log.WithFields(logrus.Fields{"wal": n, "mirror": len(pending)}).Warn("Зеркало расходится с журналом, источник истины - журнал.")
		}
	}

	registry, err := ledger.LoadTradeRegistry(ctx, trades, wal.TradeRefs())
	if err != nil {
		log.WithError(err).Fatal("Не удалось загрузить реестр сделок.")
	}

	client := deribit.New(deribit.Options{
		BaseURL:      cfg.Exchange.BaseUrl,
		WSURL:        cfg.Exchange.WSUrl,
		ClientID:     cfg.Exchange.ClientID,
		ClientSecret: cfg.Exchange.ClientSecret,
		Currency:     cfg.Exchange.Currency,
		Timeout:      10 * time.Second,
		ReconnectMin: cfg.RateLimit.ReconnectMin,
		ReconnectMax: cfg.RateLimit.ReconnectMax,
		Log:          log,
	})
	var venue exchange.Venue = client
	if cfg.Runtime.DryRun {
		venue = exchange.NewDryRun(client, log)
	}

	var sinks attribution.MultiSink
	if cfg.Attribution.File != "" {
		sinks = append(sinks, attribution.NewFileSink(cfg.Attribution.File, cfg.Runtime.Log.MaxSize, cfg.Runtime.Log.MaxBackups))
	}
	if cfg.Attribution.RedisAddr != "" {
		sinks = append(sinks, attribution.NewRedisSink(cfg.Attribution.RedisAddr, cfg.Attribution.RedisStream))
	}
	defer sinks.Close()

	instruments := append([]string{}, cfg.Strategy.Instruments...)
	if cfg.Strategy.HedgeInstrument != "" {
		instruments = append(instruments, cfg.Strategy.HedgeInstrument)
	}
	eng, err := engine.New(cfg, engine.Deps{
		Venue:    venue,
		Ledger:   wal,
		Registry: registry,
		Sink:     sinks,
		Channels: deribit.Channels(instruments),
		Log:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("Не удалось собрать движок.")
	}

	srv := status.New(cfg.Status, eng, metrics.Registry, log)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("Сервер статуса остановлен с ошибкой.")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Start(ctx); err != nil {
			log.WithError(err).Fatal("Движок завершился с ошибкой.")
		}
	}()

	select {
	case <-sigCh:
	case <-done:
	}
	cancel()
	<-done
	log.Info("Сервис остановлен.")
}
