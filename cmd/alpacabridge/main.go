package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"alpacabridge/config"
	"alpacabridge/feed"
	"alpacabridge/logger"
	"alpacabridge/models"
	"alpacabridge/recorder"
	"alpacabridge/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "AAPL", "Comma separated symbols to feed")
	historical := flag.Bool("historical", false, "Replay history instead of streaming live")
	fromFlag := flag.String("from", "", "Replay start (RFC3339 or YYYY-MM-DD)")
	toFlag := flag.String("to", "", "Replay end (RFC3339 or YYYY-MM-DD)")
	granFlag := flag.String("granularity", "minute", "Bar granularity: tick, minute or day")
	compression := flag.Int("compression", 1, "Bars per sample at the chosen granularity")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Bridge.Name,
		"version": cfg.Bridge.Version,
		"paper":   cfg.Alpaca.Paper,
		"env":     env,
	}).Info("starting alpacabridge")

	if config.IsProductionLike(env) && cfg.Alpaca.Paper {
		log.Warn("production-like environment is routing to paper trading endpoints")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	opts, err := feedOptions(*symbolsFlag, *historical, *fromFlag, *toFlag, *granFlag, *compression, cfg)
	if err != nil {
		log.WithError(err).Error("invalid feed options")
		os.Exit(1)
	}

	st, err := store.New(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create store")
		os.Exit(1)
	}

	brk, err := st.GetBroker(ctx)
	if err != nil {
		log.WithError(err).Error("failed to start broker")
		os.Exit(1)
	}

	var recCh chan models.Bar
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		recCh = make(chan models.Bar, cfg.Feed.RawBuffer)
		rec, err = recorder.New(cfg, recCh)
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("recorder disabled")
	}

	var wg sync.WaitGroup

	for _, o := range opts {
		data, err := st.GetData(ctx, o)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": o.Symbol}).Error("failed to create feed")
			os.Exit(1)
		}
		if err := data.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": o.Symbol}).Error("failed to start feed")
			os.Exit(1)
		}

		wg.Add(1)
		go func(d *feed.Data, symbol string) {
			defer wg.Done()
			drainFeed(ctx, d, symbol, recCh, log)
		}(data, o.Symbol)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-brk.Notifications():
				entry := log.WithComponent("main").WithFields(logger.Fields{
					"ref":        note.Ref,
					"status":     note.Status.String(),
					"filled_qty": note.FilledQty.String(),
					"fill_price": note.FillPrice.String(),
				})
				if note.Err != nil {
					entry.WithError(note.Err).Warn("order notification")
				} else {
					entry.Info("order notification")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-st.Notices():
				log.WithComponent("main").WithError(err).Warn("store notice")
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if rec != nil {
		log.Info("stopping recorder")
		rec.Stop()
	}

	log.Info("stopping store")
	st.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("alpacabridge stopped")
}

// drainFeed pumps one feed until it ends or the context closes. Bars go to
// the log and, when capture is on, to the recorder.
func drainFeed(ctx context.Context, d *feed.Data, symbol string, recCh chan<- models.Bar, log *logger.Log) {
	entry := log.WithComponent("main").WithFields(logger.Fields{"symbol": symbol})
	for {
		bar, err := d.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, feed.ErrEnd):
				entry.Info("historical replay finished")
			case errors.Is(err, context.Canceled):
			default:
				entry.WithError(err).Warn("feed terminated")
			}
			return
		}

		entry.WithFields(logger.Fields{
			"time":   bar.Time.Format(time.RFC3339),
			"open":   bar.Open,
			"high":   bar.High,
			"low":    bar.Low,
			"close":  bar.Close,
			"volume": bar.Volume,
		}).Info("bar")

		if recCh != nil {
			select {
			case recCh <- bar:
			default:
				// Recorder backlog never stalls the feed.
			}
		}
	}
}

func feedOptions(symbols string, historical bool, from, to, gran string, compression int, cfg *config.Config) ([]feed.Options, error) {
	var granularity models.Granularity
	switch strings.ToLower(gran) {
	case "tick":
		granularity = models.GranularityTick
	case "minute":
		granularity = models.GranularityMinute
	case "day":
		granularity = models.GranularityDay
	default:
		return nil, errors.New("granularity must be tick, minute or day")
	}

	fromTime, err := parseTime(from)
	if err != nil {
		return nil, err
	}
	toTime, err := parseTime(to)
	if err != nil {
		return nil, err
	}
	if historical && fromTime.IsZero() {
		return nil, errors.New("historical replay requires -from")
	}

	var opts []feed.Options
	for _, raw := range strings.Split(symbols, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		opts = append(opts, feed.Options{
			Symbol:        symbol,
			Historical:    historical,
			From:          fromTime,
			To:            toTime,
			Granularity:   granularity,
			Compression:   compression,
			Backfill:      cfg.Feed.Backfill,
			BackfillStart: cfg.Feed.BackfillStart,
			QCheck:        cfg.Feed.QCheck,
		})
	}
	if len(opts) == 0 {
		return nil, errors.New("no symbols given")
	}
	return opts, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New("time must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}
