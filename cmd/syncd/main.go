package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kitsync/internal/config"
	"kitsync/internal/eventlog"
	"kitsync/internal/gateway"
	"kitsync/internal/metrics"
	"kitsync/internal/recovery"
	"kitsync/internal/registry"
	"kitsync/internal/sched"
	"kitsync/internal/store"
	"kitsync/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// Flags override the environment for local runs.
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "http listen address")
	flag.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "state backend: memory|badger|pebble")
	flag.StringVar(&cfg.ReplaySource, "replay-source", cfg.ReplaySource, "boot replay source: none|file|kafka")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", cfg.KafkaBootstrap, "kafka bootstrap servers")
	flag.Parse()

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("syncd failed")
	}
}

func newLogger(cfg config.App) zerolog.Logger {
	var out = os.Stderr
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(out).With().Timestamp().Logger().Level(level)
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}

func run(cfg config.App, logger zerolog.Logger) error {
	logger.Info().Str("backend", cfg.StateBackend).Str("listen", cfg.ListenAddr).Msg("starting syncd")

	// Entity store
	var st store.Store
	switch cfg.StateBackend {
	case "badger":
		bs, err := store.NewBadgerStore(cfg.DataDir + "/badger")
		if err != nil {
			return fmt.Errorf("init badger: %w", err)
		}
		defer bs.Close()
		st = bs
	case "pebble":
		ps, err := store.NewPebbleStore(cfg.DataDir + "/pebble")
		if err != nil {
			return fmt.Errorf("init pebble: %w", err)
		}
		defer ps.Close()
		st = ps
	default:
		st = store.NewInMemoryStore()
	}

	mreg := metrics.NewRegistry()

	// Boot replay: rebuild the memory backend and learn the last
	// sequence number so numbering stays monotonic across restarts.
	var lastSeq int64
	switch cfg.ReplaySource {
	case "file":
		rep := recovery.NewReplayer(replayTarget(cfg, st))
		res := rep.ReplayFile(cfg.JournalDir+"/"+cfg.JournalFile, 0)
		if res.Error != nil {
			return fmt.Errorf("replay journal: %w", res.Error)
		}
		lastSeq = res.MaxSeq
		mreg.ReplayApplied.Add(float64(res.Applied))
		mreg.ReplaySkipped.Add(float64(res.Skipped))
		logger.Info().Int("applied", res.Applied).Int("skipped", res.Skipped).Int64("lastSeq", lastSeq).Msg("journal replayed")
	case "kafka":
		if cfg.KafkaBootstrap == "" {
			return fmt.Errorf("replay-source=kafka requires kafka bootstrap")
		}
		rep := recovery.NewReplayer(replayTarget(cfg, st))
		res := rep.ReplayKafka([]string{cfg.KafkaBootstrap}, cfg.KafkaTopic, 0, 20*time.Second)
		if res.Error != nil {
			return fmt.Errorf("replay kafka: %w", res.Error)
		}
		lastSeq = res.MaxSeq
		mreg.ReplayApplied.Add(float64(res.Applied))
		mreg.ReplaySkipped.Add(float64(res.Skipped))
		logger.Info().Int("applied", res.Applied).Int("skipped", res.Skipped).Int64("lastSeq", lastSeq).Msg("kafka topic replayed")
	}

	elog := eventlog.NewLogAt(cfg.Retention, lastSeq)
	defer elog.Close()

	// Durable sinks
	var sink eventlog.Writer
	if cfg.JournalOn {
		fw, err := eventlog.NewFileWriter(cfg.JournalDir, cfg.JournalFile)
		if err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		sink = fw
	}
	if cfg.KafkaBootstrap != "" {
		kw := eventlog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.KafkaTopic)
		if sink == nil {
			sink = kw
		} else {
			sink = eventlog.NewMultiWriter(sink, kw)
		}
	}

	var opts []gateway.Option
	if sink != nil {
		opts = append(opts, gateway.WithSink(sink))
	}
	gw := gateway.New(st, elog, mreg, logger, opts...)

	reg := registry.New()
	srv := transport.NewServer(gw, elog, reg, st, mreg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.RunDispatcher(ctx)

	sweeper := sched.NewSweeper(gw, st, mreg, logger, time.Duration(cfg.SweepIntervalSec)*time.Second)
	go sweeper.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// replayTarget picks where replayed state lands. Disk backends already
// hold their state; replay only feeds them through a throwaway store so
// the max sequence number can still be recovered.
func replayTarget(cfg config.App, st store.Store) store.Store {
	if cfg.StateBackend == "memory" {
		return st
	}
	return store.NewInMemoryStore()
}
