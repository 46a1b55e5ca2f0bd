package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chainscope/internal/chain"
	"chainscope/internal/config"
	"chainscope/internal/events"
	"chainscope/internal/model"
	"chainscope/internal/scan"
)

func main() {
	root := &cobra.Command{
		Use:          "chainscope",
		Short:        "Bounded in-memory view of recent chain activity",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a node and keep the recent-activity caches warm",
		RunE:  runWatch,
	}

	watchCmd.Flags().String("url", "", "node websocket URL")
	watchCmd.Flags().String("block", "", "0x-prefixed block hash to fetch on start")
	watchCmd.Flags().Int("max-blocks", 2000, "block cache bound")
	watchCmd.Flags().Int("max-events", 2000, "recent-events bound")
	watchCmd.Flags().Int("drain-limit", 100, "events ingested per poll")
	watchCmd.Flags().Int("preload-depth", 100, "historical blocks to preload")
	watchCmd.Flags().Int("channel-capacity", 16, "worker channel capacity")
	watchCmd.Flags().StringSlice("ignore-prefix", []string{"unknown."}, "event label prefixes hidden from recent events")
	watchCmd.Flags().String("topic0-map", "", "extra topic0->label mappings (comma-separated key=value)")
	watchCmd.Flags().Duration("retry-backoff", time.Second, "reconnect backoff")
	watchCmd.Flags().Duration("poll-interval", 250*time.Millisecond, "cache poll interval")
	watchCmd.Flags().String("metrics-addr", "", "prometheus listen address (empty disables)")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(watchCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.URL == "" {
		return fmt.Errorf("node url is required")
	}

	var requestHash *common.Hash
	if cfg.Block != "" {
		hash, err := model.ParseBlockHash(cfg.Block)
		if err != nil {
			return err
		}
		requestHash = &hash
	}

	summarizer, err := events.NewSummarizer(events.SummarizerConfig{Topic0Map: cfg.Topic0Map})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial := func(ctx context.Context, url string) (scan.Conn, error) {
		return chain.Dial(ctx, url)
	}

	engine, worker := scan.NewPipeline(scan.Config{
		MaxBlocks:       cfg.MaxBlocks,
		MaxEvents:       cfg.MaxEvents,
		DrainLimit:      cfg.DrainLimit,
		PreloadDepth:    cfg.PreloadDepth,
		ChannelCapacity: cfg.ChannelCapacity,
		IgnorePrefixes:  cfg.IgnorePrefixes,
		RetryBackoff:    cfg.RetryBackoff,
	}, dial, summarizer, logger)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer server.Close()
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	engine.SetURL(cfg.URL)

	logger.Info("watching",
		zap.String("url", cfg.URL),
		zap.Int("max_blocks", cfg.MaxBlocks),
		zap.Int("max_events", cfg.MaxEvents),
		zap.Int("preload_depth", cfg.PreloadDepth),
	)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var lastBest uint64
	requested := false
	for {
		select {
		case <-ctx.Done():
			engine.Close()
			<-workerDone
			logger.Info("stopped")
			return nil
		case <-ticker.C:
			engine.Poll()

			if requestHash != nil && !requested {
				if _, connected := engine.GenesisHash(); connected {
					engine.RequestBlock(*requestHash)
					requested = true
				}
			}

			if best := engine.BestBlock(); best != lastBest {
				lastBest = best
				reportBest(logger, engine, best)
			}
		}
	}
}

func reportBest(logger *zap.Logger, engine *scan.Engine, best uint64) {
	fields := []zap.Field{zap.Uint64("block", best)}
	if info, ok := engine.BlockByNumber(best); ok {
		fields = append(fields,
			zap.String("hash", info.Hash.Hex()),
			zap.Int("events", len(info.Events)),
		)
	}
	if count := engine.RecentEventCount(); count > 0 {
		limit := count
		if limit > 5 {
			limit = 5
		}
		if recent, err := engine.RecentEvents(0, limit); err == nil {
			labels := make([]string, 0, len(recent))
			for _, s := range recent {
				labels = append(labels, fmt.Sprintf("%s x%d", s.Label, s.Count))
			}
			fields = append(fields, zap.Strings("recent_events", labels))
		}
	}
	logger.Info("new best block", fields...)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
