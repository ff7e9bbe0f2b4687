// Command pixelcanvas runs the pixel-canvas ingester, applier, and serving
// layer, or performs one-off operational tasks against a running KS
// instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pixelcanvas/internal/chainsource"
	"pixelcanvas/internal/ingest"
	"pixelcanvas/internal/model"
	"pixelcanvas/internal/store"
	"pixelcanvas/internal/supervisor"
	"pixelcanvas/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pixelcanvas",
		Short: "Ingest, apply, and serve the shared pixel canvas",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCursorCmd())
	root.AddCommand(newLockRegionCmd())
	return root
}

func loadLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func newServeCmd() *cobra.Command {
	var chainRPCURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingester, applier, and HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := loadLogger(cfg.Logging.Level)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sup := supervisor.New(supervisor.Config{
				StoreURL:        cfg.Store.URL,
				ContractID:      cfg.Chain.ContractID,
				StartBlock:      cfg.Chain.StartBlock,
				ListenAddr:      cfg.Server.ListenAddr,
				AdminToken:      cfg.Server.AdminToken,
				ConsumerTimeout: cfg.Server.ConsumerTimeout,
				Logger:          logger,
			})

			return sup.Run(ctx, func(ks store.KS) ingest.BlockSource {
				fromHeight := loadCursorOrDefault(ctx, ks, cfg.Chain.StartBlock, logger)
				return chainsource.NewRPCSource(chainRPCURL, fromHeight, cfg.Server.ConsumerTimeout)
			})
		},
	}
	cmd.Flags().StringVar(&chainRPCURL, "chain-rpc-url", os.Getenv("CHAIN_RPC_URL"), "base URL of the chain indexer/node JSON endpoint")
	return cmd
}

// loadCursorOrDefault reads the persisted last_processed_block cursor so the
// block source resumes near the tip across restarts instead of replaying
// from the static configured start height every time. It falls back to
// startBlock if no cursor has been written yet or it fails to parse.
func loadCursorOrDefault(ctx context.Context, ks store.KS, startBlock uint64, logger *logrus.Logger) uint64 {
	raw, err := ks.Get(ctx, store.KeyLastProcessedBlk)
	if err != nil {
		logger.WithError(err).Warn("main: failed to read last_processed_block cursor, using configured start block")
		return startBlock
	}
	if raw == nil {
		return startBlock
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		logger.WithError(err).Warn("main: malformed last_processed_block cursor, using configured start block")
		return startBlock
	}
	return n
}

func newMigrateCursorCmd() *cobra.Command {
	var height uint64
	cmd := &cobra.Command{
		Use:   "migrate-cursor",
		Short: "Manually set last_processed_block, e.g. to skip a corrupted range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			ks, err := store.NewRedisStore(cfg.Store.URL)
			if err != nil {
				return err
			}
			defer ks.Close()
			return ks.Set(context.Background(), store.KeyLastProcessedBlk, []byte(fmt.Sprintf("%d", height)))
		},
	}
	cmd.Flags().Uint64Var(&height, "height", 0, "block height to resume from")
	_ = cmd.MarkFlagRequired("height")
	return cmd
}

func newLockRegionCmd() *cobra.Command {
	var rx, ry int32
	cmd := &cobra.Command{
		Use:   "lock-region",
		Short: "Administratively lock a region so the applier refuses further admission",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			ks, err := store.NewRedisStore(cfg.Store.URL)
			if err != nil {
				return err
			}
			defer ks.Close()
			coord := model.RegionCoord{RX: rx, RY: ry}
			_, err = ks.SAdd(context.Background(), store.KeyLockedRegions, coord.String())
			return err
		},
	}
	cmd.Flags().Int32Var(&rx, "rx", 0, "region x coordinate")
	cmd.Flags().Int32Var(&ry, "ry", 0, "region y coordinate")
	return cmd
}
