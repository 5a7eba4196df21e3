// mcastmgr -- the multicast manager daemon. Owns the per-feed publisher
// registry and FMTP address pools, and answers subscribe/unsubscribe from
// the per-peer session engines over a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bsteffensmeier/goldm/internal/config"
	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/mcast"
	appversion "github.com/bsteffensmeier/goldm/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mcastmgr",
	Short: "Multicast manager for the session engines",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("mcastmgr"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	mgr := mcast.NewInProcess(logger)
	for i, pc := range cfg.Mcast.Publishers {
		pub, err := buildPublisher(pc)
		if err != nil {
			return fmt.Errorf("publisher %d: %w", i, err)
		}
		mgr.AddPublisher(pub)
		logger.Info("publisher registered",
			slog.String("feed", pub.Feed.String()),
			slog.String("group", pub.Group.String()),
		)
	}

	srv, err := mcast.NewServer(cfg.Mcast.Socket, mgr, logger)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Mcast.Socket, err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("multicast manager listening",
			slog.String("socket", cfg.Mcast.Socket),
		)
		return srv.Serve(gCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("multicast manager stopped")
	return err
}

// buildPublisher converts a config entry into a registry entry.
func buildPublisher(pc config.PublisherConfig) (*mcast.Publisher, error) {
	feed, err := ldm7.ParseFeed(pc.Feed)
	if err != nil {
		return nil, err
	}
	group, err := netip.ParseAddrPort(pc.Group)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	fmtp, err := netip.ParseAddrPort(pc.Fmtp)
	if err != nil {
		return nil, fmt.Errorf("fmtp: %w", err)
	}
	prefix, err := netip.ParsePrefix(pc.Pool)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	pool, err := mcast.NewAddrPool(prefix)
	if err != nil {
		return nil, err
	}
	return &mcast.Publisher{
		Feed:       feed,
		Group:      group,
		FmtpServer: fmtp,
		Pool:       pool,
	}, nil
}
