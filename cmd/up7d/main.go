// up7d -- the upstream session engine. The parent daemon forks one instance
// per downstream peer and hands it the accepted connection; standalone, it
// accepts a single connection itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bsteffensmeier/goldm/internal/config"
	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/mcast"
	up7metrics "github.com/bsteffensmeier/goldm/internal/metrics"
	"github.com/bsteffensmeier/goldm/internal/policy"
	"github.com/bsteffensmeier/goldm/internal/rpc"
	"github.com/bsteffensmeier/goldm/internal/up7"
	"github.com/bsteffensmeier/goldm/internal/vcircuit"
	appversion "github.com/bsteffensmeier/goldm/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain during graceful shutdown.
const shutdownTimeout = 5 * time.Second

var (
	configPath  string
	listenAddr  string
	inheritedFD int
)

// rootCmd runs the engine for exactly one downstream peer.
var rootCmd = &cobra.Command{
	Use:   "up7d",
	Short: "Upstream session engine for one downstream peer",
	Long: "up7d authenticates one downstream subscriber, ensures a multicast\n" +
		"publisher exists for its feed, and serves the missed-product and\n" +
		"backlog recovery streams until the peer disconnects.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("up7d"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "accept one connection on this address (standalone mode)")
	rootCmd.Flags().IntVar(&inheritedFD, "inherited-fd", -1, "serve the connection inherited on this file descriptor")
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
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("up7d starting",
		slog.String("version", appversion.Version),
		slog.String("queue", cfg.Queue.Path),
	)

	reg := prometheus.NewRegistry()
	collector := up7metrics.NewCollector(reg)

	oracle, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		logger.Error("load allow table",
			slog.String("error", err.Error()),
		)
		return err
	}

	conn, err := acceptConnection(logger)
	if err != nil {
		logger.Error("obtain peer connection",
			slog.String("error", err.Error()),
		)
		return err
	}

	pimDir := cfg.Queue.PimDir
	if pimDir == "" {
		pimDir = filepath.Dir(cfg.Queue.Path)
	}

	session := up7.NewSession(
		up7.Config{
			Workgroup:  cfg.Vc.Workgroup,
			LocalVcEnd: cfg.Vc.LocalEndpoint(),
			QueuePath:  cfg.Queue.Path,
			PimDir:     pimDir,
		},
		oracle,
		mcast.NewClient(cfg.Mcast.Socket),
		vcircuit.New(cfg.Vc.Interpreter, cfg.Vc.Script, logger),
		logger,
		up7.WithMetrics(collector),
	)
	// Teardown runs on every exit path, normal and fatal.
	defer session.Close()

	if err := serve(cfg, session, conn, reg, logger); err != nil {
		logger.Error("session failed",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("session ended", slog.String("state", session.State().String()))
	return nil
}

// newLogger builds the root logger from the log configuration.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// acceptConnection produces the single peer connection this engine serves:
// either inherited from the parent daemon or accepted standalone.
func acceptConnection(logger *slog.Logger) (net.Conn, error) {
	if inheritedFD >= 0 {
		f := os.NewFile(uintptr(inheritedFD), "peer")
		if f == nil {
			return nil, fmt.Errorf("file descriptor %d is invalid", inheritedFD)
		}
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("adopt inherited connection: %w", err)
		}
		return conn, nil
	}

	if listenAddr == "" {
		return nil, errors.New("one of --listen or --inherited-fd is required")
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	logger.Info("waiting for downstream peer", slog.String("addr", listenAddr))
	return ln.Accept()
}

// serve runs the RPC dispatcher, and the metrics endpoint when configured,
// under a signal-aware errgroup.
func serve(cfg *config.Config, session *up7.Session, conn net.Conn, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	transport := rpc.NewTransport(conn)
	dispatcher := up7.NewDispatcher(session, transport, logger)
	server := rpc.NewServer(transport, ldm7.Program, ldm7.Version, dispatcher, logger)

	logger.Info("serving downstream peer",
		slog.String("peer", transport.RemoteAddr().String()),
	)

	g.Go(func() error {
		defer stop() // session over: unwind the metrics server too
		return server.Serve(gCtx)
	})

	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Handler: metricsMux(cfg.Metrics, reg),
		}
		g.Go(func() error {
			ln, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			if err := metricsSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// metricsMux builds the metrics endpoint handler.
func metricsMux(cfg config.MetricsConfig, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
