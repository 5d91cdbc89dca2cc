package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/soledb/soledb/internal/bus"
	"github.com/soledb/soledb/internal/core"
	"github.com/soledb/soledb/internal/lock"
	"github.com/soledb/soledb/internal/observability"
	"github.com/soledb/soledb/internal/server"
	"github.com/soledb/soledb/internal/session"
)

var (
	logLevel string
	levelVar = new(slog.LevelVar)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "soledb",
	Short: "soledb — single-owner coordination for an embedded SQLite database",
	Long:  "Runs one application instance against a shared database file. One instance owns the live engine; every other instance proxies to it over the instance bus.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one instance",
	RunE:  runServe,
}

var (
	bindAddr     string
	dataDir      string
	busAddr      string
	sessionDir   string
	rpcTimeout   = 5 * time.Second
	readOnly     bool
	otelEnabled  bool
	otelEndpoint string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:7680", "HTTP bind address for this instance")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the shared database file and locks")
	serveCmd.Flags().StringVar(&busAddr, "bus-addr", "127.0.0.1:7643", "Instance bus address (first instance to bind becomes the hub)")
	serveCmd.Flags().StringVar(&sessionDir, "session-dir", "", "Per-instance session directory (default: <data-dir>/sessions/<bind-port>)")
	serveCmd.Flags().DurationVar(&rpcTimeout, "rpc-timeout", 5*time.Second, "Budget for one proxied call to the owner")
	serveCmd.Flags().BoolVar(&readOnly, "read-only", false, "Accept read-only mode immediately at startup")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(statusCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if sessionDir == "" {
		port := bindAddr
		if i := strings.LastIndexByte(bindAddr, ':'); i >= 0 {
			port = bindAddr[i+1:]
		}
		sessionDir = filepath.Join(dataDir, "sessions", port)
	}

	sess, err := session.Open(sessionDir)
	if err != nil {
		return err
	}
	defer sess.Close()

	locks, err := lock.NewFileProvider(filepath.Join(dataDir, "locks"))
	if err != nil {
		return err
	}

	instanceBus, err := bus.DialTCP(busAddr)
	if err != nil {
		return err
	}

	c, err := core.New(core.Config{
		DataDir:        filepath.Join(dataDir, "db"),
		Locks:          locks,
		Bus:            instanceBus,
		Session:        sess,
		RPCTimeout:     rpcTimeout,
		LogLevel:       levelVar,
		PromoteRestart: restartProcess,
	})
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(otelEnabled, c.InstanceID(), otelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	if err := c.Initialize(); err != nil {
		return err
	}
	if readOnly {
		if err := c.AcceptReadOnlyMode(); err != nil {
			return err
		}
	}

	srv := server.New(c, bindAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		c.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return c.Close()
}

// restartProcess implements the promotion contract: a follower that wins
// the advisory lock re-executes itself so the engine starts from a clean
// state. The handle is released just before exec (the flock fd is CLOEXEC
// and would not survive it); the restarted process re-races for the lock
// from Initializing and may lose to another queued follower, in which case
// it simply queues again.
func restartProcess(h lock.Handle) {
	slog.Info("restarting for promotion")
	h.Release()
	exe, err := os.Executable()
	if err != nil {
		slog.Error("cannot restart: no executable path", "error", err)
		os.Exit(3)
	}
	if err := unix.Exec(exe, os.Args, os.Environ()); err != nil {
		slog.Error("exec failed", "error", err)
		os.Exit(3)
	}
}

func setupLogging() {
	switch logLevel {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(handler))
}
