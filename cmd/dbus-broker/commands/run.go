package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/bus"
	"github.com/bitstreamout/dbus-broker/internal/diag"
	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/logger"
	"github.com/bitstreamout/dbus-broker/internal/metrics"
	"github.com/bitstreamout/dbus-broker/internal/socket"
	"github.com/bitstreamout/dbus-broker/internal/tracing"
)

// firstListenFD is the fd systemd socket activation hands off sockets at
// (sd_listen_fds(3)'s SD_LISTEN_FDS_START).
const firstListenFD = 3

var (
	listenFD       int
	logLevel       string
	logFormat      string
	diagAddr       string
	maxMessageSize int
	allowAnonymous bool
	enableTracing  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker core",
	Long: `Run accepts connections on an already-bound listening socket (passed as an
inherited fd, or via systemd socket activation) and drives the broker's
dispatch loop until interrupted.`,
	RunE: runBroker,
}

func init() {
	runCmd.Flags().IntVar(&listenFD, "listen-fd", -1, "inherited listening socket fd (default: systemd LISTEN_FDS, fd 3)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	runCmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	runCmd.Flags().StringVar(&diagAddr, "diag-addr", ":9090", "diagnostics server bind address (/metrics, /healthz)")
	runCmd.Flags().IntVar(&maxMessageSize, "max-message-size", 0, "message size ceiling in bytes (default: 128MiB)")
	runCmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "permit the SASL ANONYMOUS mechanism")
	runCmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "install the OpenTelemetry SDK (no exporter; in-process spans only)")

	_ = viper.BindPFlag("listen_fd", runCmd.Flags().Lookup("listen-fd"))
	_ = viper.BindPFlag("log_level", runCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", runCmd.Flags().Lookup("log-format"))
	_ = viper.BindPFlag("diag_addr", runCmd.Flags().Lookup("diag-addr"))
	_ = viper.BindPFlag("max_message_size", runCmd.Flags().Lookup("max-message-size"))
	_ = viper.BindPFlag("allow_anonymous", runCmd.Flags().Lookup("allow-anonymous"))
	_ = viper.BindPFlag("enable_tracing", runCmd.Flags().Lookup("enable-tracing"))
}

func runBroker(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Config{Level: viper.GetString("log_level"), Format: viper.GetString("log_format")}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if n := viper.GetInt("max_message_size"); n > 0 {
		socket.SetMaxMessageSize(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingShutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:        viper.GetBool("enable_tracing"),
		ServiceName:    "dbus-broker",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracingShutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown error", logger.KeyError, err.Error())
		}
	}()

	fd, err := resolveListenFD()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set listen fd %d non-blocking: %w", fd, err)
	}

	d, err := dispatch.New()
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	defer func() { _ = d.Close() }()

	b := bus.New(d, bus.Config{AllowAnonymous: viper.GetBool("allow_anonymous")})
	defer b.Close()

	if err := b.AddListener(fd); err != nil {
		return fmt.Errorf("add listener fd %d: %w", fd, err)
	}
	logger.Info("listening", logger.KeyFD, fd)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	diagServer := diag.NewServer(diag.Config{Addr: viper.GetString("diag_addr")}, reg, func() error { return nil })
	diagDone := make(chan error, 1)
	go func() { diagDone <- diagServer.Start(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- d.Run(ctx) }()

	logger.Info("broker running, press ctrl+c to stop")
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	case err := <-dispatchDone:
		cancel()
		if err != nil {
			return fmt.Errorf("dispatcher stopped: %w", err)
		}
	}

	<-diagDone
	logger.Info("broker stopped")
	return nil
}

// resolveListenFD picks the listening-socket fd: an explicit flag/env value
// takes priority; otherwise it honors systemd socket activation
// (LISTEN_PID/LISTEN_FDS) or just assumes the conventional fd 3, which is
// what both conventions hand the process when exactly one socket is passed.
func resolveListenFD() (int, error) {
	if fd := viper.GetInt("listen_fd"); fd >= 0 {
		return fd, nil
	}

	if pidStr := os.Getenv("LISTEN_PID"); pidStr != "" {
		if pid, err := strconv.Atoi(pidStr); err != nil || pid != os.Getpid() {
			return 0, fmt.Errorf("cmd: LISTEN_PID %q does not match this process; refusing to guess a listen fd", pidStr)
		}
		if n, err := strconv.Atoi(os.Getenv("LISTEN_FDS")); err != nil || n < 1 {
			return 0, fmt.Errorf("cmd: LISTEN_PID set but LISTEN_FDS is missing or zero")
		}
	}

	return firstListenFD, nil
}
