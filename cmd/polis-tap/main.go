// Package main is the entry point for the polis-tap binary.
// It runs the transparent observability proxy in front of a single upstream.
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
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/logging"
	"github.com/polisai/polis-tap/pkg/proxy"
	"github.com/polisai/polis-tap/pkg/telemetry"
)

const (
	serviceName              = "polis-tap"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
	readHeaderTimeout        = 10 * time.Second
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-tap
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-tap",
		Short: "Transparent HTTP proxy with request observability",
		Long: `A reverse proxy that forwards every request unchanged to TARGET_SERVICE
and writes one structured JSON record per request.

Bearer tokens and the HYPER-AUTH-TOKEN cookie are inspected for expiry and
shape. Problems are logged as warnings; requests are never blocked.

Example:
  TARGET_SERVICE=http://backend:8080 polis-tap --port 3000`,
		SilenceUsage: true,
		RunE:         runProxy,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().IntP("port", "p", config.DefaultPort, "Port to listen on")
	rootCmd.Flags().StringP("target", "t", "", "Upstream base URL (overrides TARGET_SERVICE)")
	rootCmd.Flags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("admin-listen", "", "Listen address for /metrics and /healthz")
	rootCmd.Flags().Duration("upstream-timeout", 0, "Upper bound for one upstream exchange (0 disables)")

	return rootCmd
}

// buildConfig loads file and environment configuration and applies the flags
// the user set explicitly.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		if cfg.Server.Port, err = flags.GetInt("port"); err != nil {
			return nil, fmt.Errorf("failed to get port flag: %w", err)
		}
	}
	if flags.Changed("target") {
		if cfg.Upstream.Target, err = flags.GetString("target"); err != nil {
			return nil, fmt.Errorf("failed to get target flag: %w", err)
		}
	}
	if flags.Changed("log-level") {
		if cfg.Logging.Level, err = flags.GetString("log-level"); err != nil {
			return nil, fmt.Errorf("failed to get log-level flag: %w", err)
		}
	}
	if flags.Changed("admin-listen") {
		if cfg.Server.AdminAddress, err = flags.GetString("admin-listen"); err != nil {
			return nil, fmt.Errorf("failed to get admin-listen flag: %w", err)
		}
	}
	if flags.Changed("upstream-timeout") {
		if cfg.Upstream.Timeout, err = flags.GetDuration("upstream-timeout"); err != nil {
			return nil, fmt.Errorf("failed to get upstream-timeout flag: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// runProxy is the main entry point for the root command
func runProxy(cmd *cobra.Command, _ []string) error {
	startedAt := time.Now()

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}).With("instance", uuid.NewString())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger, startedAt)
}

// run wires telemetry, metrics and the proxy handler, then serves until ctx
// is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, startedAt time.Time) error {
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics := proxy.NewMetrics()
	handler, err := proxy.NewHandler(proxy.HandlerConfig{
		Upstream: cfg.Upstream,
		Logger:   logger,
		Metrics:  metrics,
		Started:  startedAt,
	})
	if err != nil {
		return err
	}

	dataLn, err := net.Listen("tcp", cfg.Server.DataAddress())
	if err != nil {
		return fmt.Errorf("data listener: %w", err)
	}

	var adminLn net.Listener
	if cfg.Server.AdminAddress != "" {
		adminLn, err = net.Listen("tcp", cfg.Server.AdminAddress)
		if err != nil {
			_ = dataLn.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
	}

	if !cfg.Upstream.Configured() {
		logger.Warn("TARGET_SERVICE is not set; non-health requests will fail with 500")
	}

	return serve(ctx, logger, listeners{
		data:  dataLn,
		admin: adminLn,
	}, otelhttp.NewHandler(handler, "proxy.data"), newAdminHandler(metrics), cfg.Upstream.Target)
}

type listeners struct {
	data  net.Listener
	admin net.Listener
}

// serve runs the data server and, when a listener is given, the admin server.
// It returns after ctx is cancelled and both have drained, or as soon as one
// of them fails.
func serve(ctx context.Context, logger *slog.Logger, ln listeners, data, admin http.Handler, target string) error {
	servers := []*http.Server{{Handler: data, ReadHeaderTimeout: readHeaderTimeout}}
	lns := []net.Listener{ln.data}
	names := []string{"data"}
	if ln.admin != nil {
		servers = append(servers, &http.Server{Handler: admin, ReadHeaderTimeout: readHeaderTimeout})
		lns = append(lns, ln.admin)
		names = append(names, "admin")
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func() {
			if err := srv.Serve(lns[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", names[i], err)
			}
		}()
	}

	logger.Info("proxy server running",
		"url", "http://localhost:"+portOf(ln.data.Addr()),
		"target", target,
	)
	if ln.admin != nil {
		logger.Info("admin server listening", "addr", ln.admin.Addr().String())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, draining connections")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	for i, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "server", names[i], "error", err)
		}
	}

	logger.Info("proxy stopped")
	return serveErr
}

// newAdminHandler exposes Prometheus metrics and a process liveness probe.
func newAdminHandler(metrics *proxy.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func portOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return strconv.Itoa(tcp.Port)
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return port
}
