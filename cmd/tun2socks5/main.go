// Command tun2socks5 is the process entrypoint: load the configuration
// contract, bring up the tunnel orchestrator, and run it until a signal or
// the orchestrator itself asks to stop. Grounded on the teacher's
// cmd/outline-ws (root/subcommand layout via github.com/spf13/cobra) and
// cmd/outline-cli-ws (config→run→signal-driven-shutdown wiring).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tun2socks5/internal/adminapi"
	"tun2socks5/internal/metrics"
	"tun2socks5/internal/orchestrator"
	"tun2socks5/pkg/tun2socks5"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath   string
	logLevel  string
	externFD  int
	adminAddr string
)

var rootCmd = &cobra.Command{
	Use:   "tun2socks5",
	Short: "TUN-to-SOCKS5 gateway",
	Long:  "A user-space TCP/IP gateway that routes TUN traffic to a SOCKS5 upstream.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway until interrupted",
	RunE:  runTunnel,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query a running instance's admin API for its stats",
	RunE:  fetchStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	runCmd.Flags().IntVar(&externFD, "extern-tun-fd", -1, "externally opened TUN file descriptor; -1 opens one internally")

	statsCmd.Flags().StringVar(&adminAddr, "admin", "http://127.0.0.1:9200", "base URL of a running instance's admin API")

	rootCmd.AddCommand(runCmd, statsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func runTunnel(cmd *cobra.Command, args []string) error {
	// SIGPIPE is ignored process-wide (spec.md §6); writes to a closed
	// upstream socket surface as an EPIPE error return instead of a signal.
	signal.Ignore(syscall.SIGPIPE)

	log, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	cfg, err := tun2socks5.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	tun := tun2socks5.New(cfg, log)
	if err := tun.Init(externFD); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsListen != "" {
		collectors, reg := metrics.New()
		go collectMetricsLoop(ctx, tun, collectors)
		go func() {
			if err := metrics.Server(ctx, cfg.MetricsListen, reg); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsListen))
	}

	if cfg.AdminListen != "" {
		admin := adminapi.New(cfg.AdminListen, tun, log)
		go func() {
			if err := admin.Run(ctx); err != nil {
				log.Warn("admin api stopped", zap.Error(err))
			}
		}()
		log.Info("admin api listening", zap.String("addr", cfg.AdminListen))
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutting down")
		tun.Stop()
	}()

	runErr := tun.Run()
	cancel()

	if finiErr := tun.Fini(); finiErr != nil {
		log.Warn("fini error", zap.Error(finiErr))
	}

	return runErr
}

// collectMetricsLoop snapshots the orchestrator's collaborators into c on a
// fixed interval until ctx is canceled.
func collectMetricsLoop(ctx context.Context, tun *orchestrator.Orchestrator, c *metrics.Collectors) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tun.CollectMetrics(c)
		}
	}
}

func fetchStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(adminAddr + "/stats")
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stats: read response: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
