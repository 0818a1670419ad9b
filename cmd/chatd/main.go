package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	chatd "github.com/ehrlich-b/go-chatd"
	"github.com/ehrlich-b/go-chatd/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "TCP chat broker on an io_uring event loop",
	Long: `chatd is a single-process TCP chat broker. Clients connect, set a
username, and create groups over a length-prefixed binary protocol; the
server runs everything on one thread over an io_uring completion queue.

Configuration precedence: flags, then CHATD_* environment variables, then a
config file given with --config.`,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "config file (yaml)")
	flags.Int("port", chatd.DefaultPort, "TCP port to listen on")
	flags.Int("backlog", chatd.DefaultBacklog, "listen backlog")
	flags.Uint32("ring-entries", chatd.DefaultRingEntries, "io_uring submission queue depth")
	flags.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (disabled when empty)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	for _, name := range []string{"port", "backlog", "ring-entries", "metrics-addr", "log-level"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("CHATD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(viper.GetString("log-level"))
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := chatd.NewMetrics(prometheus.DefaultRegisterer)
	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", "addr", addr, "error", err)
			}
		}()
		logger.Info("metrics endpoint up", "addr", addr)
	}

	srv, err := chatd.New(chatd.Config{
		Port:        viper.GetInt("port"),
		Backlog:     viper.GetInt("backlog"),
		RingEntries: viper.GetUint32("ring-entries"),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
