// Package main provides the CLI entry point for socks5d.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/socks5d/socks5d/internal/config"
	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/metrics"
	"github.com/socks5d/socks5d/internal/recovery"
	"github.com/socks5d/socks5d/internal/resolver"
	"github.com/socks5d/socks5d/internal/server"
	"github.com/socks5d/socks5d/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "A RFC 1928/1929 SOCKS5 proxy server",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(hashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy server",
		Long:  "Load the configuration document and run the proxy until SIGINT, SIGTERM, or SIGQUIT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()

			if cfg.Metrics.Listen != "" {
				startMetricsServer(cfg.Metrics.Listen, logger)
			}

			deps := session.Deps{
				Resolver: resolver.NewSystemResolver(),
				Dialer:   &netDialer{},
				Metrics:  m,
			}
			srv := server.New(cfg, deps, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()

			logger.Info("starting socks5d",
				logging.KeyAddress, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				logging.KeyCount, cfg.Server.ThreadNum)

			if err := srv.Serve(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.json", "Path to the JSON configuration document")
	return cmd
}

func startMetricsServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		defer recovery.RecoverWithLog(logger, "metrics-server")
		logger.Info("serving metrics", logging.KeyAddress, addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", logging.KeyError, err)
		}
	}()
}

func hashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash of a password for auth.password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = string(pwBytes)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("generate hash: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")
	return cmd
}

// netDialer adapts *net.Dialer to session.Dialer.
type netDialer struct {
	d net.Dialer
}

func (n *netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}
