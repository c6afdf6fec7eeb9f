// whatif — permission what-if simulator.
// Lets an administrator see what a collection query would return for a
// specific user, role, or the public, without authenticating as them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ppiankov/whatif/internal/config"
	"github.com/ppiankov/whatif/internal/server"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "whatif",
		Short:         "simulate collection queries under a different security identity",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		flagConfig string
		flagListen string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the simulation HTTP service",
		Long: `Runs the whatif HTTP service.

The service answers POST /simulate requests by running the query against
the upstream data platform under a synthesized identity and comparing
the result with the requester's own.

Examples:
  whatif serve --config /etc/whatif/config.yaml
  whatif serve --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, hash, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagListen != "" {
				cfg.Listen = flagListen
			}

			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			srv := server.New(cfg, hash, flagConfig, log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if flagConfig != "" {
				reloader, err := server.NewReloader(srv, log)
				if err != nil {
					log.Warn("config hot-reload disabled", zap.Error(err))
				} else {
					go reloader.Run(ctx)
				}
			}

			log.Info("starting whatif",
				zap.String("version", version),
				zap.String("config_hash", hash),
				zap.String("upstream", cfg.Upstream.BaseURL))
			return srv.Start(ctx)
		},
	}
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address (overrides config)")

	checkCmd := &cobra.Command{
		Use:   "check [config]",
		Short: "validate a config file and print its hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runCheck(path, cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print whatif version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("whatif %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "whatif: %s\n", err)
		os.Exit(1)
	}
}

// runCheck validates a config file and prints its hash. An explicitly
// named file must exist; only the empty path falls back to defaults.
func runCheck(path string, out io.Writer) error {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot read config %q: %w", path, err)
		}
	}
	cfg, hash, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config ok\n")
	fmt.Fprintf(out, "  hash:     %s\n", hash)
	fmt.Fprintf(out, "  listen:   %s\n", cfg.Listen)
	fmt.Fprintf(out, "  upstream: %s\n", cfg.Upstream.BaseURL)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
