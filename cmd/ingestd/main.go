// Command ingestd polls the configured sources into a SQLite corpus and
// serves it read-only over HTTP and MCP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ingestd/ingest"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "ingestd",
		Short:        "Multi-source ingestion orchestrator and query API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INGEST_CONFIG"), "YAML config file")

	root.AddCommand(
		serveCmd(&configPath),
		statsCmd(&configPath),
		exportCmd(&configPath),
		enableCmd(&configPath),
		checkConfigCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ingestd %s\n", version)
			},
		},
	)
	return root
}

func newLogger(level string, out io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

// open loads the config and opens the service without starting it.
// Offline commands log to stderr so their stdout stays machine readable.
func open(configPath string) (*ingest.Service, error) {
	cfg, err := ingest.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return ingest.New(cfg, newLogger(cfg.LogLevel, os.Stderr))
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run connectors and serve the query API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ingest.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, os.Stdout)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := ingest.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           svc.Routes(version),
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      60 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.Info("ingestd: listening", "addr", cfg.Addr, "connectors", len(cfg.Connectors))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case <-ctx.Done():
			case err = <-errc:
				cancel()
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
			defer stop()
			if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
				logger.Error("ingestd: shutdown", "error", sErr)
			}
			svc.Wait()
			logger.Info("ingestd: stopped")
			return err
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print corpus counters and connector states as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			states, err := svc.ConnectorStates(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"stats": st, "connectors": states})
		},
	}
}

func exportCmd(configPath *string) *cobra.Command {
	var (
		format, out                             string
		source, connectorID, since, until, text string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records as JSON lines or one markdown file per record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ingest.ParseFilter(source, connectorID, since, until, text)
			if err != nil {
				return err
			}
			svc, err := open(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			var n int
			switch format {
			case "md":
				if out == "" {
					return errors.New("export: --out directory is required for md")
				}
				n, err = svc.ExportMarkdown(cmd.Context(), f, out)
			case "json":
				w := cmd.OutOrStdout()
				if out != "" && out != "-" {
					file, cErr := os.Create(out)
					if cErr != nil {
						return cErr
					}
					defer file.Close()
					w = file
				}
				n, err = svc.ExportJSON(cmd.Context(), f, w)
			default:
				return fmt.Errorf("export: unknown format %q (json|md)", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json or md")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (json, default stdout) or directory (md)")
	cmd.Flags().StringVar(&source, "source", "", "only this source")
	cmd.Flags().StringVar(&connectorID, "connector", "", "only this connector")
	cmd.Flags().StringVar(&since, "since", "", "ingested at or after (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "ingested before (RFC3339)")
	cmd.Flags().StringVar(&text, "text", "", "substring of title or text")
	return cmd
}

func enableCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <connector-id>",
		Short: "Re-enable a disabled connector (applied at next start)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := open(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.EnableConnector(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connector %s enabled\n", args[0])
			return nil
		},
	}
}

func checkConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config and build every connector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ingest.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := ingest.CheckConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d connectors\n", len(cfg.Connectors))
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
