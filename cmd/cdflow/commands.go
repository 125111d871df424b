package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/cdflow/internal/diagram"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/internal/validation"
	"github.com/rendis/cdflow/pkg/schema"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the executor and its MCP control surface on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), loadConfig())
		},
	}
}

func newInitCmd() *cobra.Command {
	var cfg Config
	defaults := defaultConfig()

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write settings.json and signal a running server to reload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(cdflowDir(), 0o700); err != nil {
				return fmt.Errorf("create %s: %w", cdflowDir(), err)
			}
			if err := writeSettings(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", settingsPath())
			if pid, ok := signalRunningServer(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Signaled running server (PID %d) to reload configuration\n", pid)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.DBPath, "db-path", defaults.DBPath, "database path")
	f.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	f.IntVar(&cfg.PoolSize, "pool-size", defaults.PoolSize, "worker pool size")
	f.StringVar(&cfg.DefaultWaitTimeout, "default-wait-timeout", defaults.DefaultWaitTimeout, "timeout of waiting states that set none")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "prometheus listen address (empty disables)")
	f.StringVar(&cfg.ExpirySpec, "expiry-spec", defaults.ExpirySpec, "cron spec of the expiry scan")
	f.StringVar(&cfg.PurgeSpec, "purge-spec", defaults.PurgeSpec, "cron spec of the event purge (empty disables)")
	f.IntVar(&cfg.EventRetentionDays, "event-retention-days", defaults.EventRetentionDays, "days of events to keep")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			st, err := openStore(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.DBPath)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.json>...",
		Short: "Validate workflow definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := validation.NewWorkflowValidator(states.NewFactory(states.Deps{}))
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				result, err := validateFile(validator, path)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "%s: warning: %s: %s\n", path, w.Path, w.Message)
				}
				for _, e := range result.Errors {
					fmt.Fprintf(out, "%s: %s: %s [%s]\n", path, e.Path, e.Message, e.Code)
				}
				if !result.Valid() {
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "graph <definition.json>",
		Short: "Render a workflow definition as Mermaid, PNG or SVG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, states.NewFactory(states.Deps{}), nil)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			default:
				data, err = diagram.RenderImage(cmd.Context(), model, diagram.Format(format))
				if err != nil {
					return err
				}
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid, png, svg")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &def, nil
}

func validateFile(v *validation.WorkflowValidator, path string) (*schema.ValidationResult, error) {
	def, err := readDefinition(path)
	if err != nil {
		return nil, err
	}
	return v.Validate(def), nil
}

func openStore(ctx context.Context, dbPath string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func writeSettings(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(settingsPath(), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", settingsPath(), err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running cdflow server (via pidfile).
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
