// Command cortex-evolution runs the concept-graph learning engine, either as
// an HTTP service or through one-shot maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/cortex-evolution/internal/config"
	"github.com/normanking/cortex-evolution/internal/engine"
	"github.com/normanking/cortex-evolution/internal/logging"
)

var (
	version   = "0.1.0"
	cfgPath   string
	dbPath    string
	verbose   bool
	logFormat string
	noColor   bool
	logger    *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cortex-evolution",
		Short: "Concept-graph learning engine",
		Long: `cortex-evolution grows a weighted graph of concepts from ingested batches,
scores capabilities from its shape and reports milestones as events.

Run the API:          cortex-evolution serve
Ingest concepts:      cortex-evolution ingest golang:2 channels
Show status:          cortex-evolution status`,
		PersistentPreRunE:  initLogging,
		PersistentPostRunE: closeLogging,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortex/evolution.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides persistence.db_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortex-evolution v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cascadeCmd())
	rootCmd.AddCommand(decayCmd())
	rootCmd.AddCommand(flushCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	// A broken config file is reported by the command that needs it.
	cfg, cfgErr := loadConfig()
	if cfgErr != nil {
		cfg = config.Default()
	}

	var lc *logging.Config
	if verbose {
		lc = logging.VerboseConfig()
	} else {
		lc = logging.DefaultConfig()
		lc.Level = cfg.Logging.Level
	}
	lc.Format = cfg.Logging.Format
	if logFormat != "" {
		lc.Format = logFormat
	}
	lc.Colored = !noColor
	lc.FilePath = cfg.Logging.File

	l, err := logging.Setup(lc)
	logger = l
	if err != nil {
		// Console logging still works without the file.
		log.Warn().Err(err).Str("path", lc.FilePath).Msg("file logging disabled")
	}

	if cfgErr != nil {
		log.Debug().Err(cfgErr).Msg("using default logging settings")
	}

	log.Debug().
		Str("config", configPath()).
		Str("db", cfg.Persistence.DBPath).
		Bool("persistence", cfg.Persistence.Enabled).
		Msg("configuration loaded")
	return nil
}

func closeLogging(cmd *cobra.Command, args []string) error {
	if logger != nil {
		return logger.Close()
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "evolution.yaml"
	}
	return path
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(configPath())
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Persistence.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath(), err)
	}
	return cfg, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", configPath(), out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(configPath())
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openEngine builds an engine and restores persisted state. A store that
// cannot be opened leaves the engine running degraded, which is reported but
// not fatal.
func openEngine(ctx context.Context, cfg *config.Config, opts ...engine.Option) (*engine.Engine, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	eng := engine.New(cfg, opts...)
	if err := eng.Load(ctx); err != nil {
		if !errors.Is(err, engine.ErrDegraded) {
			return nil, err
		}
		log.Warn().Err(err).Msg("running without persistence")
	}
	if rec := eng.Recovery(); rec != nil && rec.QuarantinedTo != "" {
		log.Warn().Str("moved_to", rec.QuarantinedTo).Msg("corrupt database quarantined, started fresh")
	}
	return eng, nil
}

// withEngine runs fn against a freshly loaded engine and stops it afterwards,
// which writes a final flush.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := fn(ctx, eng)
	stopErr := eng.Stop(context.Background())
	return errors.Join(runErr, stopErr)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
