package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortex-evolution/internal/config"
	"github.com/normanking/cortex-evolution/internal/engine"
	"github.com/normanking/cortex-evolution/internal/metrics"
	"github.com/normanking/cortex-evolution/internal/normalize"
	"github.com/normanking/cortex-evolution/internal/server"
	"github.com/normanking/cortex-evolution/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the evolution engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			shutdownTelemetry, err := telemetry.Setup(cfg.Telemetry.ServiceName, version, cfg.Telemetry.Enabled)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(ctx); err != nil {
					log.Warn().Err(err).Msg("telemetry shutdown")
				}
			}()

			ctx, stop := signalContext()
			defer stop()

			eng, err := openEngine(ctx, cfg, engine.WithTracer(telemetry.Tracer("cortex-evolution/engine")))
			if err != nil {
				return err
			}

			collector, err := metrics.NewCollector(eng.Events(), metrics.WithGraphGauges(func() metrics.GraphReading {
				status := eng.Status()
				return metrics.GraphReading{
					Concepts:       status.ConceptCount,
					Connections:    status.ConnectionCount,
					EvolutionScore: status.EvolutionScore,
				}
			}))
			if err != nil {
				_ = eng.Stop(context.Background())
				return fmt.Errorf("metrics: %w", err)
			}
			collector.Start()
			defer collector.Stop()

			srv := server.NewServer(eng, serverConfig(cfg),
				server.WithCollector(collector), server.WithVersion(version))

			if err := eng.Start(ctx); err != nil {
				_ = eng.Stop(context.Background())
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down")
				return eng.Stop(context.Background())
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:            cfg.Server.Addr,
		RequestTimeout:  cfg.Server.RequestTimeout,
		IngestRate:      cfg.Server.IngestRate,
		IngestBurst:     cfg.Server.IngestBurst,
		StreamReplay:    cfg.Server.StreamReplay,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGEST
// ═══════════════════════════════════════════════════════════════════════════════

func ingestCmd() *cobra.Command {
	var (
		source string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <label[:weight]>...",
		Short: "Ingest one batch of co-occurring concepts",
		Example: `  cortex-evolution ingest golang channels goroutines
  cortex-evolution ingest --source document "event sourcing:3" cqrs:1.5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseConcepts(args)
			if err != nil {
				return err
			}

			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				resp, err := eng.Ingest(ctx, engine.IngestRequest{
					Concepts: raw,
					Source:   engine.Source(source),
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(resp)
				}

				fmt.Printf("Accepted %d, rejected %d\n", resp.Accepted, resp.Rejected)
				fmt.Printf("New concepts: %d, reinforced: %d\n", resp.NewConcepts, resp.ReinforcedConcepts)
				fmt.Printf("Connections created: %d, reinforced: %d\n", resp.ConnectionsCreated, resp.ConnectionsReinforced)
				fmt.Printf("Graph: %d concepts, %d connections\n", resp.ConceptCount, resp.ConnectionCount)
				for reason, n := range resp.Rejections {
					fmt.Printf("  skipped %d (%s)\n", n, reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", string(engine.SourceChat), "source of the batch: chat or document")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

// parseConcepts reads "label" or "label:weight" arguments. A missing weight
// means 1.
func parseConcepts(args []string) ([]normalize.RawConcept, error) {
	out := make([]normalize.RawConcept, 0, len(args))
	for _, arg := range args {
		label, weight := arg, 1.0
		if i := strings.LastIndex(arg, ":"); i > 0 {
			w, err := strconv.ParseFloat(arg[i+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid weight in %q: %w", arg, err)
			}
			label, weight = arg[:i], w
		}
		out = append(out, normalize.RawConcept{Label: label, Weight: weight})
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func statusCmd() *cobra.Command {
	var (
		asJSON  bool
		compact bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show graph counts, capability levels and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				status := eng.Status()
				if asJSON {
					return printJSON(status)
				}

				dash := metrics.NewDashboard()
				if compact {
					fmt.Println(dash.RenderCompact(status))
					return nil
				}
				fmt.Println(dash.Render(status, nil))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status")
	cmd.Flags().BoolVar(&compact, "compact", false, "print a single status line")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MAINTENANCE
// ═══════════════════════════════════════════════════════════════════════════════

func cascadeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cascade",
		Short: "Detect clusters of strongly connected concepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.Cascade(ctx)
				if err != nil {
					return err
				}
				if report.Busy {
					fmt.Println("A cascade is already running.")
					return nil
				}

				fmt.Printf("%d clusters above weight %.2f\n", len(report.Clusters), report.Threshold)
				for i, c := range report.Clusters {
					fmt.Printf("%3d. size %-4d weight %-8.2f %s\n", i+1, c.Size, c.InternalWeight, strings.Join(c.Labels, ", "))
				}
				return nil
			})
		},
	}
}

func decayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Apply one decay pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.ApplyDecay(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Decay x%.3g removed %d concepts and %d connections\n",
					result.Factor, result.ConceptsRemoved, result.ConnectionsRemoved)
				fmt.Printf("Remaining: %d concepts, %d connections\n",
					result.ConceptsRemaining, result.ConnectionsRemaining)
				return nil
			})
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write the graph and new events to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				if !eng.Config().Persistence.Enabled {
					fmt.Println("Persistence is disabled.")
					return nil
				}
				result, err := eng.Flush(ctx)
				if errors.Is(err, engine.ErrDegraded) {
					return fmt.Errorf("database unavailable: %w", err)
				}
				if err != nil {
					return err
				}
				fmt.Printf("Flushed %d concepts, %d connections, %d new events in %s\n",
					result.Concepts, result.Connections, result.EventsAppended, result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}
