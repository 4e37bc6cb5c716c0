// Package main provides the retrain CLI: it promotes frequently unmatched
// query tokens into keyword overrides and rebuilds the retrieval indices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/internal/app"
	"pharmacy-ai-api/pkg/observability"
	"pharmacy-ai-api/pkg/services"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	noColor    bool
	verbose    bool

	cfg    *config.Config
	logger zerolog.Logger
	ui     *UI
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Retrain the pharmacy retrieval feedback loop",
	Long: `retrain reads the flushed daily AI metrics, promotes unmatched query
tokens that match product names into keyword overrides, rebuilds the keyword
and semantic indices, runs retrieval regression checks and finally asks the
running API server to refresh its caches.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if cfgFile != "" {
			if err := os.Setenv("CONFIG_FILE", cfgFile); err != nil {
				return fmt.Errorf("set config file: %w", err)
			}
		}
		cfg = config.LoadConfig()

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		} else if !outputJSON {
			level = "warn"
		}
		format := "console"
		if outputJSON {
			format = "json"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      format,
			Output:      os.Stderr,
			ServiceName: "pharmacy-ai-retrain",
		})
		ui = NewUI(outputJSON, noColor)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (default: environment only)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRebuildIndexCmd())
	rootCmd.AddCommand(newCheckEmbeddingCmd())
}

func newRunCmd() *cobra.Command {
	var (
		lookbackDays   int
		minCount       int
		pharmacyID     int64
		regressionFile string
		dryRun         bool
		noRefresh      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Promote unmatched tokens, rebuild indices and run regression checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if lookbackDays <= 0 {
				lookbackDays = cfg.RetrainLookbackDays
			}
			if minCount <= 0 {
				minCount = cfg.RetrainMinTokenCount
			}
			if regressionFile == "" {
				regressionFile = cfg.RetrainRegressionFile
			}

			var cases []config.RegressionCase
			if regressionFile != "" {
				loaded, err := config.LoadRegressionCases(regressionFile)
				if err != nil {
					return err
				}
				cases = loaded
			}

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			bar := ui.NewStepBar(retrainSteps, "retrain")
			opts := services.RetrainOptions{
				LookbackDays:    lookbackDays,
				MinTokenCount:   minCount,
				PharmacyID:      pharmacyID,
				RegressionCases: cases,
				RefreshEndpoint: cfg.RefreshEndpoint,
				ServiceToken:    cfg.MetricsServiceToken,
				DryRun:          dryRun,
				Progress: func(step string) {
					if bar != nil {
						bar.Describe(step)
						_ = bar.Add(1)
					}
				},
			}
			if noRefresh {
				opts.RefreshEndpoint = ""
			}

			report, err := application.NewRetrainWorkflow().Run(ctx, opts)
			if bar != nil {
				_ = bar.Finish()
			}
			if report != nil {
				ui.Report(report)
			}
			if err != nil {
				if errors.Is(err, services.ErrRegressionFailed) && report != nil && report.BackupPath != "" {
					ui.Warning("synonym config was rewritten; previous version kept at %s", report.BackupPath)
				}
				return err
			}
			if dryRun {
				ui.Warning("dry run: synonym config and server caches left untouched")
			} else {
				ui.Success("retrain completed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 0, "days of daily metrics to read (default AI_RETRAIN_LOOKBACK_DAYS)")
	cmd.Flags().IntVar(&minCount, "min-count", 0, "minimum unmatched token count to promote (default AI_RETRAIN_MIN_TOKEN_COUNT)")
	cmd.Flags().Int64Var(&pharmacyID, "pharmacy", 0, "only read metrics of this pharmacy (0 = all)")
	cmd.Flags().StringVar(&regressionFile, "regression-file", "", "YAML regression cases (default AI_RETRAIN_REGRESSION_FILE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report proposals without rewriting the synonym config")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "do not signal the API server after a successful run")
	return cmd
}

func newRebuildIndexCmd() *cobra.Command {
	var pharmacies []int64

	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Reload inventory and rebuild keyword and semantic indices offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			bar := ui.NewStepBar(len(pharmacies), "rebuild")
			results := map[int64]int{}
			var errs []error
			for _, pid := range pharmacies {
				n, err := application.Engines.ForceRefresh(ctx, pid)
				if err != nil {
					errs = append(errs, err)
				}
				results[pid] = n
				if bar != nil {
					_ = bar.Add(1)
				}
			}

			if outputJSON {
				ui.JSON(map[string]interface{}{"indexed": results, "semantic": application.Embedder.Available()})
			} else {
				for _, pid := range pharmacies {
					ui.Success("pharmacy %d: %d products indexed", pid, results[pid])
				}
				if !application.Embedder.Available() {
					ui.Warning("embedding provider unavailable, semantic index not built")
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().Int64SliceVar(&pharmacies, "pharmacy", []int64{1}, "pharmacy ids to rebuild")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ui != nil {
			ui.Error("%v", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
