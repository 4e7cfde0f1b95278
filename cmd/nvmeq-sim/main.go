// Command nvmeq-sim drives an in-process NVMe queue engine with a simulated
// host driver and reports what happened
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/go-nvmeq/internal/logging"
)

const envPrefix = "NVMEQ_"

var rootCmd = &cobra.Command{
	Use:   "nvmeq-sim",
	Short: "Exercise an NVMe queue-pair engine against a simulated host",
	Long: `nvmeq-sim lays out admin and IO queues in simulated host memory, ` +
		`submits commands through doorbells and reaps completions by phase tag. ` +
		`Defaults for every flag can be set with NVMEQ_* environment variables ` +
		`or an env file.`,
	SilenceUsage: true,
}

func newRunCmd() *cobra.Command {
	cfg := defaultSimConfig()
	var (
		envFile string
		verbose bool
		hold    bool
		mps     uint8
		sqSize  uint16
		cqSize  uint16
		memSize uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(cmd.Flags(), envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.MPS = mps
			cfg.SQSize = sqSize
			cfg.CQSize = cqSize
			cfg.MemSize = memSize

			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting simulation",
				"commands", cfg.Commands,
				"sq_size", cfg.SQSize,
				"cq_size", cfg.CQSize,
				"mps", cfg.MPS,
				"paged", cfg.Paged)

			sum, err := simulate(ctx, cfg, logger)
			if err != nil {
				logger.Error("simulation failed", "error", err)
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				sum.Close(shutdownCtx)
			}()
			printSummary(cmd, sum)

			if hold && sum.MonitorAddr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nMonitor stays up on %s, press Ctrl+C to stop...\n", sum.MonitorAddr)
				<-ctx.Done()
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Commands, "commands", cfg.Commands, "number of IO commands to submit")
	f.Uint16Var(&sqSize, "sq-size", cfg.SQSize, "IO submission queue size (capacity is size+1)")
	f.Uint16Var(&cqSize, "cq-size", cfg.CQSize, "IO completion queue size (capacity is size+1)")
	f.Uint8Var(&mps, "mps", cfg.MPS, "memory page size exponent (page is 2^(12+mps) bytes)")
	f.BoolVar(&cfg.Paged, "paged", cfg.Paged, "lay out IO queues through PRP lists")
	f.IntVar(&cfg.AbortEvery, "abort-every", cfg.AbortEvery, "abort every Nth command before it is fetched (0 disables)")
	f.Uint64Var(&memSize, "mem-size", cfg.MemSize, "host memory size in bytes")
	f.BoolVar(&cfg.Mmap, "mmap", cfg.Mmap, "back host memory with an anonymous shared mapping")
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "serve the HTTP monitor on this address")
	f.BoolVar(&hold, "hold", false, "keep the monitor running after the simulation finishes")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "give up waiting for completions after this long")
	f.StringVar(&envFile, "env-file", "", "load NVMEQ_* defaults from this file")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// applyEnv fills every flag not set on the command line from its NVMEQ_*
// variable. An env file, when given, is loaded first and never overrides
// variables already in the environment.
func applyEnv(flags *pflag.FlagSet, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var firstErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := flags.Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("%s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func printSummary(cmd *cobra.Command, sum *simSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Controller: %s\n", sum.ControllerID)
	fmt.Fprintf(out, "Submitted:  %d\n", sum.Submitted)
	fmt.Fprintf(out, "Completed:  %d\n", sum.Completed)
	fmt.Fprintf(out, "Failed:     %d\n", sum.Failed)
	fmt.Fprintf(out, "Aborted:    %d\n", sum.Aborted)
	fmt.Fprintf(out, "Interrupts: %d\n", sum.Interrupts)
	fmt.Fprintf(out, "Elapsed:    %s\n", sum.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(out, "Throughput: %.0f completions/s\n", sum.Metrics.CompletionsPerSec)
	fmt.Fprintf(out, "Latency:    avg %dns p50 %dns p99 %dns\n",
		sum.Metrics.AvgLatencyNs, sum.Metrics.LatencyP50Ns, sum.Metrics.LatencyP99Ns)
	fmt.Fprintf(out, "Backpressure exits: %d\n", sum.Metrics.Backpressure)
}

func main() {
	rootCmd.AddCommand(newRunCmd())
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
