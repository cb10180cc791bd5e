package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/internal/config"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "macsim",
		Short:         "LTE MAC carrier scheduler simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format override (text, json)")

	root.AddCommand(
		newRunCmd(flags),
		newValidateCmd(flags),
		newRIVCmd(),
	)
	return root
}

func (f *rootFlags) load() (config.Config, logging.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	return cfg, logging.New(cfg.LoggerConfig()), nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		seed     int64
		ttis     int
		parallel bool
		trace    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a randomized simulation and print its summary as JSON",
		Long: `Run attaches and detaches random UEs, feeds them traffic and channel
reports, schedules every carrier each TTI and checks every result. The
command fails when any check fails or a carrier halts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Simulation.Seed = seed
			}
			if cmd.Flags().Changed("ttis") {
				cfg.Simulation.TTIs = ttis
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Scheduler.Parallel = parallel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if trace {
				tcfg := cfg.TracingConfig()
				tcfg.Enabled = true
				// stdout carries the summary
				tcfg.Writer = cmd.ErrOrStderr()
				shutdown, err := observability.InitTracing(ctx, tcfg, log)
				if err != nil {
					return err
				}
				defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)
			}
			return runSimulation(ctx, cfg, log, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed override")
	cmd.Flags().IntVar(&ttis, "ttis", 0, "Number of TTIs override")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Schedule carriers concurrently")
	cmd.Flags().BoolVar(&trace, "trace", false, "Export scheduler spans with the exporter of the tracing config section (stdout spans go to stderr)")
	return cmd
}

func runSimulation(ctx context.Context, cfg config.Config, log logging.Logger, out io.Writer) error {
	carriers, err := cfg.CarrierConfigs()
	if err != nil {
		return err
	}
	params, err := cfg.SimParams()
	if err != nil {
		return err
	}
	driver, err := sim.New(carriers, params, sim.Options{
		Logger:      log,
		Parallel:    cfg.Scheduler.Parallel,
		MaxWaitTTIs: cfg.Scheduler.MaxWaitTTIs,
	})
	if err != nil {
		return err
	}

	summary, runErr := driver.Run(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return runErr
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and print the resulting carriers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			carriers, err := cfg.CarrierConfigs()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tPRB\tCFI\tPHICH\tPUCCH\tPRACH\tDL/UL GRANTS")
			for _, c := range carriers {
				prach := "off"
				if c.PRACH.Period > 0 {
					prach = fmt.Sprintf("every %d @%d", c.PRACH.Period, c.PRACH.Offset)
				}
				fmt.Fprintf(tw, "%d\t%d\t%d-%d\t%s\t%d\t%s\t%d/%d\n",
					c.Index, c.NumPRB, c.MinCFI, c.MaxCFI, c.PHICH, c.PUCCHEdgeRBs, prach, c.MaxDLGrants, c.MaxULGrants)
			}
			return tw.Flush()
		},
	}
}

func newRIVCmd() *cobra.Command {
	var prb, start, length int
	var decode int64
	cmd := &cobra.Command{
		Use:   "riv",
		Short: "Encode a contiguous RB allocation as a resource indication value, or decode one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if decode >= 0 {
				s, l, err := alloc.DecodeRIV(uint32(decode), prb)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "riv=%d start=%d len=%d\n", decode, s, l)
				return nil
			}
			riv, err := alloc.EncodeRIV(start, length, prb)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "riv=%d start=%d len=%d\n", riv, start, length)
			return nil
		},
	}
	cmd.Flags().IntVar(&prb, "prb", 25, "Carrier bandwidth in RBs")
	cmd.Flags().IntVar(&start, "start", 0, "First RB")
	cmd.Flags().IntVar(&length, "len", 1, "Number of RBs")
	cmd.Flags().Int64Var(&decode, "decode", -1, "Decode this RIV instead of encoding")
	return cmd
}
