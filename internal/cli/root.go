// Package cli implements the epd-explore command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/app"
	"github.com/drfirst/go-epd/internal/config"
)

// flagKeys binds command-line flags to configuration keys.
var flagKeys = map[string]string{
	"resource":  config.KeyResources,
	"pco-code":  config.KeyPCOCode,
	"substance": config.KeySubstance,
	"contains":  config.KeyContains,
	"top":       config.KeyTop,
	"limit":     config.KeyLimit,
	"out":       config.KeyChartDir,
	"log-level": config.KeyLogLevel,
	"portal":    config.KeyBaseURL,
	"brokers":   config.KeyBrokers,
}

// NewRootCommand builds the epd-explore command. Flags left unset fall back
// to the config file, then EPD_ environment variables, then defaults.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "epd-explore",
		Short: "Explore prescription quantities in the English Prescribing Dataset",
		Long: `epd-explore queries the NHSBSA open data portal for the prescriptions of one
commissioning organisation and chemical substance, writes QUANTITY histograms
and prints the most common quantities of the matching line items.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file")
	f.StringSlice("resource", nil, "EPD resource to query, repeatable (default EPD_202001)")
	f.String("pco-code", "", "PCO code to select (default 13T00)")
	f.String("substance", "", "BNF chemical substance code (default 0407010H0)")
	f.String("contains", "", "BNF description substring to keep (default tablet)")
	f.Int("top", 0, "number of quantities to report (default 10)")
	f.Int("limit", 0, "row limit per resource, 0 for none")
	f.String("out", "", "chart directory, empty string disables charts (default charts)")
	f.String("log-level", "", "log level: debug, info, warn, error (default info)")
	f.String("portal", "", "portal action endpoint")
	f.StringSlice("brokers", nil, "Kafka brokers to publish the report to")

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		fl := flags.Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger, err := app.NewLogger(cfg.LogLevel, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, "epd-explore", logger, nil)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	report, err := a.Explorer.Run(ctx, a.Params())
	if err != nil {
		logger.Error("analysis failed", zap.Error(err))
		return err
	}
	return printReport(out, report)
}

func printReport(out io.Writer, r *analysis.Report) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "rows\t%d\n", r.Rows)
	fmt.Fprintf(tw, "matching %q\t%d\n", r.Params.Contains, r.FilteredRows)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "QUANTITY\tCOUNT")
	for _, vc := range r.TopQuantity {
		fmt.Fprintf(tw, "%s\t%d\n", vc.Value, vc.Count)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(tw, "\nwarning: %s\n", w)
	}
	if len(r.Charts) > 0 {
		fmt.Fprintf(tw, "\n%d charts written to %s\n", len(r.Charts), r.Params.ChartDir)
	}
	return tw.Flush()
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
