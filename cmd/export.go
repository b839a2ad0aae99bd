package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"procodus.dev/solarwatch/internal/solar"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a metric series to a Parquet file",
	Long: `Export the measurements of one metric series between two instants to a
zstd compressed Parquet file with columns site_id, metric_unit, timestamp_ms
and value. The scope is "global" or a site id.`,
	Args:    cobra.NoArgs,
	PreRunE: bindStoreFlags,
	RunE:    runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	storeFlags(exportCmd)
	exportCmd.Flags().String("scope", "global", `metric scope, "global" or a site id`)
	exportCmd.Flags().StringSlice("unit", []string{string(solar.WhGenerated)}, "metric units to export (whG, whU, tempC)")
	exportCmd.Flags().Duration("since", 24*time.Hour, "export measurements newer than this")
	exportCmd.Flags().String("from", "", "start of the range (RFC3339), overrides --since")
	exportCmd.Flags().String("to", "", "end of the range (RFC3339, default now)")
	exportCmd.Flags().StringP("output", "o", "measurements.parquet", "output file")
}

func runExport(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("solarwatch-export")
	ctx := commandContext(cmd)
	flags := cmd.Flags()

	scopeArg, _ := flags.GetString("scope")
	scope, err := solar.ParseScope(scopeArg)
	if err != nil {
		return err
	}

	unitArgs, _ := flags.GetStringSlice("unit")
	units := make([]solar.MetricUnit, len(unitArgs))
	for i, u := range unitArgs {
		units[i] = solar.MetricUnit(u)
		if !units[i].Valid() {
			return fmt.Errorf("unknown metric unit %q", u)
		}
	}

	to := time.Now().UTC()
	if v, _ := flags.GetString("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	since, _ := flags.GetDuration("since")
	from := to.Add(-since)
	if v, _ := flags.GetString("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}

	if from.After(to) {
		return fmt.Errorf("range start %s is after its end %s", from, to)
	}

	core, closeStore, err := openCore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var measurements []solar.Measurement
	for _, unit := range units {
		series, err := core.GetMetricRange(ctx, scope, unit, from, to)
		if err != nil {
			return fmt.Errorf("failed to read %s series: %w", unit, err)
		}
		measurements = append(measurements, series...)
	}

	output, _ := flags.GetString("output")
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := solar.WriteMeasurementsParquet(f, measurements); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	logger.Info("metrics exported",
		"scope", scopeArg,
		"units", unitArgs,
		"from", from,
		"to", to,
		"rows", len(measurements),
		"output", output,
	)
	return nil
}
