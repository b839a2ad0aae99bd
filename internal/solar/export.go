package solar

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// MeasurementRow is the Parquet layout of an exported measurement.
type MeasurementRow struct {
	SiteID      int64   `parquet:"site_id"`
	Unit        string  `parquet:"metric_unit,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
}

// WriteMeasurementsParquet writes measurements to w as a zstd compressed Parquet file.
func WriteMeasurementsParquet(w io.Writer, measurements []Measurement) error {
	rows := make([]MeasurementRow, len(measurements))
	for i, m := range measurements {
		rows[i] = MeasurementRow{
			SiteID:      m.SiteID,
			Unit:        string(m.Unit),
			TimestampMs: toMillis(m.Timestamp),
			Value:       m.Value,
		}
	}

	writer := parquet.NewGenericWriter[MeasurementRow](w, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// ReadMeasurementsParquet reads back a file written by WriteMeasurementsParquet.
func ReadMeasurementsParquet(r io.ReaderAt, size int64) ([]Measurement, error) {
	rows, err := parquet.Read[MeasurementRow](r, size)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]Measurement, len(rows))
	for i, row := range rows {
		out[i] = Measurement{
			SiteID:    row.SiteID,
			Value:     row.Value,
			Unit:      MetricUnit(row.Unit),
			Timestamp: fromMillis(row.TimestampMs),
		}
	}
	return out, nil
}
