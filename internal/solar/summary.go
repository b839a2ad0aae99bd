package solar

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Summarize computes count, extrema, mean and approximate quantiles of measurements.
// An empty input yields a zero summary.
func Summarize(measurements []Measurement) (MetricSummary, error) {
	if len(measurements) == 0 {
		return MetricSummary{}, nil
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return MetricSummary{}, fmt.Errorf("failed to create sketch: %w", err)
	}

	s := MetricSummary{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, m := range measurements {
		if err := sketch.Add(m.Value); err != nil {
			return MetricSummary{}, fmt.Errorf("failed to add value %v: %w", m.Value, err)
		}
		s.Count++
		sum += m.Value
		s.Min = math.Min(s.Min, m.Value)
		s.Max = math.Max(s.Max, m.Value)
	}
	s.Mean = sum / float64(s.Count)

	quantiles := []struct {
		q   float64
		dst *float64
	}{
		{0.50, &s.P50},
		{0.90, &s.P90},
		{0.95, &s.P95},
		{0.99, &s.P99},
	}
	for _, q := range quantiles {
		v, err := sketch.GetValueAtQuantile(q.q)
		if err != nil {
			return MetricSummary{}, fmt.Errorf("failed to read quantile %v: %w", q.q, err)
		}
		*q.dst = v
	}
	return s, nil
}
