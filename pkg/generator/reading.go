package generator

import (
	"math"
	"math/rand"
	"time"

	"procodus.dev/solarwatch/internal/solar"
)

// wattsPerPanel is the nameplate output of one panel at full sun.
const wattsPerPanel = 350.0

// ReadingGenerator produces plausible readings for one site. Generation follows
// a daylight curve scaled by panel count and a slowly drifting cloud cover.
// Usage has a flat base load with morning and evening peaks.
type ReadingGenerator struct {
	siteID    int64
	panels    int
	interval  time.Duration
	baseLoadW float64
	baseTemp  float64
	clouds    float64
}

// NewReadingGenerator returns a generator for site. interval is the span one
// reading covers and scales the watt-hour figures.
func NewReadingGenerator(site solar.Site, interval time.Duration) *ReadingGenerator {
	if interval <= 0 {
		interval = time.Minute
	}
	panels := site.Panels
	if panels <= 0 {
		panels = 1
	}

	return &ReadingGenerator{
		siteID:    site.ID,
		panels:    panels,
		interval:  interval,
		baseLoadW: 300 + rand.Float64()*700,
		baseTemp:  12 + rand.Float64()*12,
		clouds:    rand.Float64() * 0.4,
	}
}

// Daylight returns the clear-sky generation factor in [0, 1] for the hour of t.
// It is zero between 18:00 and 06:00 and peaks at noon.
func Daylight(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour <= 6 || hour >= 18 {
		return 0
	}
	return math.Sin((hour - 6) * math.Pi / 12)
}

func (g *ReadingGenerator) drift() {
	g.clouds += (rand.Float64() - 0.5) * 0.1
	g.clouds = math.Max(0, math.Min(0.9, g.clouds))
}

// Next returns the reading for the interval ending at t.
func (g *ReadingGenerator) Next(t time.Time) solar.MeterReading {
	g.drift()

	hours := g.interval.Hours()
	peakW := float64(g.panels) * wattsPerPanel
	generated := peakW * Daylight(t) * (1 - g.clouds) * hours

	hour := float64(t.Hour())
	peaks := 400*math.Exp(-math.Pow(hour-7.5, 2)/2) + 900*math.Exp(-math.Pow(hour-19, 2)/3)
	used := (g.baseLoadW + peaks + rand.Float64()*100) * hours

	temp := g.baseTemp + 6*math.Sin((hour-9)*math.Pi/12) + (rand.Float64()-0.5)*0.8

	return solar.MeterReading{
		SiteID:      g.siteID,
		WhGenerated: math.Round(generated*100) / 100,
		WhUsed:      math.Round(used*100) / 100,
		TempC:       math.Round(temp*10) / 10,
		Timestamp:   t,
	}
}

// Series returns n readings spaced one interval apart, the last ending at end.
func (g *ReadingGenerator) Series(end time.Time, n int) []solar.MeterReading {
	out := make([]solar.MeterReading, n)
	start := end.Add(-time.Duration(n-1) * g.interval)
	for i := range n {
		out[i] = g.Next(start.Add(time.Duration(i) * g.interval))
	}
	return out
}
