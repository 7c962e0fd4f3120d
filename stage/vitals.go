package stage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// VitalBand is the acceptance range for one metric. Readings outside
// [Low, High] are warnings; readings beyond the critical margins are
// critical. A critical margin of zero means the band has no critical tier
// on that side.
type VitalBand struct {
	Low          float64
	High         float64
	CriticalLow  float64
	CriticalHigh float64
	Unit         string
}

// DefaultVitalBands holds the clinical acceptance ranges keyed by canonical
// metric name. The normal ranges follow standard adult reference values;
// the critical margins mark excursions needing clinical intervention.
func DefaultVitalBands() map[string]VitalBand {
	return map[string]VitalBand{
		"systolic_bp":       {Low: 90, High: 140, CriticalLow: 70, CriticalHigh: 180, Unit: "mmHg"},
		"diastolic_bp":      {Low: 60, High: 90, CriticalLow: 40, CriticalHigh: 120, Unit: "mmHg"},
		"heart_rate":        {Low: 60, High: 100, CriticalLow: 40, CriticalHigh: 140, Unit: "bpm"},
		"temperature":       {Low: 36.1, High: 37.8, CriticalLow: 35.0, CriticalHigh: 39.5, Unit: "°C"},
		"oxygen_saturation": {Low: 93, High: 100, CriticalLow: 88, Unit: "%"},
		"blood_glucose":     {Low: 70, High: 180, CriticalLow: 54, CriticalHigh: 400, Unit: "mg/dL"},
	}
}

// VitalsOptions configures the vitals stage.
type VitalsOptions struct {
	// Deadline is the stage's static per-run bound.
	Deadline time.Duration
	// Bands overrides the default acceptance ranges per metric.
	Bands map[string]VitalBand
	// TrendWindow is how many consecutive rising systolic readings trigger
	// a trend advisory.
	TrendWindow int
}

// VitalsStage checks structured readings against clinical threshold bands
// and watches the short-term systolic trend. Purely rule-based, so its
// output is reproducible for identical input readings.
type VitalsStage struct {
	deadline    time.Duration
	bands       map[string]VitalBand
	metricOrder []string
	trendWindow int
}

// NewVitalsStage constructs the vitals stage.
func NewVitalsStage(optFns ...func(o *VitalsOptions)) *VitalsStage {
	opts := VitalsOptions{
		Deadline:    5 * time.Second,
		Bands:       DefaultVitalBands(),
		TrendWindow: 3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Bands) == 0 {
		opts.Bands = DefaultVitalBands()
	}
	if opts.TrendWindow < 2 {
		opts.TrendWindow = 2
	}

	order := make([]string, 0, len(opts.Bands))
	for metric := range opts.Bands {
		order = append(order, metric)
	}
	sort.Strings(order)

	return &VitalsStage{
		deadline:    opts.Deadline,
		bands:       opts.Bands,
		metricOrder: order,
		trendWindow: opts.TrendWindow,
	}
}

// Name implements core.Stage.
func (s *VitalsStage) Name() string { return core.StageVitals }

// Interest implements core.Stage.
func (s *VitalsStage) Interest() []core.EventKind {
	return []core.EventKind{core.EventVitals}
}

// StaticDeadline implements core.Stage.
func (s *VitalsStage) StaticDeadline() time.Duration { return s.deadline }

// Run implements core.Stage.
func (s *VitalsStage) Run(ctx context.Context, sc core.StageContext) (*core.StageResult, error) {
	res := &core.StageResult{Stage: s.Name()}

	readings := chronological(core.FilterEvents(sc.Events, core.EventVitals))
	if len(readings) == 0 {
		return res, nil
	}

	checked := 0
	for _, e := range readings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, metric := range s.metricOrder {
			value, ok := e.Float(metric)
			if !ok {
				continue
			}
			checked++
			if f, violated := s.check(metric, value, e); violated {
				res.Findings = append(res.Findings, f)
			}
		}
	}

	if trend, ok := s.systolicTrend(readings); ok {
		res.Findings = append(res.Findings, trend)
	}

	if len(res.Findings) == 0 && checked > 0 {
		f := core.NewFinding(s.Name(), "reading", core.SeverityInfo,
			fmt.Sprintf("%d reading(s) within normal ranges", checked))
		f.EventID = readings[len(readings)-1].ID
		res.Findings = append(res.Findings, f)
	}

	res.Notes = fmt.Sprintf("checked %d metric value(s) across %d reading(s)", checked, len(readings))

	return res, nil
}

// check classifies one metric value against its band.
func (s *VitalsStage) check(metric string, value float64, e core.Event) (core.Finding, bool) {
	band := s.bands[metric]

	direction := ""
	switch {
	case value > band.High:
		direction = "high"
	case value < band.Low:
		direction = "low"
	default:
		return core.Finding{}, false
	}

	severity := core.SeverityWarning
	if (band.CriticalHigh > 0 && value >= band.CriticalHigh) ||
		(band.CriticalLow > 0 && value <= band.CriticalLow) {
		severity = core.SeverityCritical
	}

	f := core.NewFinding(s.Name(), metric, severity,
		fmt.Sprintf("%s %s: %s %s (normal %s-%s %s)",
			metric, direction,
			trimFloat(value), band.Unit,
			trimFloat(band.Low), trimFloat(band.High), band.Unit))
	f.EventID = e.ID
	f.Timestamp = e.Timestamp
	f.Data = map[string]any{
		"metric":    metric,
		"value":     value,
		"low":       band.Low,
		"high":      band.High,
		"direction": direction,
	}

	return f, true
}

// systolicTrend flags a run of strictly rising systolic readings.
func (s *VitalsStage) systolicTrend(readings []core.Event) (core.Finding, bool) {
	var values []float64
	var last core.Event
	for _, e := range readings {
		if v, ok := e.Float("systolic_bp"); ok {
			values = append(values, v)
			last = e
		}
	}
	if len(values) < s.trendWindow {
		return core.Finding{}, false
	}

	tail := values[len(values)-s.trendWindow:]
	for i := 1; i < len(tail); i++ {
		if tail[i] <= tail[i-1] {
			return core.Finding{}, false
		}
	}

	f := core.NewFinding(s.Name(), "trend", core.SeverityAdvisory,
		fmt.Sprintf("systolic blood pressure rising across last %d readings (%s -> %s mmHg)",
			s.trendWindow, trimFloat(tail[0]), trimFloat(tail[len(tail)-1])))
	f.EventID = last.ID
	f.Data = map[string]any{
		"metric": "systolic_bp",
		"window": s.trendWindow,
		"from":   tail[0],
		"to":     tail[len(tail)-1],
	}

	return f, true
}

// chronological orders events oldest first regardless of how the window
// handed them over.
func chronological(events []core.Event) []core.Event {
	out := make([]core.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	if s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}
