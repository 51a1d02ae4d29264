package vae

/*
WHAT'S GOING ON HERE?

Training metrics: one row per optimization step with the three loss values
and the learning rate. Two outputs:

- CSV for plotting elsewhere
- a self-contained HTML page with SVG loss curves, viewable in any browser

The VAE loss is a sum of two terms that move in opposite directions early
in training (the KL term grows as the encoder starts using the latent
space), so both components are charted next to the total.
*/

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TrainingMetrics stores metrics collected during training.
type TrainingMetrics struct {
	Steps         []int
	Losses        []float64
	Recons        []float64
	KLDs          []float64
	LearningRates []float64
	Epochs        []int
	BatchIndices  []int
}

// NewTrainingMetrics creates a new metrics tracker.
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{}
}

// Record adds a step report to the metrics.
func (m *TrainingMetrics) Record(r StepReport) {
	m.Steps = append(m.Steps, r.Step)
	m.Losses = append(m.Losses, r.Loss)
	m.Recons = append(m.Recons, r.ReconstructionLoss)
	m.KLDs = append(m.KLDs, r.KLD)
	m.LearningRates = append(m.LearningRates, r.LR)
	m.Epochs = append(m.Epochs, r.Epoch)
	m.BatchIndices = append(m.BatchIndices, r.Batch)
}

// Len returns the number of recorded steps.
func (m *TrainingMetrics) Len() int { return len(m.Steps) }

// MetricsSummary holds summary statistics of the total loss.
type MetricsSummary struct {
	Steps     int
	FinalLoss float64
	MinLoss   float64
	MeanLoss  float64
	StdLoss   float64
}

// Summary computes statistics over the recorded losses.
func (m *TrainingMetrics) Summary() (MetricsSummary, error) {
	if len(m.Losses) == 0 {
		return MetricsSummary{}, fmt.Errorf("no metrics recorded")
	}
	mean, std := stat.MeanStdDev(m.Losses, nil)
	if len(m.Losses) == 1 {
		std = 0
	}
	return MetricsSummary{
		Steps:     len(m.Losses),
		FinalLoss: m.Losses[len(m.Losses)-1],
		MinLoss:   floats.Min(m.Losses),
		MeanLoss:  mean,
		StdLoss:   std,
	}, nil
}

// SaveCSV writes one row per step.
func (m *TrainingMetrics) SaveCSV(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "epoch", "batch", "loss", "reconstruction_loss", "kld", "lr"}); err != nil {
		return err
	}
	ff := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	for i := range m.Steps {
		row := []string{
			strconv.Itoa(m.Steps[i]),
			strconv.Itoa(m.Epochs[i]),
			strconv.Itoa(m.BatchIndices[i]),
			ff(m.Losses[i]),
			ff(m.Recons[i]),
			ff(m.KLDs[i]),
			ff(m.LearningRates[i]),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

type chart struct {
	Title  string
	Color  string
	Points string
	Min    float64
	Max    float64
}

const (
	chartWidth  = 800
	chartHeight = 240
)

// polyline maps values onto the chart's SVG coordinate space.
func polyline(values []float64) (string, float64, float64) {
	lo, hi := floats.Min(values), floats.Max(values)
	span := hi - lo
	if span == 0 {
		span = 1
	}
	var b strings.Builder
	for i, v := range values {
		x := 0.0
		if len(values) > 1 {
			x = float64(i) / float64(len(values)-1) * chartWidth
		}
		y := chartHeight - (v-lo)/span*chartHeight
		fmt.Fprintf(&b, "%.1f,%.1f ", x, y)
	}
	return strings.TrimSpace(b.String()), lo, hi
}

var metricsPage = template.Must(template.New("metrics").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>VAE Training Metrics</title>
<style>
body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
h1 { color: #58a6ff; }
.stats { display: flex; gap: 15px; margin-bottom: 20px; }
.card, .chart { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 15px; }
.chart { margin-bottom: 20px; }
.label { font-size: 12px; color: #8b949e; text-transform: uppercase; }
.value { font-size: 22px; color: #58a6ff; }
svg { width: 100%; height: 240px; }
</style>
</head>
<body>
<h1>VAE Training Metrics</h1>
<div class="stats">
<div class="card"><div class="label">Steps</div><div class="value">{{.Summary.Steps}}</div></div>
<div class="card"><div class="label">Final Loss</div><div class="value">{{printf "%.5f" .Summary.FinalLoss}}</div></div>
<div class="card"><div class="label">Min Loss</div><div class="value">{{printf "%.5f" .Summary.MinLoss}}</div></div>
<div class="card"><div class="label">Mean Loss</div><div class="value">{{printf "%.5f" .Summary.MeanLoss}}</div></div>
</div>
{{range .Charts}}
<div class="chart">
<div class="label">{{.Title}} ({{printf "%.4g" .Min}} to {{printf "%.4g" .Max}})</div>
<svg viewBox="0 0 800 240" preserveAspectRatio="none">
<polyline fill="none" stroke="{{.Color}}" stroke-width="2" points="{{.Points}}"/>
</svg>
</div>
{{end}}
</body>
</html>
`))

// SaveHTML saves training metrics as a self-contained HTML file.
func (m *TrainingMetrics) SaveHTML(filename string) error {
	summary, err := m.Summary()
	if err != nil {
		return err
	}

	series := []struct {
		title, color string
		values       []float64
	}{
		{"Loss", "#58a6ff", m.Losses},
		{"Reconstruction Loss", "#3fb950", m.Recons},
		{"KLD", "#d29922", m.KLDs},
		{"Learning Rate", "#bc8cff", m.LearningRates},
	}
	charts := make([]chart, 0, len(series))
	for _, s := range series {
		points, lo, hi := polyline(s.values)
		charts = append(charts, chart{Title: s.title, Color: s.color, Points: points, Min: lo, Max: hi})
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := metricsPage.Execute(f, struct {
		Summary MetricsSummary
		Charts  []chart
	}{summary, charts}); err != nil {
		return fmt.Errorf("failed to render metrics: %w", err)
	}
	return f.Close()
}
