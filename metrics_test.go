package vae

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordedMetrics() *TrainingMetrics {
	m := NewTrainingMetrics()
	for i, loss := range []float64{3, 2, 1.5, 1} {
		m.Record(StepReport{
			Step:  i + 1,
			Epoch: i / 2,
			Batch: i % 2,
			LR:    0.01,
			LossResult: LossResult{
				Loss:               loss,
				ReconstructionLoss: loss / 2,
				KLD:                -0.2,
			},
		})
	}
	return m
}

func TestMetricsSummary(t *testing.T) {
	m := recordedMetrics()
	assert.Equal(t, 4, m.Len())

	s, err := m.Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Steps)
	assert.Equal(t, 1.0, s.FinalLoss)
	assert.Equal(t, 1.0, s.MinLoss)
	assert.InDelta(t, 1.875, s.MeanLoss, 1e-12)
	assert.Greater(t, s.StdLoss, 0.0)

	_, err = NewTrainingMetrics().Summary()
	assert.Error(t, err)
}

func TestMetricsSaveCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, recordedMetrics().SaveCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"step", "epoch", "batch", "loss", "reconstruction_loss", "kld", "lr"}, rows[0])
	assert.Equal(t, []string{"2", "0", "1", "2", "1", "-0.2", "0.01"}, rows[2])
}

func TestMetricsSaveHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.html")
	require.NoError(t, recordedMetrics().SaveHTML(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "VAE Training Metrics")
	assert.Equal(t, 4, strings.Count(html, "<polyline"))

	assert.Error(t, NewTrainingMetrics().SaveHTML(path))
}

func TestPolyline(t *testing.T) {
	points, lo, hi := polyline([]float64{1, 3})
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 3.0, hi)
	assert.Equal(t, "0.0,240.0 800.0,0.0", points)

	// Flat series do not divide by zero.
	points, _, _ = polyline([]float64{2})
	assert.Equal(t, "0.0,240.0", points)
}
