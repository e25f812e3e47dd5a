package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"alert-relay/internal/storage"
)

// Export renders evaluation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	evals, err := store.ListEvaluationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(evals) == 0 {
		a.Logger.Info().Msg("no evaluations found for export window")
		return nil
	}

	downsampled := downsampleEvaluations(evals, opts.MaxPoints)
	a.Logger.Info().Int("total", len(evals)).Int("exported", len(downsampled)).Msg("exporting evaluations")

	if opts.CSVPath != "" {
		if err := writeEvaluationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeEvaluationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEvaluations(evals []storage.Evaluation, max int) []storage.Evaluation {
	if max <= 0 || len(evals) <= max {
		return evals
	}

	result := make([]storage.Evaluation, 0, max)
	step := float64(len(evals)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(evals) {
			idx = len(evals) - 1
		}
		result = append(result, evals[idx])
	}
	return result
}

func writeEvaluationsCSV(path string, evals []storage.Evaluation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"evaluated_at", "alert_id", "consensus_score", "score_stddev", "providers_used", "recommendation", "key_risk", "duration_ms"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, eval := range evals {
		record := []string{
			eval.EvaluatedAt.Format(time.RFC3339),
			eval.AlertID,
			formatFloat(eval.ConsensusScore),
			formatFloat(eval.ScoreStdDev),
			formatInt(eval.ProvidersUsed),
			eval.Recommendation,
			eval.KeyRisk,
			formatInt64(eval.Duration.Milliseconds()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeEvaluationsPNG(path string, evals []storage.Evaluation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(evals))
	scores := make([]float64, len(evals))
	dispersion := make([]float64, len(evals))

	for i, eval := range evals {
		x[i] = eval.EvaluatedAt
		scores[i] = eval.ConsensusScore
		dispersion[i] = eval.ScoreStdDev
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Consensus score",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Score dispersion",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Consensus",
				XValues: x,
				YValues: scores,
			},
			chart.TimeSeries{
				Name:    "Dispersion",
				XValues: x,
				YValues: dispersion,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
