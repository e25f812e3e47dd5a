package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
)

// Show prints recent alerts with their latest consensus verdict and
// notification state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Updated (UTC)\tSource\tTicker\tStrategy\tStatus\tScore\tRecommendation\tNotification")

	for _, alert := range alerts {
		score := "-"
		recommendation := "-"
		notification := "-"

		eval, evalErr := store.LatestEvaluationForAlert(ctx, alert.AlertID)
		if evalErr == nil {
			score = fmt.Sprintf("%.1f", eval.ConsensusScore)
			recommendation = eval.Recommendation

			status, queueErr := store.QueueStatusForEvaluation(ctx, eval.ID)
			if queueErr == nil {
				notification = status
			} else if !errors.Is(queueErr, pgx.ErrNoRows) {
				return queueErr
			}
		} else if !errors.Is(evalErr, pgx.ErrNoRows) {
			return evalErr
		}

		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.UpdatedAt.UTC().Format(time.RFC3339),
			alert.SourceID,
			alert.Ticker,
			sanitizeInline(alert.Strategy),
			alert.Status,
			score,
			recommendation,
			notification,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
