package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"

	"alert-relay/internal/deadletter"
	"alert-relay/internal/resilience"
)

// DLQList prints dead letter entries for operator triage.
func (a *App) DLQList(ctx context.Context, opts DLQListOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.ListDeadLetters(ctx, opts.Status, opts.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no dead letters found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCreated (UTC)\tStage\tClass\tStatus\tRetries\tNext retry\tError")

	for _, entry := range entries {
		nextRetry := "-"
		if entry.NextRetryAt != nil {
			nextRetry = entry.NextRetryAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			entry.ID,
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.Stage,
			entry.ErrorClass,
			entry.Status,
			entry.RetryCount,
			entry.MaxRetries,
			nextRetry,
			sanitizeInline(entry.LastError),
		)
	}

	writer.Flush()
	return nil
}

// DLQResolve manually resolves one dead letter entry.
func (a *App) DLQResolve(ctx context.Context, id int64, resolvedBy string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	handler := deadletter.New(store, deadletter.Options{
		MaxRetries: a.Config.DeadLetter.MaxRetries,
		Backoff:    resilience.NewBackoffPolicy(a.Config.DeadLetter.BackoffBase, a.Config.DeadLetter.BackoffCap),
		RetryBatch: a.Config.DeadLetter.RetryBatch,
	}, a.Logger)

	if err := handler.Resolve(ctx, id, resolvedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dead letter %d not found or already resolved", id)
		}
		return err
	}

	fmt.Fprintf(os.Stdout, "dead letter %d resolved\n", id)
	return nil
}
