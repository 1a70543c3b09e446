package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob"
)

// DB is the print_jobs side of the ledger. Every status change is a conditional
// update on the expected prior status; callers learn whether they won from the
// returned bool or row count.
type DB struct {
	Bun *bun.DB
}

func (d *DB) CreatePrintJob(ctx context.Context, job *models.PrintJob) error {
	_, err := d.Bun.NewInsert().Model(job).Exec(ctx)
	return err
}

func (d *DB) GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error) {
	var job models.PrintJob
	err := d.Bun.NewSelect().
		Model(&job).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, printjob.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkReadyToPrint assigns every pending job of the ticket to terminalID and returns
// the jobs that are now ready on that terminal.
func (d *DB) MarkReadyToPrint(ctx context.Context, ticketID, terminalID string) ([]models.PrintJob, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobReadyToPrint).
		Set("terminal_id = ?", terminalID).
		Set("updated_at = ?", time.Now().UTC()).
		Where("ticket_id = ?", ticketID).
		Where("status = ?", models.PrintJobPending).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var jobs []models.PrintJob
	err = d.Bun.NewSelect().
		Model(&jobs).
		Where("ticket_id = ?", ticketID).
		Where("terminal_id = ?", terminalID).
		Where("status = ?", models.PrintJobReadyToPrint).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListReady returns ready_to_print jobs for the terminal, oldest first. limit <= 0
// returns all of them.
func (d *DB) ListReady(ctx context.Context, terminalID string, limit int) ([]models.PrintJob, error) {
	var jobs []models.PrintJob
	q := d.Bun.NewSelect().
		Model(&jobs).
		Where("terminal_id = ?", terminalID).
		Where("status = ?", models.PrintJobReadyToPrint).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimForPrinting moves a ready job on this terminal to printing and bumps its
// attempt count. false means another worker got there first or the job moved on.
func (d *DB) ClaimForPrinting(ctx context.Context, id, terminalID string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobPrinting).
		Set("attempt_count = attempt_count + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PrintJobReadyToPrint).
		Where("terminal_id = ?", terminalID).
		Exec(ctx)
	return affected(res, err)
}

func (d *DB) MarkPrinted(ctx context.Context, id string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobPrinted).
		Set("last_error = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PrintJobPrinting).
		Exec(ctx)
	return affected(res, err)
}

func (d *DB) MarkFailed(ctx context.Context, id, lastError string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobFailed).
		Set("last_error = ?", printjob.TruncateError(lastError)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PrintJobPrinting).
		Exec(ctx)
	return affected(res, err)
}

// FailStuckPrinting fails jobs this terminal left in printing, which only happens when
// an agent died mid-print.
func (d *DB) FailStuckPrinting(ctx context.Context, terminalID, reason string) (int64, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobFailed).
		Set("last_error = ?", printjob.TruncateError(reason)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("terminal_id = ?", terminalID).
		Where("status = ?", models.PrintJobPrinting).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RearmFailed puts a failed job back in the queue. attempt_count is left alone.
func (d *DB) RearmFailed(ctx context.Context, id string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobReadyToPrint).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PrintJobFailed).
		Exec(ctx)
	return affected(res, err)
}

// RearmEligible re-arms failed jobs of the terminal that have attempts left and have
// not been touched since olderThan. The age check runs on scanned times rather than in
// SQL because SQLite stores timestamps as text, which does not order reliably below one
// second.
func (d *DB) RearmEligible(ctx context.Context, terminalID string, maxAttempts int, olderThan time.Time) (int64, error) {
	var candidates []models.PrintJob
	err := d.Bun.NewSelect().
		Model(&candidates).
		Column("id", "updated_at").
		Where("terminal_id = ?", terminalID).
		Where("status = ?", models.PrintJobFailed).
		Where("attempt_count < ?", maxAttempts).
		Scan(ctx)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, job := range candidates {
		if job.UpdatedAt.Before(olderThan) {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := d.Bun.NewUpdate().
		Model((*models.PrintJob)(nil)).
		Set("status = ?", models.PrintJobReadyToPrint).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id IN (?)", bun.In(ids)).
		Where("status = ?", models.PrintJobFailed).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
