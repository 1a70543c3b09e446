package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"ms-checkin/internal/models"
)

var ErrNoSuccessfulCheckin = errors.New("no successful check-in")

// DB is the append-only checkin_records ledger. Rows are only ever inserted.
type DB struct {
	Bun *bun.DB
}

// InsertCheckinRecord appends one attempt. A second success=true row for the same
// ticket fails with a unique violation.
func (d *DB) InsertCheckinRecord(ctx context.Context, record *models.CheckinRecord) error {
	_, err := d.Bun.NewInsert().Model(record).Exec(ctx)
	return err
}

func (d *DB) LatestSuccessfulCheckin(ctx context.Context, ticketID string) (*models.CheckinRecord, error) {
	var record models.CheckinRecord
	err := d.Bun.NewSelect().
		Model(&record).
		Where("ticket_id = ?", ticketID).
		Where("success = ?", true).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrNoSuccessfulCheckin)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListCheckinRecords returns every attempt for a ticket, oldest first.
func (d *DB) ListCheckinRecords(ctx context.Context, ticketID string) ([]models.CheckinRecord, error) {
	var records []models.CheckinRecord
	err := d.Bun.NewSelect().
		Model(&records).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
