package printjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ms-checkin/internal/feed"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob/blob"
)

var tracer = otel.Tracer("ms-checkin/printjob")

type PrintJobDBLayer interface {
	CreatePrintJob(ctx context.Context, job *models.PrintJob) error
	GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error)
	RearmFailed(ctx context.Context, id string) (bool, error)
}

type TicketLookup interface {
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
}

// Queue is the producer side of print dispatch: it stores blobs, creates pending jobs
// and re-arms failed ones.
type Queue struct {
	DB      PrintJobDBLayer
	Tickets TicketLookup
	Blobs   blob.Store
	Feed    feed.Publisher
	Logger  *logger.Logger
}

func NewQueue(db PrintJobDBLayer, tickets TicketLookup, blobs blob.Store, pub feed.Publisher, log *logger.Logger) *Queue {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Queue{DB: db, Tickets: tickets, Blobs: blobs, Feed: pub, Logger: log}
}

// Enqueue stores the printable file for a ticket and creates a pending job for it.
// Jobs are not de-duplicated; every call adds one.
func (q *Queue) Enqueue(ctx context.Context, ticketID string, file []byte, requestedBy string) (*models.PrintJob, error) {
	ctx, span := tracer.Start(ctx, "printjob.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.id", ticketID))

	if len(file) == 0 {
		return nil, errors.New("print file is empty")
	}

	ticket, err := q.Tickets.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	path := BlobPath(ticket.Code)
	if err := q.Blobs.Put(ctx, path, file); err != nil {
		return nil, fmt.Errorf("enqueue: store blob: %w", err)
	}

	now := time.Now().UTC()
	job := &models.PrintJob{
		ID:          uuid.New().String(),
		TicketID:    ticket.ID,
		FilePath:    path,
		Status:      models.PrintJobPending,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.DB.CreatePrintJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue: create job: %w", err)
	}

	q.Logger.LogPrintJob("ENQUEUED", job.ID, fmt.Sprintf("ticket=%s file=%s", ticket.Code, path))
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.PrintJob, error) {
	return q.DB.GetPrintJob(ctx, id)
}

// Rearm sends a failed job back to ready_to_print on the terminal it was assigned to.
func (q *Queue) Rearm(ctx context.Context, id string) (*models.PrintJob, error) {
	ctx, span := tracer.Start(ctx, "printjob.Rearm")
	defer span.End()
	span.SetAttributes(attribute.String("print_job.id", id))

	job, err := q.DB.GetPrintJob(ctx, id)
	if err != nil {
		return nil, err
	}
	// pending -> ready_to_print is the check-in's edge, not a re-arm.
	if job.Status != models.PrintJobFailed {
		return nil, fmt.Errorf("rearm %s: %s -> %s: %w", id, job.Status, models.PrintJobReadyToPrint, ErrInvalidTransition)
	}

	ok, err := q.DB.RearmFailed(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rearm %s: %w", id, err)
	}
	if !ok {
		// Someone else moved it between our read and the update.
		return nil, fmt.Errorf("rearm %s: job is no longer failed: %w", id, ErrInvalidTransition)
	}

	job, err = q.DB.GetPrintJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := q.Feed.Publish(ctx, feed.EventFor(*job)); err != nil {
		q.Logger.Warn("PRINT", fmt.Sprintf("Failed to publish re-arm of %s: %v", id, err))
	}
	q.Logger.LogPrintJob("REARMED", id, fmt.Sprintf("terminal=%s attempts=%d", job.Terminal(), job.AttemptCount))
	return job, nil
}
