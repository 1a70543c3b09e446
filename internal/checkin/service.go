package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ms-checkin/internal/database"
	"ms-checkin/internal/feed"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	ticketsdb "ms-checkin/internal/tickets/db"
)

type Status string

const (
	StatusCheckedIn        Status = "CHECKED_IN"
	StatusAlreadyCheckedIn Status = "ALREADY_CHECKED_IN"
	StatusNotFound         Status = "NOT_FOUND"
)

const AlreadyCheckedInMessage = "Ticket already checked in"

var ErrInvalidRequest = errors.New("invalid check-in request")

var tracer = otel.Tracer("ms-checkin/checkin")

// Result is the business outcome of one attempt. Infrastructure failures are returned
// as errors instead.
type Result struct {
	Status Status
	Ticket *models.Ticket
	// Record is the new record on CHECKED_IN and the earlier winning record on
	// ALREADY_CHECKED_IN.
	Record *models.CheckinRecord
}

type TicketLookup interface {
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
}

type LedgerDBLayer interface {
	InsertCheckinRecord(ctx context.Context, record *models.CheckinRecord) error
	LatestSuccessfulCheckin(ctx context.Context, ticketID string) (*models.CheckinRecord, error)
}

type PrintJobMarker interface {
	MarkReadyToPrint(ctx context.Context, ticketID, terminalID string) ([]models.PrintJob, error)
}

type Service struct {
	Tickets      TicketLookup
	Ledger       LedgerDBLayer
	PrintJobs    PrintJobMarker
	Feed         feed.Publisher
	Events       kafka.EventPublisher
	CheckinTopic string
	Logger       *logger.Logger
}

func NewService(tickets TicketLookup, ledger LedgerDBLayer, jobs PrintJobMarker, log *logger.Logger) *Service {
	return &Service{
		Tickets:      tickets,
		Ledger:       ledger,
		PrintJobs:    jobs,
		Feed:         feed.Nop{},
		Events:       kafka.Nop{},
		CheckinTopic: "checkin.accepted",
		Logger:       log,
	}
}

// CheckIn records a successful check-in for the ticket unless one already exists. There
// is no read before the write: the partial unique index on checkin_records decides
// which of several concurrent attempts wins.
func (s *Service) CheckIn(ctx context.Context, ticketCode, terminalID, actorID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkin.CheckIn")
	defer span.End()

	ticketCode = strings.TrimSpace(ticketCode)
	if ticketCode == "" {
		return nil, fmt.Errorf("ticketCode is required: %w", ErrInvalidRequest)
	}
	if terminalID == "" {
		terminalID = models.WebTerminal
	}
	span.SetAttributes(
		attribute.String("ticket.code", ticketCode),
		attribute.String("terminal.id", terminalID),
	)

	ticket, err := s.Tickets.GetTicketByCode(ctx, ticketCode)
	if errors.Is(err, ticketsdb.ErrTicketNotFound) {
		s.Logger.LogCheckin("NOT_FOUND", ticketCode, terminalID)
		return &Result{Status: StatusNotFound}, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lookup ticket: %w", err)
	}

	record := &models.CheckinRecord{
		ID:         uuid.New().String(),
		TicketID:   ticket.ID,
		TerminalID: terminalID,
		Success:    true,
		Message:    "Checked in",
		ActorID:    optional(actorID),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.Ledger.InsertCheckinRecord(ctx, record); err != nil {
		if database.IsUniqueViolation(err) {
			return s.alreadyCheckedIn(ctx, ticket, terminalID, actorID)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("insert checkin record: %w", err)
	}

	s.Logger.LogCheckin("CHECKED_IN", ticketCode, terminalID)
	s.dispatchPrintJobs(ctx, ticket, terminalID)
	s.publishAccepted(ctx, ticket, record)

	return &Result{Status: StatusCheckedIn, Ticket: ticket, Record: record}, nil
}

func (s *Service) alreadyCheckedIn(ctx context.Context, ticket *models.Ticket, terminalID, actorID string) (*Result, error) {
	previous, err := s.Ledger.LatestSuccessfulCheckin(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("load previous checkin: %w", err)
	}

	s.Logger.LogCheckin("ALREADY_CHECKED_IN", ticket.Code, terminalID)

	// The rejected attempt is kept for the audit trail.
	audit := &models.CheckinRecord{
		ID:         uuid.New().String(),
		TicketID:   ticket.ID,
		TerminalID: terminalID,
		Success:    false,
		Message:    AlreadyCheckedInMessage,
		ActorID:    optional(actorID),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.Ledger.InsertCheckinRecord(ctx, audit); err != nil {
		s.Logger.Warn("CHECKIN", fmt.Sprintf("Failed to record rejected attempt for %s: %v", ticket.Code, err))
	}

	return &Result{Status: StatusAlreadyCheckedIn, Ticket: ticket, Record: previous}, nil
}

// dispatchPrintJobs hands the ticket's pending jobs to the terminal. The check-in has
// already succeeded, so failures here are only logged.
func (s *Service) dispatchPrintJobs(ctx context.Context, ticket *models.Ticket, terminalID string) {
	if s.PrintJobs == nil {
		return
	}

	jobs, err := s.PrintJobs.MarkReadyToPrint(ctx, ticket.ID, terminalID)
	if err != nil {
		s.Logger.Warn("PRINT", fmt.Sprintf("Failed to mark print jobs ready for %s: %v", ticket.Code, err))
		return
	}
	if len(jobs) == 0 {
		s.Logger.Debug("PRINT", fmt.Sprintf("No pending print job for %s", ticket.Code))
		return
	}

	for _, job := range jobs {
		s.Logger.LogPrintJob("READY", job.ID, fmt.Sprintf("ticket=%s terminal=%s", ticket.Code, terminalID))
		if s.Feed == nil {
			continue
		}
		if err := s.Feed.Publish(ctx, feed.EventFor(job)); err != nil {
			s.Logger.Warn("FEED", fmt.Sprintf("Failed to publish job %s: %v", job.ID, err))
		}
	}
}

func (s *Service) publishAccepted(ctx context.Context, ticket *models.Ticket, record *models.CheckinRecord) {
	if s.Events == nil {
		return
	}

	event := models.CheckinAcceptedEvent{
		TicketID:   ticket.ID,
		TicketCode: ticket.Code,
		RecordID:   record.ID,
		TerminalID: record.TerminalID,
		CheckedAt:  record.CreatedAt,
	}
	if record.ActorID != nil {
		event.ActorID = *record.ActorID
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Events.Publish(ctx, s.CheckinTopic, ticket.ID, event); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish check-in of %s: %v", ticket.Code, err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
