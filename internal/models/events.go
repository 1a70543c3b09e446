package models

import "time"

// CheckinAcceptedEvent is published to Kafka after a ticket is checked in.
type CheckinAcceptedEvent struct {
	TicketID   string    `json:"ticket_id"`
	TicketCode string    `json:"ticket_code"`
	RecordID   string    `json:"checkin_record_id"`
	TerminalID string    `json:"terminal_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	CheckedAt  time.Time `json:"checked_in_at"`
}

// PrintOutcomeEvent is published to Kafka when an agent finishes one print attempt.
type PrintOutcomeEvent struct {
	JobID        string         `json:"job_id"`
	TicketID     string         `json:"ticket_id"`
	TerminalID   string         `json:"terminal_id"`
	Status       PrintJobStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Error        string         `json:"error,omitempty"`
	At           time.Time      `json:"at"`
}

func NewPrintOutcomeEvent(job PrintJob, err error) PrintOutcomeEvent {
	ev := PrintOutcomeEvent{
		JobID:        job.ID,
		TicketID:     job.TicketID,
		TerminalID:   job.Terminal(),
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		At:           time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
