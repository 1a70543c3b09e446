package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PrintJobStatus string

const (
	PrintJobPending      PrintJobStatus = "pending"
	PrintJobReadyToPrint PrintJobStatus = "ready_to_print"
	PrintJobPrinting     PrintJobStatus = "printing"
	PrintJobPrinted      PrintJobStatus = "printed"
	PrintJobFailed       PrintJobStatus = "failed"
)

// PrintJob is a deferred "print this file on terminal T" instruction.
type PrintJob struct {
	bun.BaseModel `bun:"table:print_jobs"`

	ID           string         `bun:"id,pk" json:"id"`
	TicketID     string         `bun:"ticket_id,notnull" json:"ticket_id"`
	FilePath     string         `bun:"file_path,notnull" json:"file_path"`
	Status       PrintJobStatus `bun:"status,notnull" json:"status"`
	TerminalID   *string        `bun:"terminal_id" json:"terminal_id"`
	AttemptCount int            `bun:"attempt_count,notnull,default:0" json:"attempt_count"`
	LastError    *string        `bun:"last_error" json:"last_error"`
	RequestedBy  string         `bun:"requested_by" json:"requested_by"`
	CreatedAt    time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

// Terminal returns the assigned terminal or "" while unassigned.
func (j *PrintJob) Terminal() string {
	if j.TerminalID == nil {
		return ""
	}
	return *j.TerminalID
}
