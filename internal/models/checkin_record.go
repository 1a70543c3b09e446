package models

import (
	"time"

	"github.com/uptrace/bun"
)

// WebTerminal is the terminal recorded when a check-in arrives without one.
const WebTerminal = "web"

// CheckinRecord is one row of the append-only check-in audit trail.
// At most one row per ticket may carry Success = true (partial unique index).
type CheckinRecord struct {
	bun.BaseModel `bun:"table:checkin_records"`

	ID         string    `bun:"id,pk" json:"id"`
	TicketID   string    `bun:"ticket_id,notnull" json:"ticket_id"`
	TerminalID string    `bun:"terminal_id,notnull" json:"terminal_id"`
	Success    bool      `bun:"success,notnull" json:"success"`
	Message    string    `bun:"message" json:"message"`
	ActorID    *string   `bun:"actor_id" json:"actor_id,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}
