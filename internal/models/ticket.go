package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ticket is an issued admission credential. Rows are written once at issue time and
// never updated or deleted; Metadata is carried through untouched.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID         string                 `bun:"id,pk" json:"id"`
	Code       string                 `bun:"code,unique,notnull" json:"code"`
	AttendeeID string                 `bun:"attendee_id,notnull" json:"attendee_id"`
	Metadata   map[string]interface{} `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time              `bun:"created_at,notnull" json:"created_at"`
}
