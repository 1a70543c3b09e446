package printjob

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"ms-checkin/internal/models"
)

var (
	ErrNotFound          = errors.New("print job not found")
	ErrInvalidTransition = errors.New("invalid print job transition")
)

// MaxErrorLength bounds what is stored in last_error.
const MaxErrorLength = 500

var transitions = map[models.PrintJobStatus][]models.PrintJobStatus{
	models.PrintJobPending:      {models.PrintJobReadyToPrint},
	models.PrintJobReadyToPrint: {models.PrintJobPrinting},
	models.PrintJobPrinting:     {models.PrintJobPrinted, models.PrintJobFailed},
	models.PrintJobFailed:       {models.PrintJobReadyToPrint},
}

// CanTransition reports whether a job may move from one status to another.
// printed has no outgoing edges.
func CanTransition(from, to models.PrintJobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both statuses when the move is not allowed.
func CheckTransition(from, to models.PrintJobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// TruncateError cuts msg to MaxErrorLength characters without splitting a rune.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

// BlobPath is where the printable file for a ticket lives. Re-uploading for the same
// ticket overwrites it.
func BlobPath(ticketCode string) string {
	return fmt.Sprintf("print-jobs/%s.pdf", ticketCode)
}
