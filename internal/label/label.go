package label

import (
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"

	"ms-checkin/internal/models"
)

// Generator renders a scannable badge label for a ticket. The printer only ever sees
// the resulting bytes.
type Generator struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewGenerator() *Generator {
	return &Generator{Size: 256, Level: qrcode.Medium}
}

// Render returns a PNG QR code carrying the ticket code.
func (g *Generator) Render(ticket models.Ticket) ([]byte, error) {
	if ticket.Code == "" {
		return nil, errors.New("ticket has no code")
	}
	png, err := qrcode.Encode(ticket.Code, g.Level, g.Size)
	if err != nil {
		return nil, fmt.Errorf("encode label for %s: %w", ticket.Code, err)
	}
	return png, nil
}
