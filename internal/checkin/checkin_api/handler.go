package checkin_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/checkin"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/utils"
)

// MaxRequestBytes caps the check-in request body.
const MaxRequestBytes = 64 << 10

type Handler struct {
	Service *checkin.Service
	Logger  *logger.Logger
}

func NewHandler(svc *checkin.Service, log *logger.Logger) *Handler {
	return &Handler{Service: svc, Logger: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkin", h.CheckIn)
}

type checkinRequest struct {
	TicketCode string `json:"ticketCode"`
	TerminalID string `json:"terminalId"`
	ActorID    string `json:"actorId"`
}

type checkinResponse struct {
	OK            bool                  `json:"ok"`
	Message       string                `json:"message,omitempty"`
	Error         string                `json:"error,omitempty"`
	Ticket        *models.Ticket        `json:"ticket,omitempty"`
	CheckinRecord *models.CheckinRecord `json:"checkin_record,omitempty"`
}

// CheckIn handles POST /checkin
// Expected body: {"ticketCode": "ABC123", "terminalId": "T1", "actorId": "staff-1"}
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		h.Logger.LogAPI(r.Method, r.URL.Path, status, time.Since(start))
	}()

	var req checkinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, checkinResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.TicketCode) == "" {
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, checkinResponse{Error: "ticketCode is required"})
		return
	}

	actorID := req.ActorID
	if actorID == "" {
		actorID = auth.ActorID(r.Context())
	}

	res, err := h.Service.CheckIn(r.Context(), req.TicketCode, req.TerminalID, actorID)
	if errors.Is(err, checkin.ErrInvalidRequest) {
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, checkinResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.Logger.Error("CHECKIN", fmt.Sprintf("Check-in of %s failed: %v", req.TicketCode, err))
		status = http.StatusInternalServerError
		utils.WriteJSON(w, status, checkinResponse{Error: "server_error"})
		return
	}

	switch res.Status {
	case checkin.StatusNotFound:
		status = http.StatusNotFound
		utils.WriteJSON(w, status, checkinResponse{Message: "Ticket not found"})
	case checkin.StatusAlreadyCheckedIn:
		status = http.StatusConflict
		utils.WriteJSON(w, status, checkinResponse{
			Message:       checkin.AlreadyCheckedInMessage,
			Ticket:        res.Ticket,
			CheckinRecord: res.Record,
		})
	default:
		utils.WriteJSON(w, status, checkinResponse{
			OK:            true,
			Message:       "Checked in",
			Ticket:        res.Ticket,
			CheckinRecord: res.Record,
		})
	}
}
