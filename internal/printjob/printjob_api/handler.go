package printjob_api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/printjob"
	ticketsdb "ms-checkin/internal/tickets/db"
	"ms-checkin/internal/utils"
)

// MaxUploadBytes caps the printable file accepted on enqueue.
const MaxUploadBytes = 20 << 20

type Handler struct {
	Queue  *printjob.Queue
	Logger *logger.Logger
}

func NewHandler(q *printjob.Queue, log *logger.Logger) *Handler {
	return &Handler{Queue: q, Logger: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/tickets/{ticketId}/print-jobs", h.Enqueue)
	r.Route("/print-jobs/{jobId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/retry", h.Retry)
	})
}

// Enqueue handles POST /tickets/{ticketId}/print-jobs. The request body is the
// printable file itself.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ticketID := chi.URLParam(r, "ticketId")

	file, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		h.respond(w, r, start, http.StatusBadRequest, utils.ErrorResponse("could not read file: "+err.Error()))
		return
	}
	if len(file) == 0 {
		h.respond(w, r, start, http.StatusBadRequest, utils.ErrorResponse("request body must contain the file to print"))
		return
	}

	requestedBy := auth.ActorID(r.Context())
	if requestedBy == "" {
		requestedBy = "api"
	}

	job, err := h.Queue.Enqueue(r.Context(), ticketID, file, requestedBy)
	if errors.Is(err, ticketsdb.ErrTicketNotFound) {
		h.respond(w, r, start, http.StatusNotFound, utils.ErrorResponse("ticket not found"))
		return
	}
	if err != nil {
		h.Logger.Error("PRINT", fmt.Sprintf("Enqueue for ticket %s failed: %v", ticketID, err))
		h.respond(w, r, start, http.StatusInternalServerError, utils.ErrorResponse("server_error"))
		return
	}

	h.respond(w, r, start, http.StatusCreated, utils.SuccessResponse("Print job created", job))
}

// Get handles GET /print-jobs/{jobId}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.Queue.Get(r.Context(), jobID)
	if errors.Is(err, printjob.ErrNotFound) {
		h.respond(w, r, start, http.StatusNotFound, utils.ErrorResponse("print job not found"))
		return
	}
	if err != nil {
		h.Logger.Error("PRINT", fmt.Sprintf("Loading job %s failed: %v", jobID, err))
		h.respond(w, r, start, http.StatusInternalServerError, utils.ErrorResponse("server_error"))
		return
	}

	h.respond(w, r, start, http.StatusOK, utils.SuccessResponse("", job))
}

// Retry handles POST /print-jobs/{jobId}/retry. Only failed jobs can be re-armed.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.Queue.Rearm(r.Context(), jobID)
	switch {
	case errors.Is(err, printjob.ErrNotFound):
		h.respond(w, r, start, http.StatusNotFound, utils.ErrorResponse("print job not found"))
	case errors.Is(err, printjob.ErrInvalidTransition):
		h.respond(w, r, start, http.StatusConflict, utils.ErrorResponse(err.Error()))
	case err != nil:
		h.Logger.Error("PRINT", fmt.Sprintf("Re-arming job %s failed: %v", jobID, err))
		h.respond(w, r, start, http.StatusInternalServerError, utils.ErrorResponse("server_error"))
	default:
		h.respond(w, r, start, http.StatusOK, utils.SuccessResponse("Print job re-armed", job))
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, start time.Time, status int, body utils.APIResponse) {
	utils.WriteJSON(w, status, body)
	h.Logger.LogAPI(r.Method, r.URL.Path, status, time.Since(start))
}
