package printjob_api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/database"
	"ms-checkin/internal/feed"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob"
	"ms-checkin/internal/printjob/blob"
	printjobdb "ms-checkin/internal/printjob/db"
	"ms-checkin/internal/printjob/printjob_api"
	ticketsdb "ms-checkin/internal/tickets/db"
)

type apiFixture struct {
	router *chi.Mux
	jobs   *printjobdb.DB
	ticket *models.Ticket
}

func setup(t *testing.T) *apiFixture {
	ctx := context.Background()
	bunDB, err := database.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { bunDB.Close() })

	log := logger.NewTestLogger(nil)
	tickets := &ticketsdb.DB{Bun: bunDB}
	ticket := &models.Ticket{ID: uuid.NewString(), Code: "ABC123", AttendeeID: "a1", CreatedAt: time.Now()}
	require.NoError(t, tickets.CreateTicket(ctx, ticket))

	jobs := &printjobdb.DB{Bun: bunDB}
	q := printjob.NewQueue(jobs, tickets, blob.NewFSStore(t.TempDir()), feed.Nop{}, log)

	r := chi.NewRouter()
	printjob_api.NewHandler(q, log).Routes(r)
	return &apiFixture{router: r, jobs: jobs, ticket: ticket}
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr, out
}

func TestEnqueueAndGet(t *testing.T) {
	f := setup(t)

	rr, body := f.do(t, http.MethodPost, "/tickets/"+f.ticket.ID+"/print-jobs", []byte("%PDF"))
	require.Equal(t, http.StatusCreated, rr.Code)
	job := body["data"].(map[string]interface{})
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, "print-jobs/ABC123.pdf", job["file_path"])
	assert.Equal(t, "api", job["requested_by"])

	rr, body = f.do(t, http.MethodGet, "/print-jobs/"+job["id"].(string), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, job["id"], body["data"].(map[string]interface{})["id"])
}

func TestEnqueue_Errors(t *testing.T) {
	f := setup(t)

	rr, _ := f.do(t, http.MethodPost, "/tickets/missing/print-jobs", []byte("%PDF"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = f.do(t, http.MethodPost, "/tickets/"+f.ticket.ID+"/print-jobs", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGet_NotFound(t *testing.T) {
	f := setup(t)

	rr, body := f.do(t, http.MethodGet, "/print-jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, false, body["ok"])
}

func TestRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rr, body := f.do(t, http.MethodPost, "/tickets/"+f.ticket.ID+"/print-jobs", []byte("%PDF"))
	require.Equal(t, http.StatusCreated, rr.Code)
	jobID := body["data"].(map[string]interface{})["id"].(string)

	rr, _ = f.do(t, http.MethodPost, "/print-jobs/"+jobID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "pending job cannot be retried")

	_, err := f.jobs.MarkReadyToPrint(ctx, f.ticket.ID, "T1")
	require.NoError(t, err)
	_, err = f.jobs.ClaimForPrinting(ctx, jobID, "T1")
	require.NoError(t, err)
	_, err = f.jobs.MarkFailed(ctx, jobID, "out of paper")
	require.NoError(t, err)

	rr, body = f.do(t, http.MethodPost, "/print-jobs/"+jobID+"/retry", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready_to_print", body["data"].(map[string]interface{})["status"])

	rr, _ = f.do(t, http.MethodPost, "/print-jobs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
