package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/provisio-io/provisio/internal/approvals"
	"github.com/provisio-io/provisio/internal/shared"
)

func newTestRouter(t *testing.T) (*chi.Mux, *harness) {
	t.Helper()
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(h.runtime, shared.NewMemoryIdempotencyStore(), approvals.NewMemoryRecorder(), logger)
	handler := NewHandler(logger, svc)

	r := chi.NewRouter()
	r.Route("/provisioning", handler.MountRoutes)
	return r, h
}

func TestSubmitEndpointAcceptsRequest(t *testing.T) {
	r, h := newTestRouter(t)
	h.grantAdmin(t, "admin-1")

	body, err := json.Marshal(h.memberRequest())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/provisioning/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var res SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.ID)

	require.NoError(t, h.worker.Drain(context.Background()))

	statusReq := httptest.NewRequest(http.MethodGet, "/provisioning/requests/"+res.ID, nil)
	statusRec := httptest.NewRecorder()
	r.ServeHTTP(statusRec, statusReq)

	require.Equal(t, http.StatusOK, statusRec.Code)
	var view RequestView
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &view))
	require.Equal(t, StatusCompleted, view.Status)
}

func TestSubmitEndpointRejectsInvalidBody(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/provisioning/requests", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/provisioning/requests", bytes.NewReader([]byte(`{"kind":"member"}`)))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalEndpointResolvesEscalation(t *testing.T) {
	r, h := newTestRouter(t)

	reqBody := h.memberRequest()
	reqBody.RequesterID = "outsider"
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	submit := httptest.NewRequest(http.MethodPost, "/provisioning/requests", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	r.ServeHTTP(submitRec, submit)
	require.Equal(t, http.StatusAccepted, submitRec.Code)

	var res SubmitResult
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &res))
	require.NoError(t, h.worker.Drain(context.Background()))

	decision := []byte(`{"approved":true,"approver":"boss@example.com","note":"verified"}`)
	approve := httptest.NewRequest(http.MethodPost, "/provisioning/requests/"+res.ID+"/approval", bytes.NewReader(decision))
	approveRec := httptest.NewRecorder()
	r.ServeHTTP(approveRec, approve)
	require.Equal(t, http.StatusOK, approveRec.Code)
	require.NoError(t, h.worker.Drain(context.Background()))

	trailReq := httptest.NewRequest(http.MethodGet, "/provisioning/requests/"+res.ID+"/approvals", nil)
	trailRec := httptest.NewRecorder()
	r.ServeHTTP(trailRec, trailReq)
	require.Equal(t, http.StatusOK, trailRec.Code)

	var trail struct {
		Approvals []approvals.Entry `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(trailRec.Body.Bytes(), &trail))
	require.Len(t, trail.Approvals, 2)
}

func TestStatusEndpointUnknownID(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/provisioning/requests/unknown", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
