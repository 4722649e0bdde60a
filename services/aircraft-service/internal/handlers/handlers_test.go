package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/md-rashed-zaman/airfleet/libs/auth"
	"github.com/md-rashed-zaman/airfleet/libs/httpx"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/encoder"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/fleet"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/ledger"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorSecret = "ops-secret"

type testServer struct {
	mux    *http.ServeMux
	store  *storage.Memory
	ledger *ledger.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	l := ledger.NewMemory()
	mux := http.NewServeMux()
	NewAircraftHandler(fleet.NewService(store, logger), logger).Register(mux)
	NewOpsHandler(store, l, logger, httpx.RequireRole(operatorSecret, "operator")).Register(mux)
	return &testServer{mux: mux, store: store, ledger: l}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAircraftLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/aircraft", map[string]any{"id": "X", "name": "Spirit", "model": "A320"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "/api/v1/aircraft/X", rec.Header().Get("Location"))
	created := decode[model.Aircraft](t, rec)
	assert.Equal(t, model.StatusActive, created.Status)

	rec = s.do(t, http.MethodPatch, "/api/v1/aircraft/X", map[string]any{"location": "LHR"}, http.Header{"If-Match": {`"1"`}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "LHR", decode[model.Aircraft](t, rec).Location)

	// Stale version from the body.
	rec = s.do(t, http.MethodPatch, "/api/v1/aircraft/X", map[string]any{"version": 1, "location": "CDG"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/aircraft/X", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	rec = s.do(t, http.MethodDelete, "/api/v1/aircraft/X?version=2", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/aircraft/X", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Len(t, s.store.Entries(), 3)
}

func TestAircraftErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/aircraft", map[string]any{"model": "A320"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decode[errorResponse](t, rec).Field)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/aircraft", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec = s.do(t, http.MethodPatch, "/api/v1/aircraft/missing", map[string]any{"version": 1}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/v1/aircraft/missing", map[string]any{}, http.Header{"If-Match": {"abc"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/aircraft/missing", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "version is required")

	assert.Empty(t, s.store.Entries())
}

func operatorHeader(t *testing.T, role string) http.Header {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{Sub: "ops", Role: role, Exp: time.Now().Add(time.Hour).Unix()}, operatorSecret)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestOpsRequiresOperator(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/ops/dead-letters", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/ops/dead-letters", nil, operatorHeader(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/ops/dead-letters", nil, operatorHeader(t, "operator"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpsDeadLettersAndEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/aircraft", map[string]any{"id": "X", "name": "n", "model": "m"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	now := time.Now().UTC()
	leases, err := s.store.Claim(ctx, "w", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.NoError(t, s.store.DeadLetter(ctx, 1, "w", 9, "broker gone"))

	eventID := encoder.EventID("X", 1)
	require.NoError(t, s.ledger.RecordAttempt(ctx, ledger.Attempt{EventID: eventID, AircraftID: "X", Sequence: 1, Outcome: ledger.OutcomeFailed, Error: "timeout", At: now}))
	require.NoError(t, s.ledger.RecordAttempt(ctx, ledger.Attempt{EventID: eventID, AircraftID: "X", Sequence: 1, Outcome: ledger.OutcomeDeadLettered, Error: "timeout", At: now}))

	hdr := operatorHeader(t, "operator")
	rec = s.do(t, http.MethodGet, "/api/v1/ops/dead-letters?limit=5", nil, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []deadLetterItem `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, eventID, list.Items[0].EventID)
	assert.Equal(t, 9, list.Items[0].Retries)
	assert.Equal(t, "broker gone", list.Items[0].LastError)

	rec = s.do(t, http.MethodGet, "/api/v1/ops/dead-letters?limit=0", nil, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/ops/events/"+eventID, nil, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[eventResponse](t, rec)
	assert.Equal(t, ledger.OutcomeDeadLettered, ev.Record.Outcome)
	assert.Len(t, ev.Attempts, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/ops/events/unknown", nil, hdr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
