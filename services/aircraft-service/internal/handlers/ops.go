package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/airfleet/libs/httpx"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/encoder"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/ledger"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

type DeadLetterLister interface {
	ListDeadLettered(ctx context.Context, limit int) ([]model.OutboxEntry, error)
}

type LedgerReader interface {
	Get(ctx context.Context, eventID string) (ledger.Record, error)
	Attempts(ctx context.Context, eventID string) ([]ledger.Attempt, error)
}

// OpsHandler exposes dispatch state to operators.
type OpsHandler struct {
	outbox DeadLetterLister
	ledger LedgerReader
	logger *slog.Logger
	guard  httpx.Middleware
}

func NewOpsHandler(outbox DeadLetterLister, l LedgerReader, logger *slog.Logger, guard httpx.Middleware) *OpsHandler {
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}
	return &OpsHandler{outbox: outbox, ledger: l, logger: logger, guard: guard}
}

func (h *OpsHandler) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/ops/dead-letters", h.guard(http.HandlerFunc(h.DeadLetters)))
	mux.Handle("GET /api/v1/ops/events/{eventID}", h.guard(http.HandlerFunc(h.Event)))
}

type deadLetterItem struct {
	Sequence        int64           `json:"sequence"`
	EventID         string          `json:"event_id"`
	AircraftID      string          `json:"aircraft_id"`
	EventType       model.EventType `json:"event_type"`
	AircraftVersion int64           `json:"aircraft_version"`
	Retries         int             `json:"retries"`
	LastError       string          `json:"last_error"`
	CreatedAt       string          `json:"created_at"`
}

type eventResponse struct {
	Record   ledger.Record    `json:"record"`
	Attempts []ledger.Attempt `json:"attempts"`
}

func (h *OpsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.outbox.ListDeadLettered(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters failed", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	items := make([]deadLetterItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, deadLetterItem{
			Sequence:        e.Sequence,
			EventID:         encoder.EventID(e.AircraftID, e.Sequence),
			AircraftID:      e.AircraftID,
			EventType:       e.EventType,
			AircraftVersion: e.AircraftVersion,
			Retries:         e.Retries,
			LastError:       e.LastError,
			CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *OpsHandler) Event(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	rec, err := h.ledger.Get(r.Context(), eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("ledger lookup failed", "event_id", eventID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	attempts, err := h.ledger.Attempts(r.Context(), eventID)
	if err != nil {
		h.logger.Error("ledger attempts lookup failed", "event_id", eventID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Record: rec, Attempts: attempts})
}
