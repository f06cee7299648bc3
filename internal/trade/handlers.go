// Package trade exposes the ledger over HTTP: batch submission of trade
// fills, paginated history and match queries, open positions, and the live
// WebSocket feed.
//
// Every handler expects an authenticated user id in the request context
// (see auth.Middleware).
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flipledger/ledger-engine/internal/auth"
	"github.com/flipledger/ledger-engine/internal/fill"
	"github.com/flipledger/ledger-engine/internal/ingest"
	"github.com/flipledger/ledger-engine/internal/query"
	"github.com/flipledger/ledger-engine/internal/ratelimit"
)

// maxBodyBytes bounds a batch body; 100 events fit comfortably.
const maxBodyBytes = 1 << 20

// Handler serves the /api/v1 ledger routes.
type Handler struct {
	ingest *ingest.Service
	query  *query.Service
}

// NewHandler creates the HTTP handler set.
func NewHandler(in *ingest.Service, q *query.Service) *Handler {
	return &Handler{ingest: in, query: q}
}

// SubmitTrades handles POST /api/v1/trades.
// Per-event failures are reported in the 200 response body.
func (h *Handler) SubmitTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var batch fill.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.ingest.Submit(r.Context(), userID, &batch)
	switch {
	case err == nil:
	case errors.Is(err, fill.ErrInvalidBatch):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ratelimit.ErrDailyLimitExceeded):
		writeError(w, "daily trade event limit reached", http.StatusTooManyRequests)
		return
	default:
		slog.Error("trade batch failed", "user_id", userID, "err", err)
		writeError(w, "failed to process trades", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/v1/trades
// ?account_id=&item_id=&start=&end=&cursor=&limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	itemID, err := int64Param(q.Get("item_id"))
	if err != nil {
		writeError(w, "item_id must be an integer", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	start, err := timeParam(q.Get("start"))
	if err != nil {
		writeError(w, "start must be an RFC 3339 timestamp", http.StatusBadRequest)
		return
	}
	end, err := timeParam(q.Get("end"))
	if err != nil {
		writeError(w, "end must be an RFC 3339 timestamp", http.StatusBadRequest)
		return
	}

	page, err := h.query.History(r.Context(), userID, query.HistoryFilter{
		AccountID: q.Get("account_id"),
		ItemID:    itemID,
		Start:     start,
		End:       end,
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		writeQueryError(w, "failed to load trade history", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListPositions handles GET /api/v1/positions?account_id=
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	views, err := h.query.OpenPositions(r.Context(), userID, r.URL.Query().Get("account_id"))
	if err != nil {
		writeQueryError(w, "failed to load positions", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ListMatches handles GET /api/v1/matches?account_id=&item_id=&cursor=&limit=
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	itemID, err := int64Param(q.Get("item_id"))
	if err != nil {
		writeError(w, "item_id must be an integer", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}

	page, err := h.query.Matches(r.Context(), userID, query.MatchFilter{
		AccountID: q.Get("account_id"),
		ItemID:    itemID,
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		writeQueryError(w, "failed to load matches", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func int64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func writeQueryError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, query.ErrInvalidFilter) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Error(message, "err", err)
	writeError(w, message, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
