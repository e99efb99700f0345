package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
	"github.com/marketsync/marketsync/internal/core/store"
	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/observability"
)

const maxRequestBody = 8 << 20

// RateLister reads persisted tracker snapshots.
type RateLister interface {
	ListEndpointRates(ctx context.Context, query store.EndpointRateQuery) ([]store.EndpointRateEntry, error)
}

// API serves the /v1 routes. Nil collaborators make their routes answer 503.
type API struct {
	Rates   RateLister
	Updater engine.QuantityUpdater
	// Cycles is copied per request so body overrides never leak between runs.
	Cycles *engine.CycleOrchestrator
	Logger *logging.Logger

	NewRunID func() string
}

// QuantityRequest is the body of POST /v1/listings/{id}/quantity.
type QuantityRequest struct {
	Quantity *int   `json:"quantity"`
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// CycleRequest is the body of POST /v1/cycles.
type CycleRequest struct {
	Items               []core.ActivationItem `json:"items"`
	SettleSeconds       *float64              `json:"settle_seconds,omitempty"`
	AbortOnFirstFailure *bool                 `json:"abort_on_first_failure,omitempty"`
}

// EndpointRatesResponse wraps the snapshot listing.
type EndpointRatesResponse struct {
	Count   int                       `json:"count"`
	Entries []store.EndpointRateEntry `json:"entries"`
}

// ListEndpointRates handles GET /v1/endpoint-rates. Without endpoint or
// prefix every snapshot is returned.
func (a *API) ListEndpointRates(w http.ResponseWriter, r *http.Request) {
	if a.Rates == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("endpoint rate store is not configured"))
		return
	}

	q := r.URL.Query()
	query := store.EndpointRateQuery{
		Endpoint: strings.TrimSpace(q.Get("endpoint")),
		Prefix:   strings.TrimSpace(q.Get("prefix")),
	}
	query.All = query.Endpoint == "" && query.Prefix == ""
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be a non-negative integer"))
			return
		}
		query.Limit = limit
	}

	entries, err := a.Rates.ListEndpointRates(r.Context(), query)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to list endpoint rates"))
		return
	}
	if entries == nil {
		entries = []store.EndpointRateEntry{}
	}
	writeJSON(w, http.StatusOK, EndpointRatesResponse{Count: len(entries), Entries: entries})
}

// SetQuantity handles POST /v1/listings/{id}/quantity. A failed mutation
// still returns its UpdateResult, with 502.
func (a *API) SetQuantity(w http.ResponseWriter, r *http.Request) {
	if a.Updater == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("marketplace client is not configured"))
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("listing id is required"))
		return
	}

	var body QuantityRequest
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request body"))
		return
	}
	if body.Quantity == nil || (*body.Quantity != 0 && *body.Quantity != 1) {
		respondWithError(w, r, apperrors.NewInvalidInputError("quantity must be 0 or 1"))
		return
	}
	if body.Price != "" {
		if _, err := core.NewMoney(body.Price); err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "price must be a decimal amount"))
			return
		}
	}

	runID := a.runID()
	item := core.ActivationItem{
		ListingID: id,
		Child:     core.ChildInfo{PriceHint: body.Price, Currency: body.Currency},
	}
	result := a.Updater.UpdateQuantity(r.Context(), runID, item, *body.Quantity)

	observability.Events(a.Logger).Info("api_set_quantity",
		zap.String("run_id", runID),
		zap.String("listing_id", id),
		zap.Int("quantity", *body.Quantity),
		zap.Bool("ok", result.OK))

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// RunCycle handles POST /v1/cycles and blocks until the cycle finishes.
func (a *API) RunCycle(w http.ResponseWriter, r *http.Request) {
	if a.Cycles == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("cycle orchestrator is not configured"))
		return
	}

	var body CycleRequest
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request body"))
		return
	}
	for i, item := range body.Items {
		if strings.TrimSpace(item.ListingID) == "" {
			respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("items[%d].listing_id is required", i)))
			return
		}
	}

	orchestrator := *a.Cycles
	if body.SettleSeconds != nil {
		if *body.SettleSeconds < 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("settle_seconds must not be negative"))
			return
		}
		orchestrator.Config.SettleWait = time.Duration(*body.SettleSeconds * float64(time.Second))
	}
	if body.AbortOnFirstFailure != nil {
		orchestrator.Config.AbortOnFirstFailure = *body.AbortOnFirstFailure
	}

	report, err := orchestrator.Run(r.Context(), a.runID(), body.Items)
	if err != nil {
		respondWithError(w, r, apperrors.MapUpstreamError(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) runID() string {
	if a.NewRunID != nil {
		return a.NewRunID()
	}
	return uuid.NewString()
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
