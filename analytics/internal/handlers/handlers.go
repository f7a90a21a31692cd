package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/lock"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/repository"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/scheduler"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/stats"
	"github.com/nimbus-baas/nimbus-stack/common/httputil"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

// Runner triggers an aggregation run.
type Runner interface {
	Run(ctx context.Context, period models.Period, now time.Time) (scheduler.RunResult, error)
}

type Handler struct {
	repo      repository.Repository
	stats     *stats.Service
	runner    Runner
	transport messaging.Transport
	clock     clock.Clock
	log       *slog.Logger
}

func NewHandler(repo repository.Repository, svc *stats.Service, runner Runner, transport messaging.Transport, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		repo:      repo,
		stats:     svc,
		runner:    runner,
		transport: transport,
		clock:     clock.New(),
		log:       log,
	}
}

// HealthCheck handles GET /healthz. The database is required; a broker
// outage only degrades the service since the collector resubscribes.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	broker := messaging.CheckHealth(r.Context(), h.transport)
	dbErr := h.repo.Ping(r.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case dbErr != nil:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case !broker.Connected:
		status = "degraded"
	}

	body := map[string]any{
		"status":   status,
		"broker":   broker,
		"database": dbErr == nil,
	}
	httputil.WriteJSON(w, code, body)
}

// statsRequest reads appId, period, from and to query parameters.
func statsRequest(r *http.Request) (models.StatsRequest, error) {
	q := r.URL.Query()
	req := models.StatsRequest{AppIDs: httputil.QueryList(r, "appId")}
	if p := q.Get("period"); p != "" {
		period, err := models.ParsePeriod(p)
		if err != nil {
			return req, err
		}
		req.Period = period
	}
	var err error
	if req.From, err = httputil.ParseTimeParam(q.Get("from")); err != nil {
		return req, err
	}
	if req.To, err = httputil.ParseTimeParam(q.Get("to")); err != nil {
		return req, err
	}
	return req, req.Validate()
}

// GetUsage handles GET /api/v1/usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	req, err := statsRequest(r)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.AppIDs) == 0 {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "at least one appId is required")
		return
	}

	report, err := h.stats.Usage(r.Context(), req)
	if err != nil {
		h.log.ErrorContext(r.Context(), "usage report failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to build usage report")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// ListRollups handles GET /api/v1/rollups
func (h *Handler) ListRollups(w http.ResponseWriter, r *http.Request) {
	req, err := statsRequest(r)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	filter := repository.RollupFilter{
		OwnerID: q.Get("ownerId"),
		AppIDs:  req.AppIDs,
		Period:  req.Period,
		From:    req.From,
		To:      req.To,
		Limit:   httputil.ParseIntParam(q.Get("limit"), 100),
	}

	rollups, err := h.repo.ListRollups(r.Context(), filter)
	if err != nil {
		h.log.ErrorContext(r.Context(), "list rollups failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list rollups")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"rollups": rollups,
		"count":   len(rollups),
	})
}

// RunAggregation handles POST /api/v1/aggregations/{period}/run. The
// optional "at" query parameter backfills the window ending before it.
func (h *Handler) RunAggregation(w http.ResponseWriter, r *http.Request) {
	period, err := models.ParsePeriod(r.PathValue("period"))
	if err != nil || period == models.PeriodMonthly {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_period", "period must be hourly or daily")
		return
	}
	at, err := httputil.ParseTimeParam(r.URL.Query().Get("at"))
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if at.IsZero() {
		at = h.clock.Now()
	}

	res, err := h.runner.Run(r.Context(), period, at)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, scheduler.ErrRunInProgress), errors.Is(err, lock.ErrLockHeld):
		httputil.WriteErrorCode(w, http.StatusConflict, "run_in_progress", err.Error())
	default:
		h.log.ErrorContext(r.Context(), "manual aggregation run failed",
			logging.Period(string(period)), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "aggregation run failed")
	}
}
